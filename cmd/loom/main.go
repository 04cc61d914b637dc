// Command loom validates, runs, serves, and replays workflow definitions
// from YAML files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/loomworks/loom"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Workflow execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	cmd.AddCommand(
		newValidateCommand(),
		newRunCommand(&configPath),
		newServeCommand(&configPath),
		newReplayCommand(&configPath),
		newSnapshotsCommand(&configPath),
	)
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph.yaml>",
		Short: "Check a workflow definition for structural errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			if err := graph.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d nodes, %d edges)\n",
				graph.ID, len(graph.Nodes), len(graph.Edges))
			return nil
		},
	}
}

func newRunCommand(configPath *string) *cobra.Command {
	var (
		inputJSON string
		legacy    bool
	)

	cmd := &cobra.Command{
		Use:   "run <graph.yaml>",
		Short: "Execute a workflow and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := loadGraph(args[0])
			if err != nil {
				return err
			}

			var input map[string]interface{}
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}

			engine, logger, err := buildEngine(*configPath)
			if err != nil {
				return err
			}
			defer shutdown(engine)
			if err := registerBuiltins(engine, logger); err != nil {
				return err
			}

			result, err := engine.Execute(cmd.Context(), graph, input)
			if err != nil {
				return err
			}
			if legacy {
				return printJSON(cmd, loom.LegacyResult(result))
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&inputJSON, "input", "", "trigger input as a JSON object")
	cmd.Flags().BoolVar(&legacy, "legacy", false, "print the legacy result shape")
	return cmd
}

func newServeCommand(configPath *string) *cobra.Command {
	var queueName string

	cmd := &cobra.Command{
		Use:   "serve <graph.yaml>...",
		Short: "Persist workflows and process queued runs until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := buildEngine(*configPath)
			if err != nil {
				return err
			}
			defer shutdown(engine)
			if err := registerBuiltins(engine, logger); err != nil {
				return err
			}

			for _, path := range args {
				graph, err := loadGraph(path)
				if err != nil {
					return err
				}
				if err := engine.SaveWorkflow(graph); err != nil {
					return err
				}
				logger.Info("workflow registered", "workflow_id", graph.ID, "file", path)
			}

			if err := engine.CreateQueue(queueName, loom.DefaultQueueOptions()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := engine.Start(ctx); err != nil {
				return err
			}
			logger.Info("serving", "queue", queueName)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "default", "queue to process")
	return cmd
}

func newReplayCommand(configPath *string) *cobra.Command {
	var nodeType string

	cmd := &cobra.Command{
		Use:   "replay <execution-id> <node-id>",
		Short: "Re-execute a node against its snapshot and report drift",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := buildEngine(*configPath)
			if err != nil {
				return err
			}
			defer shutdown(engine)
			if err := registerBuiltins(engine, logger); err != nil {
				return err
			}

			result, err := engine.ReplayNode(cmd.Context(), args[0], args[1], nodeType)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&nodeType, "type", "", "registered node type to replay with")
	cmd.MarkFlagRequired("type")
	return cmd
}

func newSnapshotsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots <execution-id>",
		Short: "List the captured snapshots of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := buildEngine(*configPath)
			if err != nil {
				return err
			}
			defer shutdown(engine)

			snapshots, err := engine.ListSnapshots(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, snapshots)
		},
	}
}

func buildEngine(configPath string) (*loom.Engine, *slog.Logger, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg.Logger = logger

	engine, err := loom.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return engine, logger, nil
}

func shutdown(engine *loom.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = engine.Shutdown(ctx)
}

func loadGraph(path string) (*loom.WorkflowGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var graph loom.WorkflowGraph
	if err := yamlv3.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &graph, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

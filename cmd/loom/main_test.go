package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGraph = `id: wf-sample
name: Sample
nodes:
  - id: seed
    type: set
    parameters:
      greeting: hello
  - id: emit
    type: log
    parameters:
      message: "{{ $json.greeting }} world"
edges:
  - source: seed
    target: emit
`

func writeGraphFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadGraph(t *testing.T) {
	path := writeGraphFile(t, sampleGraph)

	graph, err := loadGraph(path)
	require.NoError(t, err)
	assert.Equal(t, "wf-sample", graph.ID)
	require.Len(t, graph.Nodes, 2)
	assert.Equal(t, "set", graph.Nodes[0].Type)
	assert.Equal(t, "seed", graph.Edges[0].Source)
}

func TestValidateCommand(t *testing.T) {
	path := writeGraphFile(t, sampleGraph)

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "wf-sample: ok")
}

func TestValidateCommandRejectsCycle(t *testing.T) {
	path := writeGraphFile(t, `id: wf-cycle
nodes:
  - id: a
    type: noop
  - id: b
    type: noop
edges:
  - source: a
    target: b
  - source: b
    target: a
`)

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", path})
	assert.Error(t, cmd.Execute())
}

func TestLoadConfigDefaultsAndEnvOverride(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentNodes)

	t.Setenv("LOOM_ENGINE__MAX_CONCURRENT_NODES", "9")
	t.Setenv("LOOM_DATA_DIR", "/tmp/loom-test")

	cfg, err = loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Engine.MaxConcurrentNodes)
	assert.Equal(t, "/tmp/loom-test", cfg.DataDir)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`data_dir: ./custom
engine:
  max_execution_time: 90s
observability:
  enabled: true
  port: 9191
`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "./custom", cfg.DataDir)
	assert.Equal(t, 90*time.Second, cfg.Engine.MaxExecutionTime)
	assert.True(t, cfg.Observability.Enabled)
	assert.Equal(t, 9191, cfg.Observability.Port)
}

func TestEnvKeyMapper(t *testing.T) {
	assert.Equal(t, "engine.max_concurrent_nodes", envKeyMapper("LOOM_ENGINE__MAX_CONCURRENT_NODES"))
	assert.Equal(t, "data_dir", envKeyMapper("LOOM_DATA_DIR"))
	assert.Equal(t, "observability.port", envKeyMapper("LOOM_OBSERVABILITY__PORT"))
}

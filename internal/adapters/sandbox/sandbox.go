// Package sandbox evaluates user-authored expressions with no ambient
// authority: no filesystem, no network, no host globals. Source is
// screened against a capability deny-list before it is parsed, and
// evaluation runs under a wall-clock deadline, a step budget, and hard
// ceilings on string and collection sizes.
package sandbox

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

const maxCachedPrograms = 1024

// Sandbox parses and evaluates expressions. Parsed programs are cached
// by source hash so repeated renders of the same parameter do not re-run
// the lexer and parser.
type Sandbox struct {
	config domain.SandboxConfig
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[uint64][]node
}

var _ ports.SandboxPort = (*Sandbox)(nil)

func New(config domain.SandboxConfig, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{
		config: config,
		logger: logger.With("component", "sandbox"),
		cache:  make(map[uint64][]node),
	}
}

// Evaluate runs a single bare expression and returns its value.
func (s *Sandbox) Evaluate(expression string, bindings ports.Bindings) (interface{}, error) {
	if err := screen(expression, s.config); err != nil {
		s.logger.Debug("expression rejected by security screen",
			"expression", truncate(expression, 80),
			"error", err)
		return nil, err
	}

	program, err := s.compile(expression)
	if err != nil {
		return nil, err
	}

	ev := newEvaluator(expression, s.config, s.scope(bindings))
	value, err := ev.run(program)
	if err != nil {
		s.logger.Debug("expression evaluation failed",
			"expression", truncate(expression, 80),
			"steps", ev.steps,
			"error", err)
		return nil, err
	}
	return value, nil
}

// Render resolves a parameter value. A string with no template markers
// passes through unchanged; a single `{{ expr }}` spanning the whole
// value yields the expression's typed result; mixed text interpolates
// each expression into the surrounding string.
func (s *Sandbox) Render(value string, bindings ports.Bindings) (interface{}, error) {
	segments, err := splitTemplate(value)
	if err != nil {
		return nil, err
	}

	if len(segments) == 1 && !segments[0].expr {
		return segments[0].text, nil
	}
	if len(segments) == 1 && segments[0].expr {
		return s.Evaluate(segments[0].text, bindings)
	}

	var sb strings.Builder
	for _, seg := range segments {
		if !seg.expr {
			sb.WriteString(seg.text)
			continue
		}
		result, err := s.Evaluate(seg.text, bindings)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(result))
		if sb.Len() > s.config.MaxStringLen {
			return nil, domain.NewExpressionError(domain.ExpressionResource, value,
				"rendered value exceeds string ceiling", 0)
		}
	}
	return sb.String(), nil
}

func (s *Sandbox) compile(src string) ([]node, error) {
	key := xxhash.Sum64String(src)

	s.mu.RLock()
	program, hit := s.cache[key]
	s.mu.RUnlock()
	if hit {
		return program, nil
	}

	program, err := parse(src)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.cache) >= maxCachedPrograms {
		s.cache = make(map[uint64][]node)
	}
	s.cache[key] = program
	s.mu.Unlock()
	return program, nil
}

func (s *Sandbox) scope(bindings ports.Bindings) map[string]interface{} {
	jsonBinding := bindings.JSON
	if jsonBinding == nil {
		jsonBinding = map[string]interface{}{}
	}
	varsBinding := bindings.Vars
	if varsBinding == nil {
		varsBinding = map[string]interface{}{}
	}

	nodeAccessor := func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("$node expects one node id argument")
		}
		id, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("$node expects a string node id")
		}
		output, exists := bindings.Nodes[id]
		if !exists {
			return nil, nil
		}
		return map[string]interface{}(output), nil
	}

	return map[string]interface{}{
		"$json": map[string]interface{}(jsonBinding),
		"$vars": map[string]interface{}(varsBinding),
		"$node": nodeAccessor,
	}
}

type segment struct {
	text string
	expr bool
}

// splitTemplate cuts a value into literal and `{{ expr }}` segments.
// An unterminated opener is a syntax error.
func splitTemplate(value string) ([]segment, error) {
	var segments []segment
	rest := value
	offset := 0
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			break
		}
		close_ := strings.Index(rest[open:], "}}")
		if close_ < 0 {
			return nil, domain.NewExpressionError(domain.ExpressionSyntax, value,
				"unterminated template expression", offset+open)
		}
		close_ += open
		if open > 0 {
			segments = append(segments, segment{text: rest[:open]})
		}
		inner := strings.TrimSpace(rest[open+2 : close_])
		segments = append(segments, segment{text: inner, expr: true})
		offset += close_ + 2
		rest = rest[close_+2:]
	}
	if rest != "" || len(segments) == 0 {
		segments = append(segments, segment{text: rest})
	}
	return segments, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

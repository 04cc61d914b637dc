package registry

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func noopExecutor() ports.NodeExecutor {
	return ports.NodeExecutorFunc(
		func(ctx context.Context, input ports.ResolvedInput, spec domain.NodeSpec) (map[string]interface{}, error) {
			return map[string]interface{}{}, nil
		})
}

func TestRegisterAndGet(t *testing.T) {
	r := New(createTestLogger())

	require.NoError(t, r.Register("transform", noopExecutor()))

	executor, err := r.Get("transform")
	require.NoError(t, err)
	assert.NotNil(t, executor)
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	r := New(createTestLogger())

	assert.ErrorIs(t, r.Register("", noopExecutor()), domain.ErrInvalidInput)
	assert.ErrorIs(t, r.Register("x", nil), domain.ErrInvalidInput)

	require.NoError(t, r.Register("dup", noopExecutor()))
	assert.ErrorIs(t, r.Register("dup", noopExecutor()), domain.ErrInvalidInput)
}

func TestGetUnknownTypeIsConfigurationError(t *testing.T) {
	r := New(createTestLogger())

	_, err := r.Get("ghost")
	require.Error(t, err)

	var ce *domain.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "ghost", ce.NodeType)
}

func TestTypesAreSorted(t *testing.T) {
	r := New(createTestLogger())

	for _, nodeType := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(nodeType, noopExecutor()))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Types())
}

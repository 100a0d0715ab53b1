package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/foreman/pkg/errors"
)

type stubRuntime struct {
	cfg Config
}

func (s *stubRuntime) Execute(_ context.Context, operation string, inputs map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"operation": operation, "model": s.cfg.Model}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", func(cfg Config) (Runtime, error) {
		return &stubRuntime{cfg: cfg}, nil
	})

	runtime, err := reg.Get("stub", Config{Model: "fast"})
	require.NoError(t, err)

	out, err := runtime.Execute(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"operation": "ping", "model": "fast"}, out)
}

func TestRegistry_UnknownAgent(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("ghost", Config{})
	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "agent", notFound.Resource)
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", func(Config) (Runtime, error) { return nil, nil })
	reg.Register("b", func(Config) (Runtime, error) { return nil, nil })
	assert.ElementsMatch(t, []string{"a", "b"}, reg.Names())
}

package env

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_MergeOrder(t *testing.T) {
	p := New(nil)
	p.Register("defaults", func() (map[string]string, error) {
		return map[string]string{"SHARED": "from-defaults", "ONLY_DEFAULT": "d"}, nil
	})
	p.Register("overrides", func() (map[string]string, error) {
		return map[string]string{"SHARED": "from-overrides"}, nil
	})
	p.Load()

	v, ok := p.Get("SHARED")
	require.True(t, ok)
	assert.Equal(t, "from-overrides", v, "later sources win")

	v, ok = p.Get("ONLY_DEFAULT")
	require.True(t, ok)
	assert.Equal(t, "d", v)
}

func TestProvider_ProcessEnvWins(t *testing.T) {
	t.Setenv("FOREMAN_TEST_KEY", "from-env")

	p := New(nil)
	p.Register("file", func() (map[string]string, error) {
		return map[string]string{"FOREMAN_TEST_KEY": "from-file"}, nil
	})
	p.Load()

	v, _ := p.Get("FOREMAN_TEST_KEY")
	assert.Equal(t, "from-env", v)
}

func TestProvider_FailingSourceIsSkipped(t *testing.T) {
	p := New(nil)
	p.Register("broken", func() (map[string]string, error) {
		return nil, fmt.Errorf("cannot read")
	})
	p.Register("working", func() (map[string]string, error) {
		return map[string]string{"KEY": "value"}, nil
	})
	p.Load()

	v, ok := p.Get("KEY")
	require.True(t, ok, "a failing source must not stop the others")
	assert.Equal(t, "value", v)
}

func TestProvider_GetOr(t *testing.T) {
	p := New(nil)
	p.Load()
	assert.Equal(t, "fallback", p.GetOr("MISSING_KEY_12345", "fallback"))
}

func TestProvider_Paths(t *testing.T) {
	t.Setenv("FOREMAN_PATH_WORKSPACE", "/srv/work")
	t.Setenv("FOREMAN_PATH_TOOL_CACHE", "/var/cache/tools")

	p := New(nil)
	p.Load()

	paths := p.Paths()
	assert.Equal(t, "/srv/work", paths["workspace"])
	assert.Equal(t, "/var/cache/tools", paths["tool_cache"])
}

func TestProvider_Section(t *testing.T) {
	p := New(nil)
	p.Register("vals", func() (map[string]string, error) {
		return map[string]string{
			"AZREPO_ORG":     "contoso",
			"AZREPO_PROJECT": "tools",
			"OTHER_KEY":      "x",
		}, nil
	})
	p.Load()

	section := p.Section("AZREPO_")
	assert.Equal(t, map[string]string{"org": "contoso", "project": "tools"}, section)
}

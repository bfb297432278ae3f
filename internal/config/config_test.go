package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		env   map[string]string
		aot   bool
		index bool
		base  string
	}{
		{"empty", map[string]string{}, false, false, "."},
		{"presence only", map[string]string{"BPFTIME_ENABLE_AOT": ""}, true, false, "."},
		{"value ignored", map[string]string{"BPFTIME_ENABLE_AOT": "0"}, true, false, "."},
		{"home", map[string]string{"HOME": "/home/bpf", "BPFTIME_AOT_INDEX": "1"}, false, true, "/home/bpf"},
		{"empty home", map[string]string{"HOME": ""}, false, false, "."},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := Load(lookupFrom(tt.env))
			require.NoError(t, err)
			assert.Equal(t, tt.aot, c.AOTEnabled())
			assert.Equal(t, tt.index, c.IndexEnabled())
			assert.Equal(t, tt.base, c.CacheBase())
		})
	}
}

func TestApply(t *testing.T) {
	t.Parallel()
	on := "1"
	base := Config{Home: "/a"}
	got := base.Apply(Config{EnableAOT: &on})
	assert.True(t, got.AOTEnabled())
	assert.Equal(t, "/a", got.Home)
	assert.False(t, base.AOTEnabled())

	got = got.Apply(Config{Home: "/b"})
	assert.Equal(t, "/b", got.Home)
	assert.True(t, got.AOTEnabled())
}

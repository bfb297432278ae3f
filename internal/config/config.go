// Package config reads the compiler settings from the environment.
package config

import (
	"os"

	"github.com/mstoykov/envconfig"
)

// Config holds the environment settings that affect compilation.
type Config struct {
	// EnableAOT enables the on-disk object cache when the variable is set
	// at all. Its value is ignored.
	EnableAOT *string `envconfig:"BPFTIME_ENABLE_AOT"`

	// AOTIndex enables the cache index database when set.
	AOTIndex *string `envconfig:"BPFTIME_AOT_INDEX"`

	// Home is the base directory of the cache root.
	Home string `envconfig:"HOME"`
}

// Load builds a Config from lookup, which has the signature of
// os.LookupEnv.
func Load(lookup func(string) (string, bool)) (Config, error) {
	var c Config
	if err := envconfig.Process("", &c, lookup); err != nil {
		return Config{}, err
	}
	return c, nil
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// AOTEnabled reports whether BPFTIME_ENABLE_AOT is present.
func (c Config) AOTEnabled() bool {
	return c.EnableAOT != nil
}

// IndexEnabled reports whether BPFTIME_AOT_INDEX is present.
func (c Config) IndexEnabled() bool {
	return c.AOTIndex != nil
}

// CacheBase returns the directory the cache root lives under: HOME, or
// the working directory when HOME is unset or empty.
func (c Config) CacheBase() string {
	if c.Home == "" {
		return "."
	}
	return c.Home
}

// Apply returns c with every field that is set in other replacing its
// own.
func (c Config) Apply(other Config) Config {
	if other.EnableAOT != nil {
		c.EnableAOT = other.EnableAOT
	}
	if other.AOTIndex != nil {
		c.AOTIndex = other.AOTIndex
	}
	if other.Home != "" {
		c.Home = other.Home
	}
	return c
}

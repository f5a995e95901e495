// Package config handles tracejit.toml compiler configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/ascrivener/tracejit/pkg/chain"
	"github.com/ascrivener/tracejit/pkg/codecache"
	"github.com/ascrivener/tracejit/pkg/jit"
	"github.com/ascrivener/tracejit/pkg/target"
	"github.com/ascrivener/tracejit/pkg/trace"
)

// Config is the full compiler configuration.
type Config struct {
	// Target names the code generator: risc32, risc32-softfp or amd64.
	Target string `toml:"target"`

	CodeCacheSize        int `toml:"code-cache-size"`
	MaxInsns             int `toml:"max-insns"`
	MaxChainingCells     int `toml:"max-chaining-cells"`
	MaxPCReconstructions int `toml:"max-pc-reconstructions"`
	// CounterLimit is the predicted-cell counter saturation value; it is
	// the number of mispredictions a linked cell absorbs before rechaining.
	CounterLimit int `toml:"counter-limit"`

	SelfVerify   bool     `toml:"self-verify"`
	DisabledOpts []string `toml:"disabled-opts"`
	// SuspendPoll polls the thread's break flags on every backward branch.
	// Loop traces poll regardless.
	SuspendPoll bool `toml:"suspend-poll"`

	Workers              int `toml:"workers"`
	TranslationCacheSize int `toml:"translation-cache-size"`

	// ProfilePath is the compile log directory; empty disables the log.
	ProfilePath string `toml:"profile-path"`
}

// Default returns the values the library uses when no file is given.
func Default() Config {
	return Config{
		Target:               "risc32",
		CodeCacheSize:        codecache.DefaultSize,
		MaxInsns:             trace.DefaultMaxInsns,
		MaxChainingCells:     jit.DefaultMaxChainingCells,
		MaxPCReconstructions: jit.DefaultMaxPCReconstructions,
		CounterLimit:         chain.DefaultCounterLimit,
		SuspendPoll:          true,
		Workers:              4,
		TranslationCacheSize: 1024,
	}
}

// Load reads path over the defaults. Keys absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return Parse(string(data))
}

// Parse decodes TOML text over the defaults and validates the result.
func Parse(data string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	return cfg, cfg.Validate()
}

// Validate rejects zero or negative capacities and unknown names.
func (c *Config) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"code-cache-size", c.CodeCacheSize},
		{"max-insns", c.MaxInsns},
		{"max-chaining-cells", c.MaxChainingCells},
		{"max-pc-reconstructions", c.MaxPCReconstructions},
		{"counter-limit", c.CounterLimit},
		{"workers", c.Workers},
		{"translation-cache-size", c.TranslationCacheSize},
	} {
		if f.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", f.name, f.v)
		}
	}
	if c.MaxChainingCells > 0xff {
		return fmt.Errorf("max-chaining-cells is at most 255, got %d", c.MaxChainingCells)
	}
	if _, err := target.ByName(c.Target); err != nil {
		return err
	}
	_, err := c.Disabled()
	return err
}

// Disabled returns the optimizations switched off for every request.
func (c *Config) Disabled() (trace.Opt, error) {
	var o trace.Opt
	for _, name := range c.DisabledOpts {
		x, err := trace.ParseOpt(name)
		if err != nil {
			return 0, err
		}
		o |= x
	}
	return o, nil
}

// CompilerOptions returns the per-trace limits for jit.NewCompiler.
func (c *Config) CompilerOptions() jit.Options {
	o := jit.DefaultOptions()
	o.MaxChainingCells = c.MaxChainingCells
	o.MaxPCReconstructions = c.MaxPCReconstructions
	o.SelfVerify = c.SelfVerify
	o.NoSuspendPoll = !c.SuspendPoll
	return o
}

// Apply fills the request-level settings of d that it leaves unset.
func (c *Config) Apply(d *trace.Descriptor) {
	if d.MaxInsns <= 0 {
		d.MaxInsns = c.MaxInsns
	}
	if o, err := c.Disabled(); err == nil {
		d.DisabledOpts |= o
	}
}

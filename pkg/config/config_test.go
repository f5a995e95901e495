package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/google/go-cmp/cmp"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse(`
target = "amd64"
code-cache-size = 65536
self-verify = true
suspend-poll = false
disabled-opts = ["superblocks", "method-inlining"]
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Default()
	want.Target = "amd64"
	want.CodeCacheSize = 65536
	want.SelfVerify = true
	want.SuspendPoll = false
	want.DisabledOpts = []string{"superblocks", "method-inlining"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
	o, _ := cfg.Disabled()
	if o != trace.OptSuperblocks|trace.OptMethodInlining {
		t.Errorf("disabled = %s", o)
	}
	if o := cfg.CompilerOptions(); !o.SelfVerify || !o.NoSuspendPoll {
		t.Errorf("compiler options = %+v", o)
	}

	d := &trace.Descriptor{}
	cfg.Apply(d)
	if d.MaxInsns != trace.DefaultMaxInsns || !d.DisabledOpts.Has(trace.OptSuperblocks) {
		t.Errorf("applied descriptor = %+v", d)
	}
}

func TestParseRejects(t *testing.T) {
	for _, tt := range []struct{ name, text string }{
		{"zero capacity", "max-pc-reconstructions = 0"},
		{"negative workers", "workers = -1"},
		{"too many cells", "max-chaining-cells = 300"},
		{"unknown target", `target = "mips"`},
		{"unknown optimization", `disabled-opts = ["magic"]`},
		{"unknown key", "cache = 1"},
		{"syntax", "target = "},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.text); err == nil {
				t.Errorf("Parse(%q) succeeded", tt.text)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracejit.toml")
	if err := os.WriteFile(path, []byte("workers = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil || cfg.Workers != 2 {
		t.Fatalf("Load = %+v, %v", cfg, err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file loaded")
	}
}

package jobconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadFileYAML(t *testing.T) {
	p := writeFile(t, "job.yaml", `
namespace: analytics
runtime_env:
  pip:
    - requests
metadata:
  owner: data-team
`)
	cfg, err := LoadFile(p)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Namespace != "analytics" {
		t.Fatalf("namespace = %q", cfg.Namespace)
	}
	if cfg.Metadata["owner"] != "data-team" {
		t.Fatalf("metadata = %v", cfg.Metadata)
	}
	if !cfg.NeedsInstall() {
		t.Fatalf("expected pip runtime env to need install")
	}
}

func TestLoadFileHCL(t *testing.T) {
	p := writeFile(t, "job.hcl", `
namespace = "batch"
runtime_env = {
  working_dir = "/srv/job"
  env_vars = { MODE = "fast" }
}
metadata = {
  team = "infra"
}
`)
	cfg, err := LoadFile(p)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Namespace != "batch" {
		t.Fatalf("namespace = %q", cfg.Namespace)
	}
	if cfg.RuntimeEnv["working_dir"] != "/srv/job" {
		t.Fatalf("runtime env = %v", cfg.RuntimeEnv)
	}
	vars, ok := cfg.RuntimeEnv["env_vars"].(map[string]any)
	if !ok || vars["MODE"] != "fast" {
		t.Fatalf("env_vars = %#v", cfg.RuntimeEnv["env_vars"])
	}
	if cfg.Metadata["team"] != "infra" {
		t.Fatalf("metadata = %v", cfg.Metadata)
	}
	if cfg.NeedsInstall() {
		t.Fatalf("did not expect install")
	}
}

func TestLoadFileHCLWithoutRuntimeEnv(t *testing.T) {
	p := writeFile(t, "job.hcl", `namespace = "ns"`)
	cfg, err := LoadFile(p)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.RuntimeEnv != nil {
		t.Fatalf("expected nil runtime env, got %v", cfg.RuntimeEnv)
	}
	s, err := cfg.SerializedRuntimeEnv()
	if err != nil || s != "{}" {
		t.Fatalf("SerializedRuntimeEnv = %q, %v", s, err)
	}
}

func TestLoadFileUnsupported(t *testing.T) {
	p := writeFile(t, "job.toml", `namespace = "x"`)
	if _, err := LoadFile(p); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestCloneIsolatesMaps(t *testing.T) {
	orig := &JobConfig{Namespace: "a", RuntimeEnv: map[string]any{"k": "v"}}
	c := orig.Clone()
	c.SetNamespace("b")
	c.RuntimeEnv["k"] = "changed"
	if orig.Namespace != "a" || orig.RuntimeEnv["k"] != "v" {
		t.Fatalf("clone mutated original: %+v", orig)
	}
	var nilCfg *JobConfig
	if got := nilCfg.Clone(); got == nil {
		t.Fatalf("Clone of nil should return empty config")
	}
}

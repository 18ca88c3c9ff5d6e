package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadUnmarshalsProtocolsAndTimeouts(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yaml := []byte(`
node_identifier: ""
peers_file: known_peers.json
awaitable_timeout: 1500ms
cycle_timeout: 10ms
protocols:
  - kind: tcp
    interface: eth0
    bindings:
      - "*:9000"
    bootstraps:
      - "10.0.0.1:9000"
`)
	if err := os.WriteFile(filepath.Join(configDir, "default.yaml"), yaml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Protocols) != 1 {
		t.Fatalf("expected one protocol entry, got %d", len(cfg.Protocols))
	}
	p := cfg.Protocols[0]
	if p.Kind != "tcp" || p.Interface != "eth0" {
		t.Fatalf("unexpected protocol config: %+v", p)
	}
	if len(p.Bindings) != 1 || p.Bindings[0] != "*:9000" {
		t.Fatalf("unexpected bindings: %v", p.Bindings)
	}
	if len(p.Bootstraps) != 1 || p.Bootstraps[0] != "10.0.0.1:9000" {
		t.Fatalf("unexpected bootstraps: %v", p.Bootstraps)
	}
	if cfg.CycleTimeout.String() != "10ms" {
		t.Fatalf("expected cycle_timeout 10ms, got %v", cfg.CycleTimeout)
	}
}

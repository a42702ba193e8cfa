package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/efa-transport/efa"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "efactl.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server_name: 10.0.0.1:12001\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != ProviderEFA || cfg.DomainSuffix != "-rdm" {
		t.Fatalf("unexpected provider defaults %q %q", cfg.Provider, cfg.DomainSuffix)
	}
	if got := cfg.ResourceConfig(); got != efa.DefaultResourceConfig() {
		t.Fatalf("unexpected resources %+v", got)
	}
	if cfg.MaxMRSize() != efa.DefaultMaxMRSize {
		t.Fatalf("unexpected max_mr_size %d", cfg.MaxMRSize())
	}
	if cfg.Handshake.Timeout != 5*time.Second || cfg.Metrics.Backend != MetricsPrometheus {
		t.Fatalf("unexpected handshake/metrics defaults %+v %+v", cfg.Handshake, cfg.Metrics)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server_name: node-a:12001
provider: simulated
devices: [efa0, efa1]
resources:
  queue_count: 2
  max_cqe: 128
max_mr_size: 1048576
handshake:
  timeout: 2s
`)
	t.Setenv("EFA_RESOURCES_MAX_ENDPOINTS", "32")
	t.Setenv("EFA_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != ProviderSimulated || len(cfg.Devices) != 2 || cfg.Devices[1] != "efa1" {
		t.Fatalf("unexpected provider/devices %q %v", cfg.Provider, cfg.Devices)
	}
	rc := cfg.ResourceConfig()
	if rc.QueueCount != 2 || rc.MaxCQE != 128 || rc.MaxEndpoints != 32 {
		t.Fatalf("unexpected resources %+v", rc)
	}
	if cfg.MaxMRSize() != 1<<20 || cfg.Handshake.Timeout != 2*time.Second || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
}

func TestLoadDevicesFromEnv(t *testing.T) {
	t.Setenv("EFA_DEVICES", "efa0,efa2")
	cfg, err := Load(writeConfig(t, "server_name: a\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if strings.Join(cfg.Devices, " ") != "efa0 efa2" {
		t.Fatalf("unexpected devices %v", cfg.Devices)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"provider":    "server_name: a\nprovider: verbs\n",
		"backend":     "server_name: a\nmetrics: {backend: statsd}\n",
		"server name": "server_name: a@b\n",
		"device":      "server_name: a\ndevices: ['x@y']\n",
		"duplicate":   "server_name: a\ndevices: [efa0, efa0]\n",
		"queues":      "server_name: a\nresources: {queue_count: 0}\n",
		"max mr size": "server_name: a\nmax_mr_size: 0\n",
		"timeout":     "server_name: a\nhandshake: {timeout: 0s}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestConfigYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server_name: node-a:12001\nprovider: tcp\ndomain_suffix: ''\ndevices: [lo]\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	var decoded Config
	if err := yaml.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ServerName != "node-a:12001" || decoded.Provider != ProviderTCP || decoded.Devices[0] != "lo" {
		t.Fatalf("unexpected rendered config:\n%s", out)
	}
	if decoded.Handshake.Timeout != cfg.Handshake.Timeout {
		t.Fatalf("timeout did not survive rendering: %v", decoded.Handshake.Timeout)
	}
}

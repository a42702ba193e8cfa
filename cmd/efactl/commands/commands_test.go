package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const simulatedConfig = `
server_name: 127.0.0.1:12001
provider: simulated
devices: [efa0, efa1]
resources:
  max_cqe: 8
log:
  level: error
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "efactl.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	path := writeConfig(t, simulatedConfig)
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", path}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestConfigCommand(t *testing.T) {
	out, err := runCommand(t, "config")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	for _, want := range []string{"server_name: 127.0.0.1:12001", "provider: simulated", "max_cqe: 8"} {
		if !strings.Contains(out, want) {
			t.Fatalf("config output missing %q:\n%s", want, out)
		}
	}
}

func TestInfoCommand(t *testing.T) {
	out, err := runCommand(t, "info")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	for _, want := range []string{"127.0.0.1:12001@efa0", "127.0.0.1:12001@efa1", "simulated"} {
		if !strings.Contains(out, want) {
			t.Fatalf("info output missing %q:\n%s", want, out)
		}
	}
}

func TestLoopbackCommand(t *testing.T) {
	out, err := runCommand(t, "loopback", "--size", "65536", "--slices", "32")
	if err != nil {
		t.Fatalf("loopback: %v\n%s", err, out)
	}
	if !strings.Contains(out, "verified on efa0") {
		t.Fatalf("unexpected loopback output:\n%s", out)
	}
}

func TestLoopbackCommandRejectsUnevenSlices(t *testing.T) {
	if _, err := runCommand(t, "loopback", "--size", "1000", "--slices", "3"); err == nil {
		t.Fatal("expected error for uneven slicing")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	path := writeConfig(t, simulatedConfig+`
handshake:
  listen: 127.0.0.1:0
metrics:
  backend: none
`)
	s, err := setup(&globalFlags{configPath: path})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer s.close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

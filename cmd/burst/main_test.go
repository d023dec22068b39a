package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/burst/internal/sshtest"
	gssh "github.com/3cpo-dev/burst/pkg/ssh"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	root.SetContext(ctx)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil || !strings.HasPrefix(out, "burst "+version) {
		t.Errorf("version: %q, %v", out, err)
	}
}

func remoteShell(command string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	switch {
	case command == "true":
		return 0
	case strings.HasPrefix(command, "ping -c 1 "):
		fmt.Fprintf(stdout, "pong %s\n", strings.TrimPrefix(command, "ping -c 1 "))
		return 0
	}
	fmt.Fprintf(stderr, "%s: command not found\n", command)
	return 127
}

// TestFullWorkflow drives the CLI through init, up on a static pool served
// by an in-process SSH server, and the ledger commands.
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))

	srv := &sshtest.Server{Exec: remoteShell}
	cfgPath := filepath.Join(dir, "config.yaml")
	writeConfig := func(port int) {
		cfg := fmt.Sprintf(`providers:
  default: static
  static:
    hosts:
      - {name: h0, ip: 127.0.0.1, port: %d}
      - {name: h1, ip: 127.0.0.1, port: %d}
ssh:
  key_dir: %s
  known_hosts: %s
  user: burst
  timeout: 5s
orchestration:
  policy: strict
ledger:
  path: %s
`, port, port, filepath.Join(dir, "keys"), filepath.Join(dir, "known_hosts"), filepath.Join(dir, "ledger.db"))
		if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
			t.Fatal(err)
		}
	}
	writeConfig(0)

	t.Run("Init", func(t *testing.T) {
		out, err := execute(t, "--config", cfgPath, "init")
		if err != nil {
			t.Fatalf("init: %v\n%s", err, out)
		}
		if !strings.Contains(out, "already exists") || !strings.Contains(out, "ssh-ed25519 ") {
			t.Errorf("init output:\n%s", out)
		}
		if _, err := os.Stat(filepath.Join(dir, "known_hosts")); err != nil {
			t.Error(err)
		}
	})

	signer, err := gssh.LoadPrivateKeySigner(filepath.Join(dir, "keys", "id_ed25519"))
	if err != nil {
		t.Fatal(err)
	}
	srv.AuthorizedKeys = []xssh.PublicKey{signer.PublicKey()}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	writeConfig(srv.Port())

	t.Run("Providers", func(t *testing.T) {
		out, err := execute(t, "--config", cfgPath, "providers")
		if err != nil || !strings.Contains(out, "registered: static") {
			t.Errorf("providers: %v\n%s", err, out)
		}
	})

	t.Run("Up", func(t *testing.T) {
		fleet := filepath.Join(dir, "fleet.yaml")
		data := `name: pingtest
provider: static
max_duration: 10m
groups:
  server: {instance_type: vm, image: none, count: 1, setup: ["true"]}
  client: {instance_type: vm, image: none, count: 1}
workload:
  - group: client
    command: 'ping -c 1 {{ (index .Groups "server" 0).PrivateIP }}'
`
		if err := os.WriteFile(fleet, []byte(data), 0600); err != nil {
			t.Fatal(err)
		}
		out, err := execute(t, "--config", cfgPath, "--log", "error", "up", "-f", fleet, "--metrics-listen", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("up: %v\n%s", err, out)
		}
		for _, want := range []string{"pong 127.0.0.1", ": success", "2 instances terminated"} {
			if !strings.Contains(out, want) {
				t.Errorf("up output lacks %q:\n%s", want, out)
			}
		}
	})

	t.Run("Ledger", func(t *testing.T) {
		out, err := execute(t, "--config", cfgPath, "leaks")
		if err != nil || !strings.Contains(out, "no leaked resources") {
			t.Errorf("leaks: %v\n%s", err, out)
		}
		out, err = execute(t, "--config", cfgPath, "runs")
		if err != nil || !strings.Contains(out, "pingtest") || !strings.Contains(out, "success") {
			t.Errorf("runs: %v\n%s", err, out)
		}
		out, err = execute(t, "--config", cfgPath, "reap")
		if err != nil || !strings.Contains(out, "released 0 resources") {
			t.Errorf("reap: %v\n%s", err, out)
		}
	})
}

func TestUpRejectsBadFleetFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	fleet := filepath.Join(dir, "fleet.yaml")
	if err := os.WriteFile(fleet, []byte("name: x\ngroups: {a: {instance_type: t, image: i, count: 0}}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "up", "-f", fleet); err == nil || !strings.Contains(err.Error(), "count") {
		t.Errorf("err = %v", err)
	}
}

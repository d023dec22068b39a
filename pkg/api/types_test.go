package api

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const pingFleet = `
name: pingtest
provider: ec2
max_duration: 1h
policy: strict
groups:
  server: {instance_type: t3.micro, image: ami-e18aa89b, count: 1, setup: ["sudo yum install -y htop"]}
  client:
    instance_type: t3.micro
    image: ami-e18aa89b
    count: 2
    uploads:
      - {local: targets.txt, remote: /tmp/targets.txt}
workload:
  - group: client
    command: 'ping -c 3 {{ (index .Groups "server" 0).PrivateIP }}'
    inputs_file: targets.txt
    downloads:
      - {remote: /tmp/out.log, local: out}
`

func TestLoadFleet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	if err := os.WriteFile(path, []byte(pingFleet), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "targets.txt"), []byte("# hosts\na.example\n\nb.example\n"), 0600); err != nil {
		t.Fatal(err)
	}
	f, err := LoadFleet(path)
	if err != nil {
		t.Fatalf("LoadFleet: %v", err)
	}
	if f.Name != "pingtest" || f.Provider != "ec2" || f.MaxDuration != time.Hour {
		t.Errorf("header %+v", f)
	}
	if got := strings.Join(f.GroupNames(), ","); got != "client,server" {
		t.Errorf("groups %s", got)
	}
	if f.Groups["client"].Count != 2 || f.Groups["server"].Setup[0] != "sudo yum install -y htop" {
		t.Errorf("groups %+v", f.Groups)
	}
	if got := f.Workload[0].Inputs; len(got) != 2 || got[1] != "b.example" {
		t.Errorf("inputs %v", got)
	}
	if got := f.Path(f.Groups["client"].Uploads[0].Local); got != filepath.Join(dir, "targets.txt") {
		t.Errorf("relative path resolved to %s", got)
	}
	if f.Path("/abs") != "/abs" {
		t.Error("absolute path rewritten")
	}
	if f.Workload[0].Label(0) != "step 1 (client)" {
		t.Errorf("label %q", f.Workload[0].Label(0))
	}
}

func TestParseFleetRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "", "empty"},
		{"unknown key", "name: x\ncolour: red\ngroups: {a: {count: 1}}\n", "colour"},
		{"no name", "groups: {a: {count: 1}}\n", "name is required"},
		{"no groups", "name: x\n", "at least one group"},
		{"unknown step group", "name: x\ngroups: {a: {count: 1}}\nworkload: [{group: b, command: 'true'}]\n", `unknown group "b"`},
		{"empty command", "name: x\ngroups: {a: {count: 1}}\nworkload: [{group: a, command: ' '}]\n", "command is required"},
		{"bad template", "name: x\ngroups: {a: {count: 1}}\nworkload: [{group: a, command: '{{ .Node'}]\n", "step 1"},
		{"bad upload", "name: x\ngroups: {a: {count: 1, uploads: [{local: f}]}}\n", "upload needs"},
		{"bad duration", "name: x\nmax_duration: soon\ngroups: {a: {count: 1}}\n", "parse fleet file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFleet(strings.NewReader(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadFleetMissingInputs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	data := "name: x\ngroups: {a: {count: 1}}\nworkload: [{name: scan, group: a, command: 'true', inputs_file: nope.txt}]\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFleet(path); err == nil || !strings.Contains(err.Error(), "scan") {
		t.Errorf("err = %v", err)
	}
}

// Package api holds the fleet file format read by the burst command.
package api

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// FleetFile describes one disposable fleet and the work it runs.
type FleetFile struct {
	Name        string            `json:"name" yaml:"name"`
	Provider    string            `json:"provider" yaml:"provider"`
	MaxDuration time.Duration     `json:"max_duration" yaml:"max_duration"`
	Policy      string            `json:"policy" yaml:"policy"`
	Tags        map[string]string `json:"tags" yaml:"tags"`
	Groups      map[string]Group  `json:"groups" yaml:"groups"`
	Workload    []Step            `json:"workload" yaml:"workload"`

	// BaseDir resolves relative local paths. LoadFleet sets it to the
	// directory holding the file.
	BaseDir string `json:"-" yaml:"-"`
}

// Group is one homogeneous set of machines.
type Group struct {
	InstanceType string     `json:"instance_type" yaml:"instance_type"`
	Image        string     `json:"image" yaml:"image"`
	Count        int        `json:"count" yaml:"count"`
	Uploads      []Transfer `json:"uploads" yaml:"uploads"`
	Setup        []string   `json:"setup" yaml:"setup"`
}

// Transfer copies one file between the local machine and a node.
type Transfer struct {
	Local  string `json:"local" yaml:"local"`
	Remote string `json:"remote" yaml:"remote"`
}

// Step runs Command on every node of Group. Steps run in file order.
type Step struct {
	Name    string `json:"name" yaml:"name"`
	Group   string `json:"group" yaml:"group"`
	Command string `json:"command" yaml:"command"`
	// Inputs are split across the group's nodes, one share per node.
	Inputs     []string `json:"inputs" yaml:"inputs"`
	InputsFile string   `json:"inputs_file" yaml:"inputs_file"`
	// Parallel caps concurrent nodes; zero means all at once.
	Parallel  int        `json:"parallel" yaml:"parallel"`
	Downloads []Transfer `json:"downloads" yaml:"downloads"`
}

// Label names the step in logs.
func (s Step) Label(i int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("step %d (%s)", i+1, s.Group)
}

// GroupNames returns the group names sorted.
func (f *FleetFile) GroupNames() []string {
	names := make([]string, 0, len(f.Groups))
	for name := range f.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path resolves p against BaseDir.
func (f *FleetFile) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || f.BaseDir == "" {
		return p
	}
	return filepath.Join(f.BaseDir, p)
}

// ParseFleet decodes a fleet file. Unknown keys are rejected.
func ParseFleet(r io.Reader) (*FleetFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f FleetFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("fleet file is empty")
		}
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFleet reads and validates the fleet file at path, and reads any
// inputs_file lists relative to it.
func LoadFleet(path string) (*FleetFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := ParseFleet(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.BaseDir = filepath.Dir(path)
	for i := range f.Workload {
		s := &f.Workload[i]
		if s.InputsFile == "" {
			continue
		}
		lines, err := readLines(f.Path(s.InputsFile))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Label(i), err)
		}
		s.Inputs = append(s.Inputs, lines...)
	}
	return f, nil
}

// Validate checks the parts of the file that the orchestrator does not.
// Group names, counts and durations are checked again when the fleet spec
// is built.
func (f *FleetFile) Validate() error {
	var errs []error
	if f.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(f.Groups) == 0 {
		errs = append(errs, errors.New("at least one group is required"))
	}
	for _, name := range f.GroupNames() {
		g := f.Groups[name]
		for _, t := range g.Uploads {
			if t.Local == "" || t.Remote == "" {
				errs = append(errs, fmt.Errorf("group %s: upload needs local and remote", name))
			}
		}
	}
	for i, s := range f.Workload {
		if _, ok := f.Groups[s.Group]; !ok {
			errs = append(errs, fmt.Errorf("%s: unknown group %q", s.Label(i), s.Group))
		}
		if strings.TrimSpace(s.Command) == "" {
			errs = append(errs, fmt.Errorf("%s: command is required", s.Label(i)))
		} else if _, err := template.New("cmd").Option("missingkey=error").Parse(s.Command); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Label(i), err))
		}
		if s.Parallel < 0 {
			errs = append(errs, fmt.Errorf("%s: parallel must not be negative", s.Label(i)))
		}
		for _, t := range s.Downloads {
			if t.Local == "" || t.Remote == "" {
				errs = append(errs, fmt.Errorf("%s: download needs local and remote", s.Label(i)))
			}
		}
	}
	return errors.Join(errs...)
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

package core

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/burst/pkg/api"
	"github.com/3cpo-dev/burst/pkg/burst"
	"github.com/3cpo-dev/burst/pkg/ssh"
)

// BuildSpec turns a fleet file into an orchestrator spec. Each group's
// setup uploads its files and then runs its commands in order.
func BuildSpec(f *api.FleetFile) (*burst.FleetSpec, error) {
	b := burst.NewBuilder()
	if err := b.SetName(f.Name); err != nil {
		return nil, err
	}
	if f.MaxDuration > 0 {
		if err := b.SetMaxDuration(f.MaxDuration); err != nil {
			return nil, err
		}
	}
	for _, name := range f.GroupNames() {
		g := f.Groups[name]
		m := burst.MachineSetup{
			InstanceType: g.InstanceType,
			ImageID:      g.Image,
			Setup:        groupSetup(f, g),
		}
		if err := b.AddGroup(name, g.Count, m); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

func groupSetup(f *api.FleetFile, g api.Group) burst.SetupRoutine {
	commands := burst.Commands(g.Setup...)
	if len(g.Uploads) == 0 {
		return commands
	}
	return burst.SetupFunc(func(ctx context.Context, s burst.Session) error {
		for _, t := range g.Uploads {
			if err := push(ctx, s, f.Path(t.Local), t.Remote); err != nil {
				return err
			}
		}
		return commands.Setup(ctx, s)
	})
}

func push(ctx context.Context, s burst.Session, local, remote string) error {
	sess, ok := ssh.Of(s)
	if !ok {
		return fmt.Errorf("upload %s: session does not support file transfer", local)
	}
	sum, err := sess.Push(ctx, local, remote)
	if err != nil {
		return err
	}
	log.Debug().Str("addr", sess.Addr()).Str("remote", remote).Str("sha256", sum).Msg("Uploaded")
	return nil
}

// StepData is what a step command template sees.
type StepData struct {
	Node *burst.Node
	// Index is the node's position within its group.
	Index  int
	Groups map[string][]*burst.Node
	// Inputs is this node's share of the step inputs joined by spaces;
	// InputList is the same share unjoined.
	Inputs    string
	InputList []string
}

// Steps runs the workload of a fleet file: each step executes its command
// template on every node of its group, and the steps run in order. Command
// output goes to out, one line at a time prefixed with the node.
type Steps struct {
	File *api.FleetFile
	Out  io.Writer
	// DownloadDir receives downloads as <dir>/<group>-<index>/<local>.
	DownloadDir string

	mu sync.Mutex
}

// Run implements burst.Workload.
func (w *Steps) Run(ctx context.Context, fleet *burst.Fleet) error {
	groups := map[string][]*burst.Node{}
	for _, name := range fleet.Groups() {
		groups[name] = fleet.Group(name)
	}
	for i, step := range w.File.Workload {
		if err := w.runStep(ctx, groups, i, step); err != nil {
			return fmt.Errorf("%s: %w", step.Label(i), err)
		}
	}
	return nil
}

func (w *Steps) runStep(ctx context.Context, groups map[string][]*burst.Node, i int, step api.Step) error {
	tmpl, err := template.New(step.Label(i)).Option("missingkey=error").Parse(step.Command)
	if err != nil {
		return err
	}
	nodes := groups[step.Group]
	if len(nodes) == 0 {
		log.Warn().Str("step", step.Label(i)).Msg("No ready nodes in group, skipping step")
		return nil
	}
	index := make(map[*burst.Node]int, len(nodes))
	for j, n := range nodes {
		index[n] = j
	}
	shares := burst.SplitInputs(step.Inputs, len(nodes))

	log.Info().Str("step", step.Label(i)).Int("nodes", len(nodes)).Int("inputs", len(step.Inputs)).Msg("Running step")
	return burst.ForEach(ctx, nodes, step.Parallel, func(ctx context.Context, n *burst.Node) error {
		j := index[n]
		if len(step.Inputs) > 0 && len(shares[j]) == 0 {
			return nil
		}
		data := StepData{
			Node:      n,
			Index:     j,
			Groups:    groups,
			Inputs:    strings.Join(shares[j], " "),
			InputList: shares[j],
		}
		var cmd bytes.Buffer
		if err := tmpl.Execute(&cmd, data); err != nil {
			return err
		}
		stdout, runErr := burst.Run(ctx, n.Session, cmd.String())
		w.emit(n, stdout)
		if runErr != nil {
			return runErr
		}
		for _, t := range step.Downloads {
			if err := w.download(ctx, n, j, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Steps) emit(n *burst.Node, output string) {
	if w.Out == nil || output == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fmt.Fprintf(w.Out, "[%s] %s\n", n, scanner.Text())
	}
}

func (w *Steps) download(ctx context.Context, n *burst.Node, index int, t api.Transfer) error {
	sess, ok := ssh.Of(n.Session)
	if !ok {
		return fmt.Errorf("download %s: session does not support file transfer", t.Remote)
	}
	dir := w.DownloadDir
	if dir == "" {
		dir = w.File.BaseDir
	}
	local := filepath.Join(dir, fmt.Sprintf("%s-%d", n.Group, index), t.Local)
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return err
	}
	sum, err := sess.Pull(ctx, t.Remote, local)
	if err != nil {
		return err
	}
	log.Debug().Str("node", n.String()).Str("local", local).Str("sha256", sum).Msg("Downloaded")
	return nil
}

package burst

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultMaxDuration is the fleet lifetime used when SetMaxDuration is not called.
const DefaultMaxDuration = 60 * time.Minute

// SetupRoutine brings one freshly booted node to a ready state. It must be
// idempotent and must not assume anything about the order in which other
// nodes are set up.
type SetupRoutine interface {
	Setup(ctx context.Context, s Session) error
}

// SetupFunc adapts a function to SetupRoutine.
type SetupFunc func(ctx context.Context, s Session) error

func (f SetupFunc) Setup(ctx context.Context, s Session) error { return f(ctx, s) }

// Commands returns a SetupRoutine that runs each command in order and stops
// at the first failure.
func Commands(cmds ...string) SetupRoutine {
	return SetupFunc(func(ctx context.Context, s Session) error {
		for _, cmd := range cmds {
			if _, err := Run(ctx, s, cmd); err != nil {
				return err
			}
		}
		return nil
	})
}

// MachineSetup describes the machines of one group.
type MachineSetup struct {
	InstanceType string
	ImageID      string
	Setup        SetupRoutine
}

// GroupSpec is one group of a FleetSpec.
type GroupSpec struct {
	Name         string
	InstanceType string
	ImageID      string
	Count        int
	Setup        SetupRoutine
}

// FleetSpec is the immutable description of a fleet. Build one with a Builder.
type FleetSpec struct {
	name        string
	groups      map[string]GroupSpec
	order       []string
	maxDuration time.Duration
}

// Name returns the fleet name used to label provider resources.
func (f *FleetSpec) Name() string { return f.name }

// MaxDuration bounds the provider-side lifetime of every request.
func (f *FleetSpec) MaxDuration() time.Duration { return f.maxDuration }

// Groups returns the group names in sorted order.
func (f *FleetSpec) Groups() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Group returns the spec of the named group.
func (f *FleetSpec) Group(name string) (GroupSpec, bool) {
	g, ok := f.groups[name]
	return g, ok
}

// Size returns the total number of requested nodes.
func (f *FleetSpec) Size() int {
	n := 0
	for _, g := range f.groups {
		n += g.Count
	}
	return n
}

func (f *FleetSpec) validate() error {
	if f == nil {
		return &ConfigurationError{Field: "fleet", Message: "no fleet spec"}
	}
	if len(f.groups) == 0 {
		return &ConfigurationError{Field: "groups", Message: "fleet has no groups"}
	}
	if f.maxDuration <= 0 {
		return &ConfigurationError{Field: "max_duration", Value: f.maxDuration.String(), Message: "must be positive"}
	}
	for _, name := range f.order {
		if err := validateGroup(f.groups[name]); err != nil {
			return err
		}
	}
	return nil
}

// Builder collects groups before a fleet is run. A Builder is not safe for
// concurrent use and can be built once.
type Builder struct {
	name        string
	groups      map[string]GroupSpec
	maxDuration time.Duration
	built       bool
}

// NewBuilder returns an empty builder with the default max duration.
func NewBuilder() *Builder {
	return &Builder{
		name:        "burst",
		groups:      map[string]GroupSpec{},
		maxDuration: DefaultMaxDuration,
	}
}

// SetName sets the fleet name used to label provider resources.
func (b *Builder) SetName(name string) error {
	if err := b.usable(); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return &ConfigurationError{Field: "name", Value: name, Message: "fleet name must not be empty"}
	}
	b.name = name
	return nil
}

// AddGroup adds count machines described by m under name. Names must be
// unique within a fleet.
func (b *Builder) AddGroup(name string, count int, m MachineSetup) error {
	if err := b.usable(); err != nil {
		return err
	}
	if _, dup := b.groups[name]; dup {
		return &ConfigurationError{Field: "group", Value: name, Message: "duplicate group name"}
	}
	g := GroupSpec{
		Name:         name,
		InstanceType: m.InstanceType,
		ImageID:      m.ImageID,
		Count:        count,
		Setup:        m.Setup,
	}
	if err := validateGroup(g); err != nil {
		return err
	}
	b.groups[name] = g
	return nil
}

// SetMaxDuration bounds the lifetime of the fleet's provider requests.
func (b *Builder) SetMaxDuration(d time.Duration) error {
	if err := b.usable(); err != nil {
		return err
	}
	if d <= 0 {
		return &ConfigurationError{Field: "max_duration", Value: d.String(), Message: "must be positive"}
	}
	b.maxDuration = d
	return nil
}

// Build freezes the builder into a FleetSpec.
func (b *Builder) Build() (*FleetSpec, error) {
	if err := b.usable(); err != nil {
		return nil, err
	}
	spec := &FleetSpec{
		name:        b.name,
		groups:      make(map[string]GroupSpec, len(b.groups)),
		maxDuration: b.maxDuration,
	}
	for name, g := range b.groups {
		spec.groups[name] = g
		spec.order = append(spec.order, name)
	}
	sort.Strings(spec.order)
	if err := spec.validate(); err != nil {
		return nil, err
	}
	b.built = true
	return spec, nil
}

// Run builds the spec and runs it with o.
func (b *Builder) Run(ctx context.Context, o *Orchestrator, w Workload) (*Result, error) {
	spec, err := b.Build()
	if err != nil {
		return &Result{Outcome: ConfigurationFailed, Err: err}, err
	}
	return o.Run(ctx, spec, w)
}

func (b *Builder) usable() error {
	if b.built {
		return &ConfigurationError{Field: "builder", Message: "fleet already built"}
	}
	return nil
}

func validateGroup(g GroupSpec) error {
	switch {
	case strings.TrimSpace(g.Name) == "":
		return &ConfigurationError{Field: "group", Value: g.Name, Message: "group name must not be empty"}
	case g.Count < 1:
		return &ConfigurationError{Field: "count", Value: fmt.Sprintf("%s=%d", g.Name, g.Count), Message: "count must be at least 1"}
	case g.InstanceType == "":
		return &ConfigurationError{Field: "instance_type", Value: g.Name, Message: "instance type is required"}
	case g.ImageID == "":
		return &ConfigurationError{Field: "image", Value: g.Name, Message: "image id is required"}
	case g.Setup == nil:
		return &ConfigurationError{Field: "setup", Value: g.Name, Message: "setup routine is required"}
	}
	return nil
}

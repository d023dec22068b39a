package burst

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/burst/pkg/providers"
)

// Policy decides what happens when a group ends up with no Ready node.
type Policy int

const (
	// Strict aborts the fleet as soon as any group is fully resolved with
	// zero Ready nodes.
	Strict Policy = iota
	// Lenient runs the workload with whatever subset is Ready, as long as
	// at least one node is.
	Lenient
)

func (p Policy) String() string {
	if p == Lenient {
		return "lenient"
	}
	return "strict"
}

// ParsePolicy maps "strict" and "lenient" to a Policy. Empty means Strict.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "strict":
		return Strict, nil
	case "lenient":
		return Lenient, nil
	}
	return Strict, &ConfigurationError{Field: "policy", Value: s, Message: "must be strict or lenient"}
}

// ResourceKind distinguishes the two kinds of billable resources.
type ResourceKind string

const (
	KindRequest  ResourceKind = "request"
	KindInstance ResourceKind = "instance"
)

// Recorder observes a run. Implementations must be safe for concurrent use
// and must not block for long; errors are theirs to log.
type Recorder interface {
	RunStarted(ctx context.Context, runID string, spec *FleetSpec, provider string)
	ResourceCreated(ctx context.Context, runID, group string, kind ResourceKind, id string)
	ResourceReleased(ctx context.Context, runID string, kind ResourceKind, id string)
	NodeTransition(ctx context.Context, runID, group string, from, to NodeState)
	RunFinished(ctx context.Context, runID string, res *Result, elapsed time.Duration)
}

// Config tunes an Orchestrator. Zero fields take the values of DefaultConfig.
type Config struct {
	Policy Policy

	// Poll schedules how often each request is polled.
	Poll providers.Backoff
	// PollTimeout bounds how long a group waits for its instances.
	PollTimeout time.Duration
	// ReadyTimeout is the fleet-wide readiness deadline. Zero uses the
	// spec's MaxDuration.
	ReadyTimeout time.Duration

	// ConnectAttempts bounds connection attempts per node.
	ConnectAttempts int
	ConnectBackoff  providers.Backoff
	// SetupConcurrency bounds how many nodes are set up at once.
	SetupConcurrency int
	// SetupGrace is how long in-flight tasks get to observe cancellation
	// once the barrier has resolved.
	SetupGrace time.Duration

	TeardownAttempts uint
	TeardownDelay    time.Duration
	TeardownMaxDelay time.Duration
	TeardownTimeout  time.Duration

	// RunID labels resources and logs. Empty generates one.
	RunID string
	// Tags are attached to every provider request.
	Tags map[string]string
	// UserData is handed to every instance at boot, typically cloud-init
	// that installs the SSH key and schedules a shutdown.
	UserData string

	Logger   *zerolog.Logger
	Recorder Recorder
}

// DefaultConfig returns sensible orchestration defaults.
func DefaultConfig() Config {
	return Config{
		Policy:           Strict,
		Poll:             providers.DefaultBackoff(),
		PollTimeout:      10 * time.Minute,
		ConnectAttempts:  10,
		ConnectBackoff:   providers.Backoff{InitialDelay: 2 * time.Second, MaxDelay: 15 * time.Second, BackoffFactor: 2, Jitter: 0.25},
		SetupConcurrency: 32,
		SetupGrace:       30 * time.Second,
		TeardownAttempts: 5,
		TeardownDelay:    2 * time.Second,
		TeardownMaxDelay: 30 * time.Second,
		TeardownTimeout:  10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Poll.InitialDelay <= 0 {
		c.Poll = d.Poll
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = d.ConnectAttempts
	}
	if c.ConnectBackoff.InitialDelay <= 0 {
		c.ConnectBackoff = d.ConnectBackoff
	}
	if c.SetupConcurrency <= 0 {
		c.SetupConcurrency = d.SetupConcurrency
	}
	if c.SetupGrace <= 0 {
		c.SetupGrace = d.SetupGrace
	}
	if c.TeardownAttempts == 0 {
		c.TeardownAttempts = d.TeardownAttempts
	}
	if c.TeardownDelay <= 0 {
		c.TeardownDelay = d.TeardownDelay
	}
	if c.TeardownMaxDelay <= 0 {
		c.TeardownMaxDelay = d.TeardownMaxDelay
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}
	if c.Logger == nil {
		c.Logger = &log.Logger
	}
	if c.Recorder == nil {
		c.Recorder = nopRecorder{}
	}
	return c
}

type nopRecorder struct{}

func (nopRecorder) RunStarted(context.Context, string, *FleetSpec, string) {}
func (nopRecorder) ResourceCreated(context.Context, string, string, ResourceKind, string) {}
func (nopRecorder) ResourceReleased(context.Context, string, ResourceKind, string) {}
func (nopRecorder) NodeTransition(context.Context, string, string, NodeState, NodeState) {}
func (nopRecorder) RunFinished(context.Context, string, *Result, time.Duration) {}

// Recorders fans every call out to each of rs in order.
func Recorders(rs ...Recorder) Recorder {
	return multiRecorder(rs)
}

type multiRecorder []Recorder

func (m multiRecorder) RunStarted(ctx context.Context, runID string, spec *FleetSpec, provider string) {
	for _, r := range m {
		r.RunStarted(ctx, runID, spec, provider)
	}
}

func (m multiRecorder) ResourceCreated(ctx context.Context, runID, group string, kind ResourceKind, id string) {
	for _, r := range m {
		r.ResourceCreated(ctx, runID, group, kind, id)
	}
}

func (m multiRecorder) ResourceReleased(ctx context.Context, runID string, kind ResourceKind, id string) {
	for _, r := range m {
		r.ResourceReleased(ctx, runID, kind, id)
	}
}

func (m multiRecorder) NodeTransition(ctx context.Context, runID, group string, from, to NodeState) {
	for _, r := range m {
		r.NodeTransition(ctx, runID, group, from, to)
	}
}

func (m multiRecorder) RunFinished(ctx context.Context, runID string, res *Result, elapsed time.Duration) {
	for _, r := range m {
		r.RunFinished(ctx, runID, res, elapsed)
	}
}

// Package burst provisions a short-lived fleet of preemptible machines,
// prepares every node with a setup routine, runs a workload against the
// ready fleet and tears every cloud resource down again, whatever happened
// in between.
package burst

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/burst/pkg/providers"
)

// Orchestrator drives fleets through their lifecycle. It holds no per-run
// state and may run several fleets concurrently.
type Orchestrator struct {
	cfg       Config
	provider  providers.Client
	connector Connector
}

// NewOrchestrator returns an orchestrator that provisions through provider
// and reaches nodes through connector.
func NewOrchestrator(cfg Config, provider providers.Client, connector Connector) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		provider:  provider,
		connector: connector,
	}
}

// run is the state of one Orchestrator.Run call.
type run struct {
	o    *Orchestrator
	id   string
	spec *FleetSpec
	log  zerolog.Logger
	// bg is the caller's context without its cancellation, for bookkeeping
	// that must happen even after an abort.
	bg context.Context

	barrier *barrier
	td      *teardownManager
	sem     chan struct{}
	tasks   sync.WaitGroup

	mu    sync.Mutex
	nodes []*Node
}

// Run provisions spec, invokes w once on the ready fleet and tears everything
// down before returning. The returned error is nil only on success; it joins
// the first fatal error with any teardown error. The Result is never nil.
func (o *Orchestrator) Run(ctx context.Context, spec *FleetSpec, w Workload) (*Result, error) {
	res := &Result{Groups: map[string]GroupReport{}}
	if err := o.validate(spec, w); err != nil {
		res.fail(err)
		return res, err
	}

	runID := o.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	res.RunID = runID
	r := &run{
		o:    o,
		id:   runID,
		spec: spec,
		log:  o.cfg.Logger.With().Str("run", runID).Str("fleet", spec.Name()).Logger(),
		bg:   context.WithoutCancel(ctx),
		sem:  make(chan struct{}, o.cfg.SetupConcurrency),
	}
	r.barrier = newBarrier(spec, o.cfg.Policy)
	r.td = newTeardownManager(runID, o.provider, o.cfg, r.log)

	start := time.Now()
	o.cfg.Recorder.RunStarted(r.bg, runID, spec, o.provider.Name())
	r.log.Info().
		Str("provider", o.provider.Name()).
		Int("nodes", spec.Size()).
		Dur("max_duration", spec.MaxDuration()).
		Str("policy", o.cfg.Policy.String()).
		Msg("Starting fleet")

	fleet, err := r.provision(ctx)
	res.Groups = r.barrier.reports()
	if err != nil {
		res.fail(err)
		r.log.Error().Err(err).Msg("Fleet not ready")
	} else {
		r.log.Info().Int("ready", fleet.Size()).Dur("elapsed", time.Since(start)).Msg("Fleet ready, running workload")
		res.WorkloadRan = true
		if err := invoke(ctx, fleet, w); err != nil {
			res.fail(err)
			r.log.Error().Err(err).Msg("Workload failed")
		}
	}

	res.Teardown, res.TeardownErr = r.td.run(r.bg)
	if res.TeardownErr != nil {
		res.Outcome = TeardownFailed
	}

	elapsed := time.Since(start)
	o.cfg.Recorder.RunFinished(r.bg, runID, res, elapsed)
	r.log.Info().Str("outcome", res.Outcome.String()).Dur("elapsed", elapsed).Msg("Fleet finished")
	return res, res.Error()
}

func (o *Orchestrator) validate(spec *FleetSpec, w Workload) error {
	switch {
	case o.provider == nil:
		return &ConfigurationError{Field: "provider", Message: "no provisioning client"}
	case o.connector == nil:
		return &ConfigurationError{Field: "connector", Message: "no remote session connector"}
	case w == nil:
		return &ConfigurationError{Field: "workload", Message: "no workload"}
	}
	return spec.validate()
}

// provision submits every group, prepares nodes as they come up and waits
// for the barrier. It returns the Ready fleet or the reason there is none.
func (r *run) provision(ctx context.Context) (*Fleet, error) {
	readyTimeout := r.o.cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = r.spec.MaxDuration()
	}
	fleetCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	for _, name := range r.spec.Groups() {
		g, _ := r.spec.Group(name)
		r.tasks.Add(1)
		go func() {
			defer r.tasks.Done()
			r.trackGroup(fleetCtx, g)
		}()
	}

	outcome := r.barrier.wait(fleetCtx)
	cancel()

	var err error
	switch {
	case outcome == barrierDeadline && ctx.Err() != nil:
		err = fmt.Errorf("fleet aborted: %w", ctx.Err())
	case outcome == barrierDeadline:
		err = &TimeoutError{Phase: "readiness", After: readyTimeout, Err: context.DeadlineExceeded}
	default:
		err = r.barrier.verdict()
	}

	if err == nil {
		// No late capacity during the workload. Failures are retried by
		// teardown.
		cctx, ccancel := context.WithTimeout(ctx, r.o.cfg.TeardownTimeout)
		if _, failed, cerr := r.td.cancelOutstanding(cctx, 1); cerr != nil {
			r.log.Warn().Err(cerr).Int("failed", len(failed)).Msg("Could not cancel open requests before workload")
		}
		ccancel()
	}

	r.settle(err)
	if err != nil {
		return nil, err
	}
	return r.barrier.fleet(), nil
}

// settle gives in-flight tasks a bounded time to observe cancellation, then
// fails every node and slot that is still unresolved.
func (r *run) settle(cause error) {
	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(done)
	}()
	t := time.NewTimer(r.o.cfg.SetupGrace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		r.log.Warn().Dur("grace", r.o.cfg.SetupGrace).Msg("Tasks still running after grace period, abandoning them")
	}

	if cause == nil {
		cause = errors.New("fleet resolved")
	}
	for _, n := range r.nodeList() {
		err := &SetupError{Group: n.Group, InstanceID: n.InstanceID, Err: cause}
		if r.transition(n, Failed, err) {
			r.barrier.resolve(n, err)
		}
	}
	for _, name := range r.spec.Groups() {
		r.barrier.failUnclaimed(name, cause)
	}
}

func (r *run) addNode(n *Node) {
	r.mu.Lock()
	r.nodes = append(r.nodes, n)
	r.mu.Unlock()
}

func (r *run) nodeList() []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// transition moves n to state to and reports it. It returns false if n was
// already terminal.
func (r *run) transition(n *Node, to NodeState, err error) bool {
	from, ok := n.setState(to, err)
	if !ok {
		return false
	}
	r.log.Debug().Str("group", n.Group).Str("instance", n.InstanceID).
		Str("from", from.String()).Str("to", to.String()).Msg("Node transition")
	r.o.cfg.Recorder.NodeTransition(r.bg, r.id, n.Group, from, to)
	return true
}

package burst

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/burst/pkg/providers"
)

type trackedRequest struct {
	group     string
	id        providers.RequestID
	cancelled bool
	late      bool
}

type trackedInstance struct {
	group      string
	id         string
	terminated bool
	// late instances were registered after teardown started and are
	// released by whoever registered them.
	late bool
}

// trackedSession closes its Session at most once.
type trackedSession struct {
	Session
	once sync.Once
	err  error
}

func (s *trackedSession) Close() error {
	s.once.Do(func() { s.err = s.Session.Close() })
	return s.err
}

func (s *trackedSession) Unwrap() Session { return s.Session }

// teardownManager registers every request handle, instance id and session
// the moment it is created and releases all of them at the end of a run.
// Anything registered once teardown has started is released on the spot.
type teardownManager struct {
	runID    string
	client   providers.Client
	cfg      Config
	log      zerolog.Logger
	recorder Recorder

	mu        sync.Mutex
	requests  []*trackedRequest
	instances []*trackedInstance
	byID      map[string]*trackedInstance
	sessions  []*trackedSession
	closed    bool
}

func newTeardownManager(runID string, client providers.Client, cfg Config, log zerolog.Logger) *teardownManager {
	return &teardownManager{
		runID:    runID,
		client:   client,
		cfg:      cfg,
		log:      log,
		recorder: cfg.Recorder,
		byID:     make(map[string]*trackedInstance),
	}
}

func (t *teardownManager) addRequest(ctx context.Context, group string, id providers.RequestID) {
	t.mu.Lock()
	req := &trackedRequest{group: group, id: id, late: t.closed}
	t.requests = append(t.requests, req)
	t.mu.Unlock()
	t.recorder.ResourceCreated(ctx, t.runID, group, KindRequest, string(id))
	if req.late {
		t.releaseLateRequest(ctx, req)
	}
}

// addInstance registers an instance id. It returns false if the id was
// already known or teardown has started.
func (t *teardownManager) addInstance(ctx context.Context, group, id string) bool {
	inst, ok := t.track(ctx, group, id, false)
	if !ok {
		return false
	}
	if inst.late {
		t.releaseLateInstance(ctx, inst)
		return false
	}
	return true
}

// track records an instance id. Instances found by the final sweep are
// released by teardown itself and never count as late.
func (t *teardownManager) track(ctx context.Context, group, id string, sweeping bool) (*trackedInstance, bool) {
	t.mu.Lock()
	if _, ok := t.byID[id]; ok {
		t.mu.Unlock()
		return nil, false
	}
	inst := &trackedInstance{group: group, id: id, late: t.closed && !sweeping}
	t.byID[id] = inst
	t.instances = append(t.instances, inst)
	t.mu.Unlock()
	t.recorder.ResourceCreated(ctx, t.runID, group, KindInstance, id)
	return inst, true
}

func (t *teardownManager) addSession(s Session) *trackedSession {
	ts := &trackedSession{Session: s}
	t.mu.Lock()
	t.sessions = append(t.sessions, ts)
	closed := t.closed
	t.mu.Unlock()
	if closed {
		if err := ts.Close(); err != nil {
			t.log.Debug().Err(err).Msg("Close late session")
		}
	}
	return ts
}

func (t *teardownManager) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// releaseLateRequest cancels a request that was submitted after teardown
// started and terminates whatever it already launched.
func (t *teardownManager) releaseLateRequest(ctx context.Context, req *trackedRequest) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.TeardownTimeout)
	defer cancel()
	log := t.log.With().Str("group", req.group).Str("request", string(req.id)).Logger()

	err := t.retry(ctx, t.cfg.TeardownAttempts, "cancel late request "+string(req.id), func() error {
		return t.client.Cancel(ctx, req.id)
	})
	if err != nil {
		log.Error().Err(err).Msg("Request registered after teardown leaked, manual cleanup required")
	} else {
		t.mu.Lock()
		req.cancelled = true
		t.mu.Unlock()
		t.recorder.ResourceReleased(ctx, t.runID, KindRequest, string(req.id))
		log.Warn().Msg("Cancelled request registered after teardown")
	}

	descs, err := t.client.Poll(ctx, req.id)
	if err != nil {
		log.Error().Err(err).Msg("Could not list instances of late request")
		return
	}
	for _, d := range descs {
		if d.InstanceID != "" {
			t.addInstance(ctx, req.group, d.InstanceID)
		}
	}
}

// releaseLateInstance terminates an instance registered after teardown
// started. On failure it stays unreleased in the recorder.
func (t *teardownManager) releaseLateInstance(ctx context.Context, inst *trackedInstance) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.TeardownTimeout)
	defer cancel()
	log := t.log.With().Str("group", inst.group).Str("instance", inst.id).Logger()

	err := t.retry(ctx, t.cfg.TeardownAttempts, "terminate late instance "+inst.id, func() error {
		return t.client.Terminate(ctx, inst.id)
	})
	if err != nil {
		log.Error().Err(err).Msg("Instance registered after teardown leaked, manual cleanup required")
		return
	}
	t.mu.Lock()
	inst.terminated = true
	t.mu.Unlock()
	t.recorder.ResourceReleased(ctx, t.runID, KindInstance, inst.id)
	log.Warn().Msg("Terminated instance registered after teardown")
}

// cancelOutstanding cancels every request not cancelled yet and returns the
// handles that could not be cancelled. With attempts of 1 it does not retry.
func (t *teardownManager) cancelOutstanding(ctx context.Context, attempts uint) ([]providers.RequestID, []providers.RequestID, error) {
	t.mu.Lock()
	var todo []*trackedRequest
	for _, r := range t.requests {
		if !r.cancelled && !r.late {
			todo = append(todo, r)
		}
	}
	t.mu.Unlock()

	var (
		done, failed []providers.RequestID
		errs         []error
	)
	for _, r := range todo {
		id := r.id
		err := t.retry(ctx, attempts, "cancel request "+string(id), func() error {
			return t.client.Cancel(ctx, id)
		})
		if err != nil {
			failed = append(failed, id)
			errs = append(errs, fmt.Errorf("cancel request %s: %w", id, err))
			continue
		}
		t.mu.Lock()
		r.cancelled = true
		t.mu.Unlock()
		done = append(done, id)
		t.recorder.ResourceReleased(ctx, t.runID, KindRequest, string(id))
	}
	return done, failed, errors.Join(errs...)
}

// sweep polls every request once more so an instance launched between the
// last poll and the cancel is still terminated.
func (t *teardownManager) sweep(ctx context.Context) {
	t.mu.Lock()
	reqs := make([]*trackedRequest, len(t.requests))
	copy(reqs, t.requests)
	t.mu.Unlock()

	for _, r := range reqs {
		if r.late {
			continue
		}
		descs, err := t.client.Poll(ctx, r.id)
		if err != nil {
			t.log.Warn().Err(err).Str("request", string(r.id)).Msg("Final sweep poll failed")
			continue
		}
		for _, d := range descs {
			if d.InstanceID == "" {
				continue
			}
			if _, ok := t.track(ctx, r.group, d.InstanceID, true); ok {
				t.log.Info().Str("group", r.group).Str("instance", d.InstanceID).Msg("Found late instance during teardown")
			}
		}
	}
}

func (t *teardownManager) terminateAll(ctx context.Context) ([]string, []string, error) {
	t.mu.Lock()
	var todo []*trackedInstance
	for _, inst := range t.instances {
		if !inst.terminated && !inst.late {
			todo = append(todo, inst)
		}
	}
	t.mu.Unlock()

	var (
		done, failed []string
		errs         []error
	)
	for _, inst := range todo {
		id := inst.id
		err := t.retry(ctx, t.cfg.TeardownAttempts, "terminate instance "+id, func() error {
			return t.client.Terminate(ctx, id)
		})
		if err != nil {
			failed = append(failed, id)
			errs = append(errs, fmt.Errorf("terminate instance %s: %w", id, err))
			continue
		}
		t.mu.Lock()
		inst.terminated = true
		t.mu.Unlock()
		done = append(done, id)
		t.recorder.ResourceReleased(ctx, t.runID, KindInstance, id)
	}
	return done, failed, errors.Join(errs...)
}

func (t *teardownManager) closeSessions() {
	t.mu.Lock()
	sessions := make([]*trackedSession, len(t.sessions))
	copy(sessions, t.sessions)
	t.mu.Unlock()
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			t.log.Debug().Err(err).Msg("Close session")
		}
	}
}

// run releases everything that was registered. It never uses the caller's
// context for cancellation: ctx is expected to be detached already.
func (t *teardownManager) run(ctx context.Context) (TeardownReport, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, t.cfg.TeardownTimeout)
	defer cancel()

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.closeSessions()

	var report TeardownReport
	// Cancelling gets at most half the budget so instances, which bill,
	// are always attempted.
	phaseCtx, phaseCancel := context.WithTimeout(ctx, t.cfg.TeardownTimeout/2)
	cancelled, leakedReqs, cancelErr := t.cancelOutstanding(phaseCtx, t.cfg.TeardownAttempts)
	report.RequestsCancelled = cancelled
	t.sweep(phaseCtx)
	phaseCancel()
	terminated, leakedInsts, termErr := t.terminateAll(ctx)
	report.InstancesTerminated = terminated
	report.Duration = time.Since(start)

	t.log.Info().
		Int("requests_cancelled", len(cancelled)).
		Int("instances_terminated", len(terminated)).
		Dur("duration", report.Duration).
		Msg("Teardown finished")

	if len(leakedReqs) == 0 && len(leakedInsts) == 0 {
		return report, nil
	}
	err := &TeardownError{
		Requests:  leakedReqs,
		Instances: leakedInsts,
		Err:       errors.Join(cancelErr, termErr),
	}
	t.log.Error().Err(err).Msg("Resources leaked, manual cleanup required")
	return report, err
}

func (t *teardownManager) retry(ctx context.Context, attempts uint, what string, fn func() error) error {
	if attempts == 0 {
		attempts = 1
	}
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(t.cfg.TeardownDelay),
		retry.MaxDelay(t.cfg.TeardownMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			t.log.Warn().Err(err).Uint("attempt", n+1).Msg("Retrying " + what)
		}),
	)
}

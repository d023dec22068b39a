package burst

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/burst/pkg/providers"
)

// fakeProvider hands out instances from memory. Every group gets one
// request; slot i of a group runs unless the group is configured otherwise.
type fakeProvider struct {
	mu sync.Mutex

	// submitErr rejects the request of a group.
	submitErr map[string]error
	// grant limits how many slots of a group ever run. Missing means all.
	grant map[string]int
	// failed marks how many slots of a group the provider fails outright.
	failed map[string]int
	// surplus adds extra running instances to a group's request.
	surplus map[string]int
	// lateOnCancel launches the pending slots of a group when its request
	// is cancelled, as a provider may do when fulfilment races the cancel.
	lateOnCancel map[string]bool
	// pollErrs fails the first n polls of every request.
	pollErrs int
	// hangCancels makes this many cancels block until their context ends;
	// a negative value hangs every cancel.
	hangCancels int
	// terminateErr fails terminate for an instance this many times; a
	// negative value fails forever.
	terminateErr map[string]int

	submits    int
	requests   map[providers.RequestID]*fakeRequest
	order      []providers.RequestID
	cancels    map[providers.RequestID]int
	terminates map[string]int
}

type fakeRequest struct {
	group string
	polls int
	descs []providers.InstanceDescriptor
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		submitErr:    map[string]error{},
		grant:        map[string]int{},
		failed:       map[string]int{},
		surplus:      map[string]int{},
		lateOnCancel: map[string]bool{},
		terminateErr: map[string]int{},
		requests:     map[providers.RequestID]*fakeRequest{},
		cancels:      map[providers.RequestID]int{},
		terminates:   map[string]int{},
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Submit(ctx context.Context, req providers.SpotRequest) (providers.RequestID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	if err := p.submitErr[req.Group]; err != nil {
		return "", err
	}
	grant, ok := p.grant[req.Group]
	if !ok {
		grant = req.Count
	}
	failed := p.failed[req.Group]

	id := providers.RequestID("sir-" + req.Group)
	r := &fakeRequest{group: req.Group}
	for i := 0; i < req.Count+p.surplus[req.Group]; i++ {
		d := providers.InstanceDescriptor{
			Slot:         fmt.Sprintf("%s-%d", req.Group, i),
			InstanceType: req.InstanceType,
			State:        providers.InstancePending,
		}
		switch {
		case i < failed:
			d.State = providers.InstanceFailed
			d.Reason = "capacity-not-available"
		case i < grant || i >= req.Count:
			d.State = providers.InstanceRunning
			d.InstanceID = fmt.Sprintf("i-%s-%d", req.Group, i)
			d.PrivateIP = fmt.Sprintf("10.0.%d.%d", len(p.order), i+1)
		}
		r.descs = append(r.descs, d)
	}
	p.requests[id] = r
	p.order = append(p.order, id)
	return id, nil
}

func (p *fakeProvider) Poll(ctx context.Context, id providers.RequestID) ([]providers.InstanceDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.requests[id]
	if !ok {
		return nil, fmt.Errorf("unknown request %s", id)
	}
	r.polls++
	if r.polls <= p.pollErrs {
		return nil, errors.New("request not found yet")
	}
	out := make([]providers.InstanceDescriptor, len(r.descs))
	copy(out, r.descs)
	return out, nil
}

func (p *fakeProvider) Cancel(ctx context.Context, id providers.RequestID) error {
	p.mu.Lock()
	p.cancels[id]++
	hang := p.hangCancels != 0
	if p.hangCancels > 0 {
		p.hangCancels--
	}
	p.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.requests[id]
	if !ok {
		return nil
	}
	if p.lateOnCancel[r.group] {
		for i := range r.descs {
			if r.descs[i].InstanceID == "" && r.descs[i].State == providers.InstancePending {
				r.descs[i].InstanceID = fmt.Sprintf("i-late-%s-%d", r.group, i)
				r.descs[i].State = providers.InstanceCancelled
			}
		}
	}
	return nil
}

func (p *fakeProvider) Terminate(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminates[instanceID]++
	if n := p.terminateErr[instanceID]; n != 0 {
		if n > 0 {
			p.terminateErr[instanceID] = n - 1
		}
		return errors.New("RequestLimitExceeded")
	}
	return nil
}

// instances returns every instance id the provider ever launched.
func (p *fakeProvider) instances() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, id := range p.order {
		for _, d := range p.requests[id].descs {
			if d.InstanceID != "" {
				ids = append(ids, d.InstanceID)
			}
		}
	}
	return ids
}

func (p *fakeProvider) terminateCalls(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminates[id]
}

func (p *fakeProvider) cancelCalls(id providers.RequestID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancels[id]
}

func (p *fakeProvider) submitCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

// fakeConnector returns sessions that answer "hostname" with the address
// they were opened for.
type fakeConnector struct {
	mu sync.Mutex
	// refuse fails this many connects to an address; negative means always.
	refuse   map[string]int
	connects map[string]int
	sessions []*fakeSession
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{refuse: map[string]int{}, connects: map[string]int{}}
}

func (c *fakeConnector) Connect(ctx context.Context, addr string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects[addr]++
	if n := c.refuse[addr]; n != 0 {
		if n > 0 {
			c.refuse[addr] = n - 1
		}
		return nil, fmt.Errorf("dial tcp %s:22: connection refused", addr)
	}
	s := &fakeSession{addr: addr}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *fakeConnector) openSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	open := 0
	for _, s := range c.sessions {
		if !s.isClosed() {
			open++
		}
	}
	return open
}

type fakeSession struct {
	addr string

	mu     sync.Mutex
	cmds   []string
	closed bool
}

func (s *fakeSession) Execute(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, errors.New("session closed")
	}
	s.cmds = append(s.cmds, cmd)
	switch cmd {
	case "hostname":
		return []byte(s.addr + "\n"), nil, nil
	case "false":
		return nil, []byte("exit 1"), errors.New("process exited with status 1")
	}
	return nil, nil, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// testConfig returns a configuration with millisecond schedules.
func testConfig() Config {
	quiet := zerolog.Nop()
	fast := providers.Backoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
	return Config{
		Poll:             fast,
		PollTimeout:      2 * time.Second,
		ReadyTimeout:     5 * time.Second,
		ConnectAttempts:  3,
		ConnectBackoff:   fast,
		SetupGrace:       time.Second,
		TeardownAttempts: 3,
		TeardownDelay:    time.Millisecond,
		TeardownMaxDelay: 5 * time.Millisecond,
		TeardownTimeout:  5 * time.Second,
		Logger:           &quiet,
	}
}

// fleetSpec builds a spec with the given group sizes and one setup routine.
func fleetSpec(t testing.TB, setup SetupRoutine, groups ...interface{}) *FleetSpec {
	t.Helper()
	b := NewBuilder()
	for i := 0; i+1 < len(groups); i += 2 {
		name := groups[i].(string)
		count := groups[i+1].(int)
		if err := b.AddGroup(name, count, MachineSetup{InstanceType: "t3.micro", ImageID: "ami-e18aa89b", Setup: setup}); err != nil {
			t.Fatalf("AddGroup(%s): %v", name, err)
		}
	}
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return spec
}

type countingRecorder struct {
	mu          sync.Mutex
	created     map[ResourceKind]int
	released    map[ResourceKind]int
	transitions map[NodeState]int
	finished    *Result
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		created:     map[ResourceKind]int{},
		released:    map[ResourceKind]int{},
		transitions: map[NodeState]int{},
	}
}

func (r *countingRecorder) RunStarted(context.Context, string, *FleetSpec, string) {}

func (r *countingRecorder) ResourceCreated(_ context.Context, _, _ string, kind ResourceKind, _ string) {
	r.mu.Lock()
	r.created[kind]++
	r.mu.Unlock()
}

func (r *countingRecorder) ResourceReleased(_ context.Context, _ string, kind ResourceKind, _ string) {
	r.mu.Lock()
	r.released[kind]++
	r.mu.Unlock()
}

func (r *countingRecorder) NodeTransition(_ context.Context, _, _ string, _, to NodeState) {
	r.mu.Lock()
	r.transitions[to]++
	r.mu.Unlock()
}

func (r *countingRecorder) RunFinished(_ context.Context, _ string, res *Result, _ time.Duration) {
	r.mu.Lock()
	r.finished = res
	r.mu.Unlock()
}

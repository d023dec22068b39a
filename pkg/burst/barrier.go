package burst

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type barrierOutcome int

const (
	// barrierResolved: every slot of every group is Ready or Failed.
	barrierResolved barrierOutcome = iota
	// barrierGroupFailed: a group resolved with no Ready node under Strict.
	barrierGroupFailed
	// barrierDeadline: the wait context ended first.
	barrierDeadline
)

type groupSlots struct {
	want    int
	claimed int
	running int
	failed  int
	ready   []*Node
	errs    []error
}

func (g *groupSlots) settled() bool { return len(g.ready)+g.failed == g.want }

// barrier is the single accumulation point of per-node outcomes. Every slot
// is first claimed, by a Running node or by a provider-side failure, and then
// resolved exactly once.
type barrier struct {
	policy Policy

	mu       sync.Mutex
	groups   map[string]*groupSlots
	order    []string
	pending  int
	done     chan struct{}
	outcome  barrierOutcome
	failedAt string
}

func newBarrier(spec *FleetSpec, policy Policy) *barrier {
	b := &barrier{
		policy: policy,
		groups: make(map[string]*groupSlots),
		order:  spec.Groups(),
		done:   make(chan struct{}),
	}
	for _, name := range b.order {
		g, _ := spec.Group(name)
		b.groups[name] = &groupSlots{want: g.Count}
		b.pending += g.Count
	}
	return b
}

// claim reserves a slot for a Running node. It returns false when the group
// already has all its slots, i.e. n is surplus.
func (b *barrier) claim(n *Node) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.groups[n.Group]
	if g == nil || g.claimed >= g.want {
		return false
	}
	g.claimed++
	g.running++
	return true
}

// resolve settles a claimed slot: Ready when err is nil, Failed otherwise.
func (b *barrier) resolve(n *Node, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.groups[n.Group]
	if g == nil {
		return
	}
	if err != nil {
		g.failed++
		g.errs = append(g.errs, err)
	} else {
		g.ready = append(g.ready, n)
	}
	b.pending--
	b.check(n.Group)
}

// failSlot claims and fails one slot that never got an instance.
func (b *barrier) failSlot(group string, err error) {
	b.failSlots(group, 1, err)
}

// failUnclaimed fails every slot of group not claimed yet.
func (b *barrier) failUnclaimed(group string, err error) {
	b.mu.Lock()
	g := b.groups[group]
	k := 0
	if g != nil {
		k = g.want - g.claimed
	}
	b.mu.Unlock()
	b.failSlots(group, k, err)
}

func (b *barrier) failSlots(group string, k int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.groups[group]
	if g == nil || k <= 0 {
		return
	}
	if free := g.want - g.claimed; k > free {
		k = free
	}
	if k == 0 {
		return
	}
	g.claimed += k
	g.failed += k
	g.errs = append(g.errs, err)
	b.pending -= k
	b.check(group)
}

// check closes done when the fleet is decided. Callers hold mu.
func (b *barrier) check(group string) {
	if b.closed() {
		return
	}
	g := b.groups[group]
	if b.policy == Strict && g.settled() && len(g.ready) == 0 {
		b.outcome = barrierGroupFailed
		b.failedAt = group
		close(b.done)
		return
	}
	if b.pending == 0 {
		b.outcome = barrierResolved
		close(b.done)
	}
}

func (b *barrier) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// wait blocks until the barrier is decided or ctx ends. A barrier decided at
// the same time as ctx ends counts as decided.
func (b *barrier) wait(ctx context.Context) barrierOutcome {
	select {
	case <-b.done:
	case <-ctx.Done():
		if !b.closed() {
			return barrierDeadline
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outcome
}

// verdict applies the zero-Ready policy to a decided barrier.
func (b *barrier) verdict() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outcome == barrierGroupFailed {
		return noReadyError(b.failedAt, b.groups[b.failedAt].errs)
	}
	total := 0
	for _, name := range b.order {
		g := b.groups[name]
		total += len(g.ready)
		if b.policy == Strict && len(g.ready) == 0 {
			return noReadyError(name, g.errs)
		}
	}
	if total == 0 {
		var errs []error
		for _, name := range b.order {
			errs = append(errs, b.groups[name].errs...)
		}
		if len(errs) == 0 {
			return errors.New("no ready nodes in fleet")
		}
		return fmt.Errorf("no ready nodes in fleet: %w", errors.Join(errs...))
	}
	return nil
}

func noReadyError(group string, errs []error) error {
	if len(errs) == 0 {
		return fmt.Errorf("group %s has no ready nodes", group)
	}
	return fmt.Errorf("group %s has no ready nodes: %w", group, errors.Join(errs...))
}

// fleet returns the Ready nodes of every group.
func (b *barrier) fleet() *Fleet {
	b.mu.Lock()
	defer b.mu.Unlock()
	groups := make(map[string][]*Node, len(b.groups))
	for name, g := range b.groups {
		nodes := make([]*Node, len(g.ready))
		copy(nodes, g.ready)
		groups[name] = nodes
	}
	return newFleet(groups)
}

func (b *barrier) reports() map[string]GroupReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]GroupReport, len(b.groups))
	for name, g := range b.groups {
		errs := make([]error, len(g.errs))
		copy(errs, g.errs)
		out[name] = GroupReport{
			Requested: g.want,
			Running:   g.running,
			Ready:     len(g.ready),
			Failed:    g.failed,
			Shortfall: g.want - g.running,
			Errors:    errs,
		}
	}
	return out
}

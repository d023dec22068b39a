// Package static hands out machines from a fixed pool of existing hosts.
// Nothing is created or destroyed: terminating an instance returns its host
// to the pool.
package static

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/burst/pkg/providers"
)

type Host struct {
	Name string `yaml:"name" mapstructure:"name"`
	IP   string `yaml:"ip" mapstructure:"ip"`
	Port int    `yaml:"port" mapstructure:"port"`
	// Type restricts the host to requests for that instance type. Empty
	// matches any type.
	Type string `yaml:"type" mapstructure:"type"`
}

func (h Host) addr() string {
	if h.Port == 0 {
		return h.IP
	}
	return net.JoinHostPort(h.IP, strconv.Itoa(h.Port))
}

type allocation struct {
	slots []providers.InstanceDescriptor
}

type Provider struct {
	mu       sync.Mutex
	hosts    []Host
	busy     map[string]bool
	requests map[providers.RequestID]*allocation
	seq      int
}

func New(hosts []Host) *Provider {
	return &Provider{
		hosts:    hosts,
		busy:     map[string]bool{},
		requests: map[providers.RequestID]*allocation{},
	}
}

func (p *Provider) Name() string { return "static" }

// Submit allocates free hosts of the requested type. Slots the pool cannot
// cover are reported as failed right away.
func (p *Provider) Submit(ctx context.Context, req providers.SpotRequest) (providers.RequestID, error) {
	if err := providers.ValidateRequest(req); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := providers.RequestID(fmt.Sprintf("static-%d", p.seq))
	alloc := &allocation{}
	for _, h := range p.hosts {
		if len(alloc.slots) == req.Count {
			break
		}
		if p.busy[h.Name] || (h.Type != "" && h.Type != req.InstanceType) {
			continue
		}
		p.busy[h.Name] = true
		alloc.slots = append(alloc.slots, providers.InstanceDescriptor{
			Slot:         fmt.Sprintf("%s/%d", id, len(alloc.slots)),
			InstanceID:   h.Name,
			State:        providers.InstanceRunning,
			InstanceType: req.InstanceType,
			PrivateIP:    h.IP,
			PublicIP:     h.addr(),
		})
	}
	if short := req.Count - len(alloc.slots); short > 0 {
		log.Warn().Str("group", req.Group).Int("requested", req.Count).Int("shortfall", short).Msg("Static pool cannot cover request")
	}
	for len(alloc.slots) < req.Count {
		alloc.slots = append(alloc.slots, providers.InstanceDescriptor{
			Slot:   fmt.Sprintf("%s/%d", id, len(alloc.slots)),
			State:  providers.InstanceFailed,
			Reason: "no free host of type " + req.InstanceType,
		})
	}
	p.requests[id] = alloc
	return id, nil
}

func (p *Provider) Poll(ctx context.Context, id providers.RequestID) ([]providers.InstanceDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	alloc, ok := p.requests[id]
	if !ok {
		return nil, fmt.Errorf("unknown request %s", id)
	}
	return append([]providers.InstanceDescriptor(nil), alloc.slots...), nil
}

// Cancel is a no-op: requests are settled when submitted.
func (p *Provider) Cancel(ctx context.Context, id providers.RequestID) error {
	return nil
}

// Terminate returns the host to the pool.
func (p *Provider) Terminate(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.busy, instanceID)
	for _, alloc := range p.requests {
		for i := range alloc.slots {
			if alloc.slots[i].InstanceID == instanceID && alloc.slots[i].State == providers.InstanceRunning {
				alloc.slots[i].State = providers.InstanceCancelled
				alloc.slots[i].Reason = "terminated"
			}
		}
	}
	return nil
}

// Free reports how many hosts are not allocated.
func (p *Provider) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hosts) - len(p.busy)
}

package burst

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/3cpo-dev/burst/pkg/providers"
)

// trackGroup submits the request for one group and polls it until every slot
// is settled or the poll timeout passes. Running instances are handed to
// setup as soon as they are seen.
func (r *run) trackGroup(ctx context.Context, g GroupSpec) {
	log := r.log.With().Str("group", g.Name).Logger()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("Request tracker panicked")
			r.barrier.failUnclaimed(g.Name, &ProvisioningError{Group: g.Name, Err: fmt.Errorf("tracker panicked: %v", p)})
		}
	}()

	req := providers.SpotRequest{
		Group:        g.Name,
		InstanceType: g.InstanceType,
		ImageID:      g.ImageID,
		Count:        g.Count,
		MaxDuration:  r.spec.MaxDuration(),
		Tags:         r.tags(g.Name),
		UserData:     r.o.cfg.UserData,
	}
	id, err := r.o.provider.Submit(ctx, req)
	if err != nil {
		perr := &ProvisioningError{Group: g.Name, Err: err}
		log.Error().Err(err).Int("count", g.Count).Msg("Request rejected")
		r.barrier.failUnclaimed(g.Name, perr)
		return
	}
	r.td.addRequest(r.bg, g.Name, id)
	log.Info().Str("request", string(id)).Int("count", g.Count).Str("instance_type", g.InstanceType).Msg("Request submitted")

	pollCtx, cancel := context.WithTimeout(ctx, r.o.cfg.PollTimeout)
	defer cancel()

	settled := make(map[string]bool)
	running := 0
	for attempt := 0; ; attempt++ {
		descs, err := r.o.provider.Poll(pollCtx, id)
		switch {
		case err != nil && pollCtx.Err() == nil:
			log.Warn().Err(err).Str("request", string(id)).Msg("Poll failed, will retry")
		case err == nil:
			running += r.observe(ctx, g, descs, settled)
			if len(settled) >= g.Count {
				log.Debug().Str("request", string(id)).Msg("All slots settled")
				return
			}
		}
		if err := r.o.cfg.Poll.Sleep(pollCtx, attempt); err != nil {
			break
		}
	}

	if ctx.Err() != nil {
		// Fleet deadline, abort or an early barrier decision.
		r.barrier.failUnclaimed(g.Name, ctx.Err())
		return
	}
	log.Warn().
		Int("requested", g.Count).
		Int("running", running).
		Int("shortfall", g.Count-running).
		Msg("Request partially fulfilled before poll timeout")
	r.barrier.failUnclaimed(g.Name, &TimeoutError{
		Phase: "provision",
		After: r.o.cfg.PollTimeout,
		Err:   errors.New("instance never reached running"),
	})
}

// observe folds one poll result into the run and returns how many slots
// became Running.
func (r *run) observe(ctx context.Context, g GroupSpec, descs []providers.InstanceDescriptor, settled map[string]bool) int {
	started := 0
	for _, d := range descs {
		if d.InstanceID != "" {
			r.td.addInstance(r.bg, g.Name, d.InstanceID)
		}
		if r.td.isClosed() {
			continue
		}
		key := d.Slot
		if key == "" {
			key = d.InstanceID
		}
		if key == "" || settled[key] {
			continue
		}

		switch d.State {
		case providers.InstanceRunning:
			if d.InstanceID == "" {
				continue
			}
			settled[key] = true
			n := &Node{
				Group:        g.Name,
				InstanceID:   d.InstanceID,
				InstanceType: d.InstanceType,
				PrivateIP:    d.PrivateIP,
				PublicIP:     d.PublicIP,
				PublicDNS:    d.PublicDNS,
			}
			if n.InstanceType == "" {
				n.InstanceType = g.InstanceType
			}
			if !r.barrier.claim(n) {
				r.log.Warn().Str("group", g.Name).Str("instance", n.InstanceID).Msg("Surplus instance, will be terminated")
				continue
			}
			r.addNode(n)
			r.transition(n, Running, nil)
			started++
			r.dispatch(ctx, g, n)
		case providers.InstanceFailed, providers.InstanceCancelled:
			settled[key] = true
			reason := d.Reason
			if reason == "" {
				reason = string(d.State)
			}
			r.log.Warn().Str("group", g.Name).Str("slot", key).Str("reason", reason).Msg("Slot not fulfilled")
			r.barrier.failSlot(g.Name, &ProvisioningError{Group: g.Name, Err: fmt.Errorf("slot %s %s: %s", key, d.State, reason)})
		}
	}
	return started
}

func (r *run) tags(group string) map[string]string {
	tags := make(map[string]string, len(r.o.cfg.Tags)+3)
	for k, v := range r.o.cfg.Tags {
		tags[k] = v
	}
	tags["burst-run"] = r.id
	tags["burst-fleet"] = r.spec.Name()
	tags["burst-group"] = group
	return tags
}

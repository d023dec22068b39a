package burst

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// dispatch prepares n in the background and resolves its slot.
func (r *run) dispatch(ctx context.Context, g GroupSpec, n *Node) {
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		log := r.log.With().Str("group", n.Group).Str("instance", n.InstanceID).Logger()

		if err := r.prepare(ctx, g, n); err != nil {
			serr := &SetupError{Group: n.Group, InstanceID: n.InstanceID, Err: err}
			if r.transition(n, Failed, serr) {
				r.barrier.resolve(n, serr)
				log.Warn().Err(err).Msg("Node failed setup")
			}
			return
		}
		if r.transition(n, Ready, nil) {
			r.barrier.resolve(n, nil)
			log.Info().Str("addr", n.Addr()).Msg("Node ready")
		}
	}()
}

// prepare connects to n and runs the group's setup routine on it. At most
// Config.SetupConcurrency nodes are prepared at once.
func (r *run) prepare(ctx context.Context, g GroupSpec, n *Node) error {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.sem }()

	if !r.transition(n, SettingUp, nil) {
		return errors.New("node already resolved")
	}
	s, err := r.connect(ctx, n)
	if err != nil {
		return err
	}
	ts := r.td.addSession(s)
	n.Session = ts

	if err := runSetup(ctx, g.Setup, ts); err != nil {
		if cerr := ts.Close(); cerr != nil {
			r.log.Debug().Err(cerr).Str("instance", n.InstanceID).Msg("Close session")
		}
		return err
	}
	return nil
}

// connect dials the node until it answers. Instances often report running
// before sshd accepts connections.
func (r *run) connect(ctx context.Context, n *Node) (Session, error) {
	addr := n.Addr()
	if addr == "" {
		return nil, errors.New("node has no address")
	}
	attempts := r.o.cfg.ConnectAttempts
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := r.o.cfg.ConnectBackoff.Sleep(ctx, attempt-1); err != nil {
				return nil, fmt.Errorf("connect %s: %w (last error: %v)", addr, err, lastErr)
			}
		}
		s, err := r.o.connector.Connect(ctx, addr)
		if err == nil {
			return s, nil
		}
		lastErr = err
		r.log.Debug().Err(err).Str("addr", addr).Int("attempt", attempt+1).Msg("Connect failed")
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connect %s: %w", addr, ctx.Err())
		}
	}
	return nil, fmt.Errorf("connect %s after %d attempts: %w", addr, attempts, lastErr)
}

func runSetup(ctx context.Context, routine SetupRoutine, s Session) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("setup panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return routine.Setup(ctx, s)
}

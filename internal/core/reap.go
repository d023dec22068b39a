package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/burst/pkg/burst"
	"github.com/3cpo-dev/burst/pkg/providers"
)

// Reap releases resources the ledger still lists as outstanding, through
// the provider each run used. Requests are cancelled before instances are
// terminated so nothing new launches behind the sweep. Each success is
// marked released at once; failures are joined and left in the ledger for
// the next attempt.
func Reap(ctx context.Context, store *Store, reg *providers.Registry, runID string) (int, error) {
	leaks, err := store.Leaks(ctx, runID)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(leaks, func(i, j int) bool {
		return leaks[i].Kind == burst.KindRequest && leaks[j].Kind != burst.KindRequest
	})
	released := 0
	var errs []error
	for _, r := range leaks {
		client, err := reg.Get(r.Provider)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", r.Kind, r.ID, err))
			continue
		}
		switch r.Kind {
		case burst.KindRequest:
			err = client.Cancel(ctx, providers.RequestID(r.ID))
		case burst.KindInstance:
			err = client.Terminate(ctx, r.ID)
		default:
			err = fmt.Errorf("unknown resource kind %q", r.Kind)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", r.Kind, r.ID, err))
			continue
		}
		if err := store.MarkReleased(ctx, r.RunID, r.Kind, r.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		released++
		log.Info().Str("run", r.RunID).Str("provider", r.Provider).Str("kind", string(r.Kind)).Str("id", r.ID).Msg("Reaped")
	}
	return released, errors.Join(errs...)
}

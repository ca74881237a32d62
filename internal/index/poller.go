package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/documentd/documentd/internal/retry"
	"github.com/rs/zerolog/log"
)

// PendingSource reports the queued operations of a collection.
type PendingSource interface {
	PendingUpdates(ctx context.Context, coll Collection) ([]UpdateStatus, error)
}

// Poller waits for the index to apply every accepted write of a collection.
type Poller struct {
	source PendingSource
	policy retry.Policy
}

// NewPoller creates a poller using policy for its attempts.
func NewPoller(source PendingSource, policy retry.Policy) *Poller {
	return &Poller{source: source, policy: policy}
}

// AwaitConvergence returns nil once no operation of coll is pending. A failed
// status query counts as not converged. When the policy is exhausted the
// error matches ErrConvergenceTimeout.
func (p *Poller) AwaitConvergence(ctx context.Context, coll Collection) error {
	err := p.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		updates, err := p.source.PendingUpdates(ctx, coll)
		if err != nil {
			log.Debug().Err(err).Str("collection", string(coll)).Int("attempt", attempt).Msg("pending updates query failed")
			return err
		}
		pending := 0
		for _, u := range updates {
			if u.Pending() {
				pending++
			}
		}
		if pending > 0 {
			log.Debug().Str("collection", string(coll)).Int("attempt", attempt).Int("pending", pending).Msg("index not converged")
			return fmt.Errorf("%d operations pending", pending)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, retry.ErrExhausted) {
		return fmt.Errorf("%w: %s: %w", ErrConvergenceTimeout, coll, err)
	}
	return err
}

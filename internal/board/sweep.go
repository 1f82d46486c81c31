package board

import (
	"context"
	"fmt"
)

// RecoverStale scans for tasks stuck past their stale thresholds and
// recovers them. A task claimed longer than StaleClaimedAfter returns to
// pending with a timeout_recovered:claimed flag so the claim-selection rule
// can hand it to another agent. A task sitting in review longer than
// StaleReviewAfter is force-completed, on the assumption that a reviewer
// crash should not block the task forever.
//
// The sweep is idempotent: running it twice in a row with no intervening
// activity recovers nothing the second time, since a just-recovered task no
// longer satisfies the staleness predicate it was recovered under.
func (b *Board) RecoverStale(ctx context.Context) ([]string, error) {
	v, err, _ := b.sweepGroup.Do("recover_stale", func() (any, error) {
		return b.recoverStaleOnce(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (b *Board) recoverStaleOnce(ctx context.Context) ([]string, error) {
	var recovered []string
	b.log.Debug("stale recovery sweep starting")
	err := b.mutate(ctx, func() error {
		now := b.now()
		for _, t := range b.tasks {
			switch t.Status {
			case StatusClaimed:
				if t.ClaimedAt == nil {
					continue
				}
				if now.Sub(*t.ClaimedAt) < StaleClaimedAfter {
					continue
				}
				t.Status = StatusPending
				t.AgentID = ""
				t.ClaimedAt = nil
				t.EvolutionFlags = appendFlagOnce(t.EvolutionFlags, "timeout_recovered:claimed")
				recovered = append(recovered, t.ID)
			case StatusReview:
				// Review entry time isn't tracked separately; approximate
				// staleness from the original claim timestamp.
				if t.ClaimedAt == nil || now.Sub(*t.ClaimedAt) < StaleReviewAfter {
					continue
				}
				completedAt := now
				t.Status = StatusCompleted
				t.CompletedAt = &completedAt
				t.EvolutionFlags = appendFlagOnce(t.EvolutionFlags, "timeout_recovered:review")
				recovered = append(recovered, t.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover stale: %w", err)
	}
	if len(recovered) > 0 {
		b.log.Info("recovered %d stale task(s): %v", len(recovered), recovered)
	}
	return recovered, nil
}

func appendFlagOnce(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}

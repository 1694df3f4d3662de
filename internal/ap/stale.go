package ap

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftboard/driftboard/internal/config"
	"github.com/driftboard/driftboard/internal/db"
)

const staleBatchSize = 50

// StaleCleaner periodically walks remote actors whose profile has not been
// refetched within the max age: still-referenced actors are refreshed,
// orphans are deleted.
type StaleCleaner struct {
	db       *db.Store
	resolver *Resolver
	cfg      *config.Config
}

func NewStaleCleaner(store *db.Store, resolver *Resolver, cfg *config.Config) *StaleCleaner {
	return &StaleCleaner{db: store, resolver: resolver, cfg: cfg}
}

// Run loops until ctx is cancelled. Call from its own goroutine.
func (c *StaleCleaner) Run(ctx context.Context) {
	slog.Info("stale actor cleaner started",
		"interval", c.cfg.StaleActorCleanupInterval,
		"max_age", c.cfg.StaleActorMaxAge)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale actor cleaner stopped")
			return
		case <-time.After(c.cfg.StaleActorCleanupInterval):
			refreshed, deleted, errs := c.Sweep(ctx)
			slog.Info("stale actor sweep finished",
				"refreshed", refreshed, "deleted", deleted, "errors", errs)
		}
	}
}

// Sweep processes one pass of stale actors in batches and reports counts.
func (c *StaleCleaner) Sweep(ctx context.Context) (refreshed, deleted, errs int) {
	cutoff := time.Now().Add(-c.cfg.StaleActorMaxAge)
	for {
		actors, err := c.db.StaleRemoteActors(cutoff, staleBatchSize)
		if err != nil {
			slog.Error("stale actor select failed", "error", err)
			errs++
			return
		}
		if len(actors) == 0 {
			return
		}

		progressed := false
		for _, actor := range actors {
			if ctx.Err() != nil {
				return
			}
			referenced, err := c.db.RemoteActorReferenced(actor.ID)
			if err != nil {
				slog.Error("stale actor reference check failed",
					"ap_id", actor.APID, "error", err)
				errs++
				continue
			}
			if referenced {
				if _, err := c.resolver.Refresh(ctx, actor.APID); err != nil {
					// Skipped this pass; fetched_at stays old so the next
					// sweep retries.
					slog.Warn("stale actor refresh failed",
						"ap_id", actor.APID, "error", err)
					errs++
					continue
				}
				refreshed++
				progressed = true
				continue
			}
			if err := c.db.DeleteRemoteActor(actor.ID); err != nil {
				slog.Error("stale actor delete failed",
					"ap_id", actor.APID, "error", err)
				errs++
				continue
			}
			deleted++
			progressed = true
		}
		// Every row in the batch failed or was skipped; stop instead of
		// reselecting the same rows forever.
		if !progressed {
			return
		}
	}
}

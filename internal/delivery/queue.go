// Package delivery is the durable outbound queue: one row per
// (activity, inbox) pair, a polling worker that signs and POSTs, and a
// backoff schedule for failing peers.
package delivery

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/driftboard/driftboard/internal/ap"
	"github.com/driftboard/driftboard/internal/config"
	"github.com/driftboard/driftboard/internal/db"
	"github.com/driftboard/driftboard/internal/policy"
)

const maxLastErrorLen = 1000

// Queue enqueues activities for delivery and applies the post-attempt state
// transitions. The relational store is the queue; nothing lives in memory.
type Queue struct {
	db     *db.Store
	policy *policy.Domains
	cfg    *config.Config
}

func NewQueue(store *db.Store, domains *policy.Domains, cfg *config.Config) *Queue {
	return &Queue{db: store, policy: domains, cfg: cfg}
}

// Enqueue inserts one pending job per unique inbox. Inboxes are deduplicated
// by exact string match, and an in-flight row for the same (inbox, signer)
// pair makes the insert a silent skip. Returns how many rows were new.
func (q *Queue) Enqueue(activityJSON, actorURI string, inboxes []string) (int, error) {
	seen := make(map[string]struct{}, len(inboxes))
	inserted := 0
	for _, inbox := range inboxes {
		if inbox == "" {
			continue
		}
		if _, dup := seen[inbox]; dup {
			continue
		}
		seen[inbox] = struct{}{}

		ok, err := q.db.InsertDeliveryJob(activityJSON, inbox, actorURI)
		if err != nil {
			return inserted, fmt.Errorf("enqueue to %s: %w", inbox, err)
		}
		if ok {
			inserted++
		}
	}
	if inserted > 0 {
		slog.Debug("enqueued deliveries", "actor", actorURI, "new", inserted)
	}
	return inserted, nil
}

// EnqueueForFollowers fans an activity out to every follower of a local
// actor, preferring shared inboxes so one big peer gets one POST.
func (q *Queue) EnqueueForFollowers(activityJSON, actorURI string) (int, error) {
	followers, err := q.db.FollowerInboxes(actorURI)
	if err != nil {
		return 0, fmt.Errorf("follower inboxes of %s: %w", actorURI, err)
	}
	inboxes := make([]string, 0, len(followers))
	for _, f := range followers {
		inboxes = append(inboxes, f.Best())
	}
	return q.Enqueue(activityJSON, actorURI, inboxes)
}

// EnqueueForArticle fans out to the union of the author's followers and the
// followers of every public board the article is posted to. Non-public
// boards never leak their follower fan-out.
func (q *Queue) EnqueueForArticle(activityJSON, actorURI string, articleID int64) (int, error) {
	followers, err := q.db.FollowerInboxes(actorURI)
	if err != nil {
		return 0, fmt.Errorf("follower inboxes of %s: %w", actorURI, err)
	}
	inboxes := make([]string, 0, len(followers))
	for _, f := range followers {
		inboxes = append(inboxes, f.Best())
	}

	boardIDs, err := q.db.PublicBoardIDsForArticle(articleID)
	if err != nil {
		return 0, fmt.Errorf("boards for article %d: %w", articleID, err)
	}
	for _, boardID := range boardIDs {
		board, err := q.db.BoardByID(boardID)
		if err != nil {
			return 0, err
		}
		boardFollowers, err := q.db.FollowerInboxes(q.cfg.BoardActorURI(board.Slug))
		if err != nil {
			return 0, err
		}
		for _, f := range boardFollowers {
			inboxes = append(inboxes, f.Best())
		}
	}
	return q.Enqueue(activityJSON, actorURI, inboxes)
}

// ─── Post-attempt transitions ─────────────────────────────────────────────────

// BlockedByPolicy abandons a job before any HTTP attempt when its inbox host
// is currently blocked.
func (q *Queue) BlockedByPolicy(job *db.DeliveryJob) (bool, error) {
	if !q.policy.Blocked(ap.DomainOf(job.InboxURL)) {
		return false, nil
	}
	if err := q.db.AbandonJobWithoutAttempt(job.ID, "domain_blocked"); err != nil {
		return false, err
	}
	slog.Info("delivery abandoned by domain policy",
		"job", job.ID, "inbox", job.InboxURL)
	return true, nil
}

// Delivered records a 2xx outcome.
func (q *Queue) Delivered(job *db.DeliveryJob) error {
	return q.db.MarkJobDelivered(job.ID)
}

// Failed records a non-2xx or transport failure: bump attempts, schedule the
// next retry from the backoff table, abandon once max attempts is reached.
func (q *Queue) Failed(job *db.DeliveryJob, cause string) error {
	attempts := job.Attempts + 1
	if len(cause) > maxLastErrorLen {
		cause = cause[:maxLastErrorLen]
	}
	if attempts >= q.cfg.DeliveryMaxAttempts {
		return q.db.MarkJobFailed(job.ID, cause, nil, true)
	}
	next := time.Now().Add(q.backoffFor(attempts))
	return q.db.MarkJobFailed(job.ID, cause, &next, false)
}

// backoffFor returns the delay after the given attempt count, clamping to the
// last schedule entry.
func (q *Queue) backoffFor(attempts int) time.Duration {
	schedule := q.cfg.DeliveryBackoff
	if len(schedule) == 0 {
		schedule = config.DefaultBackoff
	}
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(schedule) {
		i = len(schedule) - 1
	}
	return schedule[i]
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/driftboard/driftboard/internal/ap"
	"github.com/driftboard/driftboard/internal/config"
	"github.com/driftboard/driftboard/internal/db"
	"github.com/driftboard/driftboard/internal/safehttp"
)

// taskGrace is added to the HTTP receive timeout for each delivery task, so
// the task deadline only fires when the HTTP layer itself is stuck.
const taskGrace = 15 * time.Second

// Worker polls the queue and pushes due jobs to their inboxes. One polling
// goroutine; per-job work runs on a bounded set of workers.
type Worker struct {
	db     *db.Store
	queue  *Queue
	http   *safehttp.Client
	signer *ap.Signer
	cfg    *config.Config

	wg sync.WaitGroup
}

func NewWorker(store *db.Store, queue *Queue, client *safehttp.Client, signer *ap.Signer, cfg *config.Config) *Worker {
	return &Worker{db: store, queue: queue, http: client, signer: signer, cfg: cfg}
}

// Run polls until ctx is cancelled, then drains in-flight deliveries before
// returning. Call from its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("delivery worker started",
		"poll_interval", w.cfg.DeliveryPollInterval,
		"batch_size", w.cfg.DeliveryBatchSize,
		"max_concurrency", w.cfg.DeliveryMaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			slog.Info("delivery worker stopped")
			return
		case <-time.After(jitter(w.cfg.DeliveryPollInterval)):
			w.poll(ctx)
		}
	}
}

// poll selects one batch of due jobs and dispatches them to the bounded pool.
// It returns once the whole batch has been dispatched, not completed.
func (w *Worker) poll(ctx context.Context) {
	jobs, err := w.db.DueDeliveryJobs(time.Now(), w.cfg.DeliveryBatchSize)
	if err != nil {
		slog.Error("delivery poll failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	sem := make(chan struct{}, w.cfg.DeliveryMaxConcurrency)
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		w.wg.Add(1)
		go func(job *db.DeliveryJob) {
			defer w.wg.Done()
			defer func() { <-sem }()
			w.deliver(ctx, job)
		}(job)
	}
}

// deliver runs one attempt under its own deadline and applies the outcome.
func (w *Worker) deliver(ctx context.Context, job *db.DeliveryJob) {
	start := time.Now()
	slog.Debug("delivery.start", "job", job.ID, "inbox", job.InboxURL, "attempt", job.Attempts+1)

	blocked, err := w.queue.BlockedByPolicy(job)
	if err != nil {
		slog.Error("delivery policy check failed", "job", job.ID, "error", err)
		return
	}
	if blocked {
		slog.Info("delivery.stop", "job", job.ID, "status", db.JobAbandoned,
			"duration", time.Since(start))
		return
	}

	// The task deadline is detached from the run context: shutdown stops new
	// polls while Run waits for in-flight deliveries to finish, so an attempt
	// already on the wire is never aborted and charged as a failure.
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.HTTPReceiveTimeout+taskGrace)
	defer cancel()

	status, cause := w.attempt(taskCtx, job)
	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		// The task deadline fired; record it as an ordinary failure so the
		// row is retried on schedule instead of being repicked immediately.
		status, cause = db.JobFailed, "task_timeout"
	}

	switch status {
	case db.JobDelivered:
		err = w.queue.Delivered(job)
	default:
		err = w.queue.Failed(job, cause)
	}
	if err != nil {
		slog.Error("delivery transition failed", "job", job.ID, "error", err)
		return
	}

	final, ferr := w.db.JobByID(job.ID)
	if ferr == nil {
		status = final.Status
	}
	slog.Info("delivery.stop", "job", job.ID, "status", status,
		"duration", time.Since(start))
}

// attempt signs and POSTs the activity. It reports the outcome status and,
// for failures, a cause string for last_error.
func (w *Worker) attempt(ctx context.Context, job *db.DeliveryJob) (string, string) {
	resp, err := w.http.Post(ctx, job.InboxURL, []byte(job.ActivityJSON),
		w.signer.SignFunc(job.ActorURI))
	if err != nil {
		return db.JobFailed, err.Error()
	}
	if resp.Succeeded() {
		return db.JobDelivered, ""
	}
	return db.JobFailed, fmt.Sprintf("http_%d", resp.StatusCode)
}

// jitter spreads a duration by ±10% so a fleet of instances does not poll in
// lockstep.
func jitter(d time.Duration) time.Duration {
	f := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * f)
}

package federation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driftboard/driftboard/internal/ap"
	"github.com/driftboard/driftboard/internal/config"
	"github.com/driftboard/driftboard/internal/delivery"
	"github.com/driftboard/driftboard/internal/policy"
)

// policyRefreshInterval is how often the domain policy is re-read from
// settings. Admin edits land within a minute without a restart.
const policyRefreshInterval = time.Minute

// Supervisor owns the federation worker set. Start is a no-op when
// federation is disabled; the inbox endpoints still answer, but nothing
// moves outbound.
type Supervisor struct {
	cfg     *config.Config
	worker  *delivery.Worker
	cleaner *ap.StaleCleaner
	domains *policy.Domains
	tasks   *TaskPool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewSupervisor(cfg *config.Config, worker *delivery.Worker, cleaner *ap.StaleCleaner, domains *policy.Domains, tasks *TaskPool) *Supervisor {
	return &Supervisor{
		cfg: cfg, worker: worker, cleaner: cleaner,
		domains: domains, tasks: tasks,
	}
}

// Tasks exposes the pool for the inbox handler's async sub-work.
func (s *Supervisor) Tasks() *TaskPool {
	return s.tasks
}

// Start launches the workers. The domain policy is loaded synchronously
// first so the very first inbound request sees it.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.cfg.FederationEnabled {
		slog.Info("federation disabled, workers not started")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	s.domains.Refresh()
	s.tasks.Start(ctx)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.worker.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.cleaner.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.refreshPolicy(ctx)
	}()

	slog.Info("federation workers started")
}

// Stop shuts the worker set down: no new polls, in-flight work drains.
func (s *Supervisor) Stop() {
	if !s.started {
		return
	}
	s.tasks.Stop()
	s.cancel()
	s.wg.Wait()
	slog.Info("federation workers stopped")
}

func (s *Supervisor) refreshPolicy(ctx context.Context) {
	ticker := time.NewTicker(policyRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.domains.Refresh()
		}
	}
}

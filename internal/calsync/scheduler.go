package calsync

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultPollSpec         = "@every 5m"
	DefaultRenewSpec        = "@every 24h"
	DefaultCleanupSpec      = "@every 1h"
	DefaultEventRetention   = 30 * 24 * time.Hour
	DefaultDeletedRetention = 7 * 24 * time.Hour
)

type SchedulerOptions struct {
	Orchestrator *Orchestrator
	Webhooks     *WebhookService
	Store        CacheStore
	// Specs use robfig/cron syntax. "off" disables a job; empty selects the
	// default.
	PollSpec         string
	RenewSpec        string
	CleanupSpec      string
	EventRetention   time.Duration
	DeletedRetention time.Duration
	Logger           Logger
	Now              func() time.Time
}

type CleanupReport struct {
	ExpiredEvents int `json:"expiredEvents"`
	PurgedDeleted int `json:"purgedDeleted"`
}

// Scheduler runs the periodic poll, subscription renewal and cleanup sweeps.
type Scheduler struct {
	cron             *cron.Cron
	orchestrator     *Orchestrator
	webhooks         *WebhookService
	store            CacheStore
	eventRetention   time.Duration
	deletedRetention time.Duration
	logger           Logger
	now              func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	eventRetention := opts.EventRetention
	if eventRetention <= 0 {
		eventRetention = DefaultEventRetention
	}
	deletedRetention := opts.DeletedRetention
	if deletedRetention <= 0 {
		deletedRetention = DefaultDeletedRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cron.PrintfLogger(logger)),
			cron.WithChain(cron.Recover(cron.PrintfLogger(logger)), cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
		),
		orchestrator:     opts.Orchestrator,
		webhooks:         opts.Webhooks,
		store:            opts.Store,
		eventRetention:   eventRetention,
		deletedRetention: deletedRetention,
		logger:           logger,
		now:              now,
		ctx:              ctx,
		cancel:           cancel,
	}
	jobs := []struct {
		name string
		spec string
		def  string
		run  func(context.Context)
		skip bool
	}{
		{name: "poll", spec: opts.PollSpec, def: DefaultPollSpec, run: s.runPoll, skip: opts.Orchestrator == nil},
		{name: "renew", spec: opts.RenewSpec, def: DefaultRenewSpec, run: s.runRenewal, skip: opts.Webhooks == nil},
		{name: "cleanup", spec: opts.CleanupSpec, def: DefaultCleanupSpec, run: s.runCleanup},
	}
	for _, job := range jobs {
		spec := job.spec
		if spec == "" {
			spec = job.def
		}
		if spec == "off" || job.skip {
			continue
		}
		run := job.run
		if _, err := s.cron.AddFunc(spec, func() { run(s.ctx) }); err != nil {
			cancel()
			return nil, err
		}
		logger.Printf("scheduled %s job spec=%q", job.name, spec)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runPoll(ctx context.Context) {
	if _, err := s.orchestrator.PollAll(ctx); err != nil {
		s.logger.Printf("poll sweep finished with errors: %v", err)
	}
}

func (s *Scheduler) runRenewal(ctx context.Context) {
	report, err := s.webhooks.RenewDue(ctx)
	if err != nil {
		s.logger.Printf("renewal sweep finished with errors: %v", err)
	}
	if report.Checked > 0 {
		s.logger.Printf("renewal sweep checked=%d renewed=%d reregistered=%d failed=%d",
			report.Checked, report.Renewed, report.Reregistered, report.Failed)
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	report, err := s.Cleanup(ctx)
	if err != nil {
		s.logger.Printf("cleanup sweep failed: %v", err)
		return
	}
	if report.ExpiredEvents > 0 || report.PurgedDeleted > 0 {
		s.logger.Printf("cleanup sweep expired=%d purged=%d", report.ExpiredEvents, report.PurgedDeleted)
	}
}

// Cleanup drops synced events that ended before the retention window and
// purges tombstones older than the deleted retention.
func (s *Scheduler) Cleanup(ctx context.Context) (CleanupReport, error) {
	now := s.now().UTC()
	expired, err := s.store.Cleanup(ctx, now.Add(-s.eventRetention))
	if err != nil {
		return CleanupReport{}, err
	}
	purged, err := s.store.PurgeDeleted(ctx, now.Add(-s.deletedRetention))
	if err != nil {
		return CleanupReport{ExpiredEvents: expired}, err
	}
	return CleanupReport{ExpiredEvents: expired, PurgedDeleted: purged}, nil
}

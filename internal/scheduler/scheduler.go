package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	attachmentdomain "github.com/practikit/billing/internal/attachment/domain"
	"github.com/practikit/billing/internal/clock"
	"github.com/practikit/billing/internal/config"
	"github.com/practikit/billing/internal/event"
	invoicingdomain "github.com/practikit/billing/internal/invoicing/domain"
	obsmetrics "github.com/practikit/billing/internal/observability/metrics"
	statementdomain "github.com/practikit/billing/internal/statement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	BillingCfg     *config.BillingConfigHolder
	StatementRepo  statementdomain.Repository
	AttachmentRepo attachmentdomain.Repository
	Invoicer       invoicingdomain.Invoicer
	Publisher      event.EventPublisher
	Config         Config `optional:"true"`
}

// Scheduler drives the statement lifecycle: it claims due windows and
// finalizes them into external invoices, retries payment collection,
// terminally fails statements past the retry window, and releases claims
// abandoned by crashed runners.
type Scheduler struct {
	db             *gorm.DB
	log            *zap.Logger
	cfg            Config
	genID          *snowflake.Node
	clock          clock.Clock
	billingCfg     *config.BillingConfigHolder
	statementRepo  statementdomain.Repository
	attachmentRepo attachmentdomain.Repository
	invoicer       invoicingdomain.Invoicer
	publisher      event.EventPublisher
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.BillingCfg == nil ||
		p.StatementRepo == nil || p.AttachmentRepo == nil || p.Invoicer == nil || p.Publisher == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:             p.DB,
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            cfg,
		genID:          p.GenID,
		clock:          p.Clock,
		billingCfg:     p.BillingCfg,
		statementRepo:  p.StatementRepo,
		attachmentRepo: p.AttachmentRepo,
		invoicer:       p.Invoicer,
		publisher:      p.Publisher,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.log.With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: whatever the batch did not reach stays
	// claimed or queued for the next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"finalize_due", s.isJobEnabled("finalize_due"), func(ctx context.Context) error {
			return s.runJob(ctx, "finalize_due", s.cfg.FinalizeBatchSize, s.cfg.JobTimeout, s.FinalizeDueJob)
		}},
		{"retry_payments", s.isJobEnabled("retry_payments"), func(ctx context.Context) error {
			return s.runJob(ctx, "retry_payments", s.cfg.RetryBatchSize, s.cfg.JobTimeout, s.RetryPaymentsJob)
		}},
		{"fail_exhausted", s.isJobEnabled("fail_exhausted"), func(ctx context.Context) error {
			return s.runJob(ctx, "fail_exhausted", s.cfg.ExhaustBatchSize, s.cfg.JobTimeout, s.FailExhaustedJob)
		}},
		{"release_claims", s.isJobEnabled("release_claims"), func(ctx context.Context) error {
			return s.runJob(ctx, "release_claims", s.cfg.FinalizeBatchSize, s.cfg.JobTimeout, s.ReleaseClaimsJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ReleaseClaimsJob frees claims held past the claim timeout so the next
// finalize run can re-take the statements a crashed runner left behind.
func (s *Scheduler) ReleaseClaimsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "release_claims", s.cfg.FinalizeBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	billing := s.billingCfg.Get()

	cutoff := now.Add(-billing.ClaimTimeout())
	released, err := s.statementRepo.ReleaseStuckClaims(ctx, s.db, cutoff, now)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.claims.release.failed", "release_claims", obsmetrics.StatementStageRelease, err)
		return err
	}
	if released > 0 {
		run.AddProcessed(int(released))
		obsmetrics.Scheduler().AddBatchProcessed("release_claims", "statements", int(released))
		s.log.Info("scheduler.claims.released",
			zap.String("run_id", run.runID),
			zap.Int64("released_count", released),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

// businessDate reduces an instant to the calendar date in the business
// timezone, normalized to midnight UTC the way window bounds are stored.
func businessDate(t time.Time, loc *time.Location) time.Time {
	year, month, day := t.In(loc).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

package scheduler

import (
	"context"
	"errors"

	"github.com/practikit/billing/internal/event"
	obsmetrics "github.com/practikit/billing/internal/observability/metrics"
	statementdomain "github.com/practikit/billing/internal/statement/domain"
	"go.uber.org/zap"
)

// RetryPaymentsJob re-triggers payment collection for finalized statements
// whose last attempt failed and that are still inside the retry window. The
// provider reports the outcome through the payment webhook, so this job only
// nudges collection and never changes statement state itself.
func (s *Scheduler) RetryPaymentsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "retry_payments", s.cfg.RetryBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	now := s.clock.Now()
	billing := s.billingCfg.Get()
	cutoff := now.AddDate(0, 0, -billing.RetryDays)

	stmts, err := s.statementRepo.ListRetryable(ctx, s.db, cutoff, s.cfg.RetryBatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.payment.retry.failed", "retry_payments", obsmetrics.StatementStageCollect, err)
		return err
	}

	var jobErr error
	for _, stmt := range stmts {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if stmt.ExternalInvoiceRef == nil || *stmt.ExternalInvoiceRef == "" {
			continue
		}
		if err := s.invoicer.CollectPayment(ctx, *stmt.ExternalInvoiceRef); err != nil {
			s.logSchedulerError(ctx, run, "scheduler.payment.collect.failed", "retry_payments", obsmetrics.StatementStageCollect, err,
				zap.String("statement_id", idString(stmt.ID)),
				zap.String("invoice_ref", *stmt.ExternalInvoiceRef),
			)
			jobErr = errors.Join(jobErr, err)
			continue
		}
		run.AddProcessed(1)
		s.log.Info("payment.collection.retried",
			zap.String("statement_id", idString(stmt.ID)),
			zap.String("invoice_ref", *stmt.ExternalInvoiceRef),
			zap.Int("retry_count", stmt.RetryCount),
		)
	}
	obsmetrics.Scheduler().AddBatchProcessed("retry_payments", "statements", run.processedCount)

	return jobErr
}

// FailExhaustedJob terminally fails finalized statements whose payment kept
// failing past the retry window. The transition is the end of automated
// collection; the payment_failed event hands the statement to manual
// follow-up.
func (s *Scheduler) FailExhaustedJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "fail_exhausted", s.cfg.ExhaustBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	now := s.clock.Now()
	billing := s.billingCfg.Get()
	cutoff := now.AddDate(0, 0, -billing.RetryDays)

	var jobErr error
	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		stmts, err := s.statementRepo.ListRetryExhausted(ctx, s.db, cutoff, s.cfg.ExhaustBatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.payment.exhaust.failed", "fail_exhausted", obsmetrics.StatementStageExhaust, err)
			return errors.Join(jobErr, err)
		}
		if len(stmts) == 0 {
			break
		}

		processed := 0
		for _, stmt := range stmts {
			reason := "retry_window_exhausted"
			if stmt.LastPaymentError != nil && *stmt.LastPaymentError != "" {
				reason = *stmt.LastPaymentError
			}
			if err := s.statementRepo.MarkPaymentFailed(ctx, s.db, stmt.ID, reason, s.clock.Now()); err != nil {
				s.logSchedulerError(ctx, run, "scheduler.statement.fail.failed", "fail_exhausted", obsmetrics.StatementStageExhaust, err,
					zap.String("statement_id", idString(stmt.ID)),
				)
				jobErr = errors.Join(jobErr, err)
				continue
			}
			processed++
			run.AddProcessed(1)
			obsmetrics.Scheduler().IncStatementTransition(
				string(statementdomain.StatementStatusFinalized),
				string(statementdomain.StatementStatusPaymentFailed),
			)
			s.log.Warn("statement.payment_failed",
				zap.String("statement_id", idString(stmt.ID)),
				zap.String("account_id", idString(stmt.AccountID)),
				zap.Int("retry_count", stmt.RetryCount),
				zap.String("reason", reason),
			)

			if err := event.PublishStatement(ctx, s.publisher, event.StatementPaymentFailedTopic, event.StatementEvent{
				StatementID: stmt.ID.String(),
				AccountID:   stmt.AccountID.String(),
				Currency:    stmt.Currency,
				AmountTotal: stmt.AmountTotal,
				Reason:      reason,
			}); err != nil {
				s.logSchedulerError(ctx, run, "scheduler.event.publish.failed", "fail_exhausted", obsmetrics.StatementStageExhaust, err,
					zap.String("statement_id", idString(stmt.ID)),
				)
			}
		}
		obsmetrics.Scheduler().AddBatchProcessed("fail_exhausted", "statements", len(stmts))

		// Every row either transitioned or errored; bail if nothing moved so
		// a poisoned batch cannot spin the loop.
		if processed == 0 {
			break
		}
	}

	return jobErr
}

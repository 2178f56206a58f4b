package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/practikit/billing/internal/event"
	invoicingdomain "github.com/practikit/billing/internal/invoicing/domain"
	obsmetrics "github.com/practikit/billing/internal/observability/metrics"
	statementdomain "github.com/practikit/billing/internal/statement/domain"
	"go.uber.org/zap"
)

// FinalizeDueJob claims statements whose billing window ends on or before
// the business date,
// creates the external invoice for each, and marks them FINALIZED. A
// statement whose invoice call fails keeps its claim; the release sweep frees
// it after the claim timeout and a later run retries with the same
// idempotency key.
func (s *Scheduler) FinalizeDueJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "finalize_due", s.cfg.FinalizeBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	now := s.clock.Now()
	billing := s.billingCfg.Get()
	today := businessDate(now, billing.Location())
	batchID := ulid.Make().String()

	if err := s.recordBatchStarted(ctx, s.db, batchID, today, now); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.batch.record.failed", "finalize_due", obsmetrics.StatementStageClaim, err)
		return err
	}

	var jobErr error
	claimed, finalized, errored := 0, 0, 0

	for {
		if ctx.Err() != nil {
			jobErr = errors.Join(jobErr, ctx.Err())
			break
		}

		stmts, err := s.statementRepo.ClaimDue(ctx, s.db, today, batchID, s.cfg.FinalizeBatchSize, s.clock.Now())
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.statement.claim.failed", "finalize_due", obsmetrics.StatementStageClaim, err)
			jobErr = errors.Join(jobErr, err)
			break
		}
		if len(stmts) == 0 {
			break
		}
		claimed += len(stmts)

		for _, stmt := range stmts {
			s.logStatementClaimed("finalize_due", stmt)
			if err := s.finalizeStatement(ctx, run, stmt, batchID); err != nil {
				jobErr = errors.Join(jobErr, err)
				errored++
				continue
			}
			finalized++
			run.AddProcessed(1)
		}
		obsmetrics.Scheduler().AddBatchProcessed("finalize_due", "statements", len(stmts))
	}

	if err := s.recordBatchFinished(ctx, s.db, batchID, claimed, finalized, errored, s.clock.Now()); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.batch.record.failed", "finalize_due", obsmetrics.StatementStageFinalize, err)
		jobErr = errors.Join(jobErr, err)
	}

	return jobErr
}

func (s *Scheduler) finalizeStatement(ctx context.Context, run *jobRun, stmt statementdomain.Statement, batchID string) error {
	orders, err := s.attachmentRepo.ListOrdersForStatement(ctx, s.db, stmt.ID)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.statement.orders.failed", "finalize_due", obsmetrics.StatementStageInvoice, err,
			zap.String("statement_id", idString(stmt.ID)),
		)
		return err
	}

	lineItems := make([]invoicingdomain.LineItem, 0, len(orders))
	for _, order := range orders {
		lineItems = append(lineItems, invoicingdomain.LineItem{
			Description: "Sample kit order " + order.ExternalRef,
			KitCode:     order.KitCode,
			AmountCents: order.Amount,
		})
	}

	totals := statementdomain.Totals{
		Subtotal: stmt.AmountSubtotal,
		Discount: stmt.AmountDiscount,
		Tax:      stmt.AmountTax,
	}
	totals.Total = totals.Subtotal - totals.Discount + totals.Tax

	// The idempotency key is derived from the statement, not the batch, so a
	// re-claimed statement reuses the provider-side invoice instead of
	// double-billing.
	invoiceRef, err := s.invoicer.CreateInvoice(ctx, invoicingdomain.CreateInvoiceRequest{
		AccountID:   stmt.AccountID.String(),
		Currency:    stmt.Currency,
		AmountTotal: totals.Total,
		LineItems:   lineItems,
		Metadata: map[string]string{
			"statement_id": stmt.ID.String(),
			"window_start": stmt.WindowStart.Format(time.DateOnly),
			"window_end":   stmt.WindowEnd.Format(time.DateOnly),
			"batch_id":     batchID,
		},
		IdempotencyKey: "statement-" + stmt.ID.String(),
	})
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.invoice.create.failed", "finalize_due", obsmetrics.StatementStageInvoice, err,
			zap.String("statement_id", idString(stmt.ID)),
		)
		return err
	}

	if err := s.statementRepo.MarkFinalized(ctx, s.db, stmt.ID, batchID, totals, invoiceRef, s.clock.Now()); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.statement.finalize.failed", "finalize_due", obsmetrics.StatementStageFinalize, err,
			zap.String("statement_id", idString(stmt.ID)),
			zap.String("invoice_ref", invoiceRef),
		)
		return err
	}
	obsmetrics.Scheduler().IncStatementTransition(
		string(statementdomain.StatementStatusOpen),
		string(statementdomain.StatementStatusFinalized),
	)
	s.logStatementFinalized(stmt, invoiceRef, batchID)

	if err := event.PublishStatement(ctx, s.publisher, event.StatementFinalizedTopic, event.StatementEvent{
		StatementID:        stmt.ID.String(),
		AccountID:          stmt.AccountID.String(),
		Currency:           stmt.Currency,
		AmountTotal:        totals.Total,
		ExternalInvoiceRef: invoiceRef,
	}); err != nil {
		// The statement is finalized either way; a failed outbox write is
		// logged and counted, never unwound.
		s.logSchedulerError(ctx, run, "scheduler.event.publish.failed", "finalize_due", obsmetrics.StatementStageFinalize, err,
			zap.String("statement_id", idString(stmt.ID)),
		)
	}
	return nil
}

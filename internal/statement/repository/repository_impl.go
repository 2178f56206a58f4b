package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	statementdomain "github.com/practikit/billing/internal/statement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() statementdomain.Repository {
	return &repo{}
}

const statementColumns = `id, account_id, currency, window_start, window_end, status,
	 amount_subtotal, amount_discount, amount_tax, amount_total, external_invoice_ref,
	 finalized_at, paid_at, claimed_at, claim_batch_id, retry_count,
	 last_payment_error, last_payment_failed_at, created_at, updated_at`

func (r *repo) FindOrCreate(ctx context.Context, db *gorm.DB, candidate *statementdomain.Statement) (*statementdomain.Statement, error) {
	existing, err := r.findByWindow(ctx, db, candidate.AccountID, candidate.Currency, candidate.WindowStart)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	inserted, err := r.insertStatement(ctx, db, candidate)
	if err != nil {
		return nil, err
	}
	if inserted {
		return candidate, nil
	}

	// Lost the insert race; the winner's row is authoritative.
	winner, err := r.findByWindow(ctx, db, candidate.AccountID, candidate.Currency, candidate.WindowStart)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, statementdomain.ErrStatementNotFound
	}
	return winner, nil
}

// insertStatement inserts the candidate row. A conflicting row for the same
// (account, currency, window_start) leaves the insert a no-op instead of
// raising a unique violation, which on PostgreSQL would abort the caller's
// transaction before the winner can be re-read.
func (r *repo) insertStatement(ctx context.Context, db *gorm.DB, candidate *statementdomain.Statement) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO statements (
			id, account_id, currency, window_start, window_end, status,
			amount_subtotal, amount_discount, amount_tax, amount_total,
			retry_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, currency, window_start) DO NOTHING`,
		candidate.ID,
		candidate.AccountID,
		candidate.Currency,
		candidate.WindowStart,
		candidate.WindowEnd,
		candidate.Status,
		candidate.AmountSubtotal,
		candidate.AmountDiscount,
		candidate.AmountTax,
		candidate.AmountTotal,
		candidate.RetryCount,
		candidate.CreatedAt,
		candidate.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) findByWindow(ctx context.Context, db *gorm.DB, accountID snowflake.ID, currency string, windowStart time.Time) (*statementdomain.Statement, error) {
	var statement statementdomain.Statement
	err := db.WithContext(ctx).Raw(
		`SELECT `+statementColumns+`
		 FROM statements
		 WHERE account_id = ? AND currency = ? AND window_start = ?
		 LIMIT 1`,
		accountID,
		currency,
		windowStart,
	).Scan(&statement).Error
	if err != nil {
		return nil, err
	}
	if statement.ID == 0 {
		return nil, nil
	}
	return &statement, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*statementdomain.Statement, error) {
	var statement statementdomain.Statement
	err := db.WithContext(ctx).Raw(
		`SELECT `+statementColumns+`
		 FROM statements
		 WHERE id = ?`,
		id,
	).Scan(&statement).Error
	if err != nil {
		return nil, err
	}
	if statement.ID == 0 {
		return nil, nil
	}
	return &statement, nil
}

func (r *repo) FindByExternalInvoiceRef(ctx context.Context, db *gorm.DB, ref string) (*statementdomain.Statement, error) {
	var statement statementdomain.Statement
	err := db.WithContext(ctx).Raw(
		`SELECT `+statementColumns+`
		 FROM statements
		 WHERE external_invoice_ref = ?
		 LIMIT 1`,
		ref,
	).Scan(&statement).Error
	if err != nil {
		return nil, err
	}
	if statement.ID == 0 {
		return nil, nil
	}
	return &statement, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter statementdomain.ListStatementsFilter) ([]statementdomain.Statement, error) {
	conds := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.AccountID != nil {
		conds = append(conds, "account_id = ?")
		args = append(args, *filter.AccountID)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *filter.Status)
	}

	query := `SELECT ` + statementColumns + ` FROM statements`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY window_start DESC, id DESC LIMIT ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	var statements []statementdomain.Statement
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&statements).Error; err != nil {
		return nil, err
	}
	return statements, nil
}

func (r *repo) AddToSubtotal(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE statements
		 SET amount_subtotal = amount_subtotal + ?,
		     amount_total = amount_total + ?,
		     updated_at = ?
		 WHERE id = ? AND status = ? AND claim_batch_id IS NULL`,
		amount,
		amount,
		now,
		id,
		statementdomain.StatementStatusOpen,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.classifyAttachBlocked(ctx, db, id)
	}
	return nil
}

// classifyAttachBlocked decides why an order could not be accumulated. A
// window that was already finalized, failed, or is mid-finalization under a
// claim is an early-finalization conflict; a paid window is immutable.
func (r *repo) classifyAttachBlocked(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	current, err := r.FindByID(ctx, db, id)
	if err != nil {
		return err
	}
	if current == nil {
		return statementdomain.ErrStatementNotFound
	}
	switch current.Status {
	case statementdomain.StatementStatusPaid:
		return statementdomain.ErrStatementImmutable
	case statementdomain.StatementStatusOpen:
		if current.ClaimBatchID != nil {
			return statementdomain.ErrEarlyFinalizationConflict
		}
		return statementdomain.ErrInvalidStateTransition
	default:
		return statementdomain.ErrEarlyFinalizationConflict
	}
}

func (r *repo) ClaimDue(ctx context.Context, db *gorm.DB, asOf time.Time, batchID string, limit int, now time.Time) ([]statementdomain.Statement, error) {
	var claimed []statementdomain.Statement
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []statementdomain.Statement
		if err := tx.WithContext(ctx).Raw(
			`SELECT `+statementColumns+`
			 FROM statements
			 WHERE status = ? AND window_end <= ? AND claim_batch_id IS NULL
			 ORDER BY window_end ASC, id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			statementdomain.StatementStatusOpen,
			asOf,
			limit,
		).Scan(&due).Error; err != nil {
			return err
		}

		for i := range due {
			result := tx.WithContext(ctx).Exec(
				`UPDATE statements
				 SET claimed_at = ?, claim_batch_id = ?, updated_at = ?
				 WHERE id = ? AND status = ? AND claim_batch_id IS NULL`,
				now,
				batchID,
				now,
				due[i].ID,
				statementdomain.StatementStatusOpen,
			)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				continue
			}
			claimedAt := now
			claimBatch := batchID
			due[i].ClaimedAt = &claimedAt
			due[i].ClaimBatchID = &claimBatch
			claimed = append(claimed, due[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repo) MarkFinalized(ctx context.Context, db *gorm.DB, id snowflake.ID, batchID string, totals statementdomain.Totals, invoiceRef string, now time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE statements
		 SET status = ?,
		     amount_subtotal = ?,
		     amount_discount = ?,
		     amount_tax = ?,
		     amount_total = ?,
		     external_invoice_ref = ?,
		     finalized_at = COALESCE(finalized_at, ?),
		     claimed_at = NULL,
		     claim_batch_id = NULL,
		     updated_at = ?
		 WHERE id = ? AND status = ? AND claim_batch_id = ?`,
		statementdomain.StatementStatusFinalized,
		totals.Subtotal,
		totals.Discount,
		totals.Tax,
		totals.Total,
		invoiceRef,
		now,
		now,
		id,
		statementdomain.StatementStatusOpen,
		batchID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.classifyBlocked(ctx, db, id, statementdomain.StatementStatusFinalized)
	}
	return nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time, now time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE statements
		 SET status = ?,
		     paid_at = COALESCE(paid_at, ?),
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		statementdomain.StatementStatusPaid,
		paidAt,
		now,
		id,
		statementdomain.StatementStatusFinalized,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.classifyBlocked(ctx, db, id, statementdomain.StatementStatusPaid)
	}
	return nil
}

func (r *repo) RecordPaymentFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE statements
		 SET retry_count = retry_count + 1,
		     last_payment_error = ?,
		     last_payment_failed_at = ?,
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		reason,
		now,
		now,
		id,
		statementdomain.StatementStatusFinalized,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		current, err := r.FindByID(ctx, db, id)
		if err != nil {
			return err
		}
		if current == nil {
			return statementdomain.ErrStatementNotFound
		}
		switch current.Status {
		case statementdomain.StatementStatusPaymentFailed:
			// Collection already ended terminally; a late failure delivery
			// carries no new information.
			return statementdomain.ErrRetryExhausted
		case statementdomain.StatementStatusPaid:
			return statementdomain.ErrStatementImmutable
		default:
			return statementdomain.ErrInvalidStateTransition
		}
	}
	return nil
}

func (r *repo) MarkPaymentFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE statements
		 SET status = ?,
		     last_payment_error = ?,
		     last_payment_failed_at = COALESCE(last_payment_failed_at, ?),
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		statementdomain.StatementStatusPaymentFailed,
		reason,
		now,
		now,
		id,
		statementdomain.StatementStatusFinalized,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.classifyBlocked(ctx, db, id, statementdomain.StatementStatusPaymentFailed)
	}
	return nil
}

func (r *repo) ListRetryable(ctx context.Context, db *gorm.DB, finalizedAfter time.Time, limit int) ([]statementdomain.Statement, error) {
	var statements []statementdomain.Statement
	err := db.WithContext(ctx).Raw(
		`SELECT `+statementColumns+`
		 FROM statements
		 WHERE status = ?
		   AND last_payment_failed_at IS NOT NULL
		   AND finalized_at >= ?
		 ORDER BY last_payment_failed_at ASC, id ASC
		 LIMIT ?`,
		statementdomain.StatementStatusFinalized,
		finalizedAfter,
		limit,
	).Scan(&statements).Error
	if err != nil {
		return nil, err
	}
	return statements, nil
}

func (r *repo) ListRetryExhausted(ctx context.Context, db *gorm.DB, finalizedBefore time.Time, limit int) ([]statementdomain.Statement, error) {
	var statements []statementdomain.Statement
	err := db.WithContext(ctx).Raw(
		`SELECT `+statementColumns+`
		 FROM statements
		 WHERE status = ?
		   AND last_payment_failed_at IS NOT NULL
		   AND finalized_at < ?
		 ORDER BY finalized_at ASC, id ASC
		 LIMIT ?`,
		statementdomain.StatementStatusFinalized,
		finalizedBefore,
		limit,
	).Scan(&statements).Error
	if err != nil {
		return nil, err
	}
	return statements, nil
}

func (r *repo) ReleaseStuckClaims(ctx context.Context, db *gorm.DB, claimedBefore time.Time, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE statements
		 SET claimed_at = NULL, claim_batch_id = NULL, updated_at = ?
		 WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		now,
		statementdomain.StatementStatusOpen,
		claimedBefore,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// classifyBlocked inspects a row after a guarded UPDATE matched nothing.
// A row already in idempotent status is treated as a replay and succeeds.
func (r *repo) classifyBlocked(ctx context.Context, db *gorm.DB, id snowflake.ID, idempotent statementdomain.StatementStatus) error {
	current, err := r.FindByID(ctx, db, id)
	if err != nil {
		return err
	}
	if current == nil {
		return statementdomain.ErrStatementNotFound
	}
	if idempotent != "" && current.Status == idempotent {
		return nil
	}
	if current.Status == statementdomain.StatementStatusPaid {
		return statementdomain.ErrStatementImmutable
	}
	return statementdomain.ErrInvalidStateTransition
}

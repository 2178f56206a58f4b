package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListStatementsFilter struct {
	AccountID *snowflake.ID
	Status    *StatementStatus
	Limit     int
}

type Repository interface {
	// FindOrCreate returns the statement for the candidate's
	// (account_id, currency, window_start), inserting the candidate when no
	// row exists. The returned row may be in any status; callers decide what
	// a non-open row means for them.
	FindOrCreate(ctx context.Context, db *gorm.DB, candidate *Statement) (*Statement, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Statement, error)
	FindByExternalInvoiceRef(ctx context.Context, db *gorm.DB, ref string) (*Statement, error)
	List(ctx context.Context, db *gorm.DB, filter ListStatementsFilter) ([]Statement, error)

	// AddToSubtotal atomically accumulates an order amount into an OPEN
	// statement's subtotal and running total.
	AddToSubtotal(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) error

	// ClaimDue marks due OPEN statements (window ending on or before asOf)
	// with the given batch ID and returns them. Rows already claimed or
	// locked by a concurrent runner are skipped.
	ClaimDue(ctx context.Context, db *gorm.DB, asOf time.Time, batchID string, limit int, now time.Time) ([]Statement, error)

	// MarkFinalized transitions a claimed OPEN statement to FINALIZED,
	// writing the computed totals and the external invoice reference. The
	// batch ID must match the claim so a runner whose claim was released and
	// re-taken cannot finalize over the new owner.
	MarkFinalized(ctx context.Context, db *gorm.DB, id snowflake.ID, batchID string, totals Totals, invoiceRef string, now time.Time) error
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time, now time.Time) error
	RecordPaymentFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error
	MarkPaymentFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error

	// ListRetryable returns FINALIZED statements with a recorded payment
	// failure that were finalized at or after the cutoff.
	ListRetryable(ctx context.Context, db *gorm.DB, finalizedAfter time.Time, limit int) ([]Statement, error)
	// ListRetryExhausted returns FINALIZED statements with a recorded payment
	// failure that were finalized before the cutoff.
	ListRetryExhausted(ctx context.Context, db *gorm.DB, finalizedBefore time.Time, limit int) ([]Statement, error)

	// ReleaseStuckClaims clears claim markers from OPEN statements claimed
	// before the cutoff and returns how many rows were released.
	ReleaseStuckClaims(ctx context.Context, db *gorm.DB, claimedBefore time.Time, now time.Time) (int64, error)
}

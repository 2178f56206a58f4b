// Package domain contains persistence models for billing statements.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// StatementStatus represents lifecycle states for a billing statement.
type StatementStatus string

const (
	StatementStatusOpen          StatementStatus = "OPEN"
	StatementStatusFinalized     StatementStatus = "FINALIZED"
	StatementStatusPaid          StatementStatus = "PAID"
	StatementStatusPaymentFailed StatementStatus = "PAYMENT_FAILED"
)

// Statement accumulates order charges for one account, currency and billing
// window. Exactly one row may exist per (account_id, currency, window_start),
// regardless of status. All amounts are integer cents.
type Statement struct {
	ID                  snowflake.ID    `gorm:"primaryKey"`
	AccountID           snowflake.ID    `gorm:"not null;uniqueIndex:ux_statements_account_window,priority:1"`
	Currency            string          `gorm:"type:text;not null;uniqueIndex:ux_statements_account_window,priority:2"`
	WindowStart         time.Time       `gorm:"not null;uniqueIndex:ux_statements_account_window,priority:3"`
	WindowEnd           time.Time       `gorm:"not null;index:ix_statements_status_window_end,priority:2"`
	Status              StatementStatus `gorm:"type:text;not null;index:ix_statements_status_window_end,priority:1"`
	AmountSubtotal      int64           `gorm:"not null;default:0"`
	AmountDiscount      int64           `gorm:"not null;default:0"`
	AmountTax           int64           `gorm:"not null;default:0"`
	AmountTotal         int64           `gorm:"not null;default:0"`
	ExternalInvoiceRef  *string         `gorm:"type:text;index"`
	FinalizedAt         *time.Time      `gorm:""`
	PaidAt              *time.Time      `gorm:""`
	ClaimedAt           *time.Time      `gorm:""`
	ClaimBatchID        *string         `gorm:"type:text"`
	RetryCount          int             `gorm:"not null;default:0"`
	LastPaymentError    *string         `gorm:"type:text"`
	LastPaymentFailedAt *time.Time      `gorm:""`
	CreatedAt           time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Statement) TableName() string { return "statements" }

// Totals carries the amounts written when a statement is finalized.
type Totals struct {
	Subtotal int64
	Discount int64
	Tax      int64
	Total    int64
}

// Package domain contains persistence models for sample-kit orders and their
// statement attachments.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Order is a placed sample-kit order. ExternalRef is the caller's order
// reference and dedupes retried submissions.
type Order struct {
	ID          snowflake.ID  `gorm:"primaryKey"`
	ExternalRef string        `gorm:"type:text;not null;uniqueIndex:ux_orders_external_ref"`
	AccountID   snowflake.ID  `gorm:"not null;index"`
	Currency    string        `gorm:"type:text;not null"`
	Amount      int64         `gorm:"not null"`
	KitCode     string        `gorm:"type:text"`
	PlacedAt    time.Time     `gorm:"not null"`
	StatementID *snowflake.ID `gorm:"index"`
	CreatedAt   time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Order) TableName() string { return "orders" }

// StatementOrder links an order charge to the statement it was accumulated
// into. The unique index on order_id makes attachment idempotent.
type StatementOrder struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	StatementID snowflake.ID `gorm:"not null;index"`
	OrderID     snowflake.ID `gorm:"not null;uniqueIndex:ux_statement_orders_order"`
	Amount      int64        `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (StatementOrder) TableName() string { return "statement_orders" }

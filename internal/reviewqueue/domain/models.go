// Package domain contains persistence models for the operator review queue.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ReviewItem records an order charge that could not be applied to its billing
// window, typically because the window was finalized before the order landed.
// Operators resolve items by crediting the next window or adjusting the
// external invoice.
type ReviewItem struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	StatementID snowflake.ID `gorm:"not null;index"`
	OrderID     snowflake.ID `gorm:"not null;index"`
	AccountID   snowflake.ID `gorm:"not null;index"`
	Currency    string       `gorm:"type:text;not null"`
	Amount      int64        `gorm:"not null"`
	Reason      string       `gorm:"type:text;not null"`
	WindowStart time.Time    `gorm:"not null"`
	WindowEnd   time.Time    `gorm:"not null"`
	ResolvedAt  *time.Time   `gorm:""`
	ResolvedBy  *string      `gorm:"type:text"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ReviewItem) TableName() string { return "review_queue" }

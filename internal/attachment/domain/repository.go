package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertOrder(ctx context.Context, db *gorm.DB, order *Order) error
	FindOrderByExternalRef(ctx context.Context, db *gorm.DB, externalRef string) (*Order, error)
	InsertAttachment(ctx context.Context, db *gorm.DB, attachment *StatementOrder) error
	MarkOrderAttached(ctx context.Context, db *gorm.DB, orderID, statementID snowflake.ID, now time.Time) error

	// ListOrdersForStatement returns the orders attached to a statement in
	// placement order. Finalization turns them into invoice line items.
	ListOrdersForStatement(ctx context.Context, db *gorm.DB, statementID snowflake.ID) ([]Order, error)
}

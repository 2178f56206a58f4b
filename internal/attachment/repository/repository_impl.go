package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	attachmentdomain "github.com/practikit/billing/internal/attachment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() attachmentdomain.Repository {
	return &repo{}
}

func (r *repo) InsertOrder(ctx context.Context, db *gorm.DB, order *attachmentdomain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO orders (
			id, external_ref, account_id, currency, amount, kit_code,
			placed_at, statement_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.ExternalRef,
		order.AccountID,
		order.Currency,
		order.Amount,
		order.KitCode,
		order.PlacedAt,
		order.StatementID,
		order.CreatedAt,
		order.UpdatedAt,
	).Error
}

func (r *repo) FindOrderByExternalRef(ctx context.Context, db *gorm.DB, externalRef string) (*attachmentdomain.Order, error) {
	var order attachmentdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT id, external_ref, account_id, currency, amount, kit_code,
		 placed_at, statement_id, created_at, updated_at
		 FROM orders
		 WHERE external_ref = ?
		 LIMIT 1`,
		externalRef,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) InsertAttachment(ctx context.Context, db *gorm.DB, attachment *attachmentdomain.StatementOrder) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO statement_orders (
			id, statement_id, order_id, amount, created_at
		) VALUES (?, ?, ?, ?, ?)`,
		attachment.ID,
		attachment.StatementID,
		attachment.OrderID,
		attachment.Amount,
		attachment.CreatedAt,
	).Error
}

func (r *repo) MarkOrderAttached(ctx context.Context, db *gorm.DB, orderID, statementID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET statement_id = ?, updated_at = ?
		 WHERE id = ?`,
		statementID,
		now,
		orderID,
	).Error
}

func (r *repo) ListOrdersForStatement(ctx context.Context, db *gorm.DB, statementID snowflake.ID) ([]attachmentdomain.Order, error) {
	var orders []attachmentdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT id, external_ref, account_id, currency, amount, kit_code,
		 placed_at, statement_id, created_at, updated_at
		 FROM orders
		 WHERE statement_id = ?
		 ORDER BY placed_at ASC, id ASC`,
		statementID,
	).Scan(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

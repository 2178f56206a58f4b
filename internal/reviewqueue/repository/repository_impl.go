package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	reviewqueuedomain "github.com/practikit/billing/internal/reviewqueue/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() reviewqueuedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, item *reviewqueuedomain.ReviewItem) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO review_queue (
			id, statement_id, order_id, account_id, currency, amount, reason,
			window_start, window_end, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.StatementID,
		item.OrderID,
		item.AccountID,
		item.Currency,
		item.Amount,
		item.Reason,
		item.WindowStart,
		item.WindowEnd,
		item.CreatedAt,
	).Error
}

func (r *repo) ListOpen(ctx context.Context, db *gorm.DB, limit int) ([]reviewqueuedomain.ReviewItem, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []reviewqueuedomain.ReviewItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, statement_id, order_id, account_id, currency, amount, reason,
		 window_start, window_end, resolved_at, resolved_by, created_at
		 FROM review_queue
		 WHERE resolved_at IS NULL
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, resolvedBy string, now time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE review_queue
		 SET resolved_at = ?, resolved_by = ?
		 WHERE id = ? AND resolved_at IS NULL`,
		now,
		resolvedBy,
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := db.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM review_queue WHERE id = ?`, id,
		).Scan(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return reviewqueuedomain.ErrReviewItemNotFound
		}
		return reviewqueuedomain.ErrAlreadyResolved
	}
	return nil
}

package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListReviewItemsResponse struct {
	Items []ReviewItem `json:"items"`
}

type Service interface {
	ListOpen(ctx context.Context) (ListReviewItemsResponse, error)
	Resolve(ctx context.Context, id string, resolvedBy string) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, item *ReviewItem) error
	ListOpen(ctx context.Context, db *gorm.DB, limit int) ([]ReviewItem, error)
	Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, resolvedBy string, now time.Time) error
}

var (
	ErrReviewItemNotFound = errors.New("review_item_not_found")
	ErrAlreadyResolved    = errors.New("review_item_already_resolved")
)

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertEvent stores a delivery and reports whether the row was new.
	InsertEvent(ctx context.Context, db *gorm.DB, record *EventRecord) (bool, error)
	LoadEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
}

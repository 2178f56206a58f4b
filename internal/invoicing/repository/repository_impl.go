package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicingdomain "github.com/practikit/billing/internal/invoicing/domain"
	pkgdb "github.com/practikit/billing/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() invoicingdomain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, record *invoicingdomain.EventRecord) (bool, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, provider, provider_event_id, event_type, invoice_ref,
			payload, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Provider,
		record.ProviderEventID,
		record.EventType,
		record.InvoiceRef,
		record.Payload,
		record.ReceivedAt,
	).Error
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *repo) LoadEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*invoicingdomain.EventRecord, error) {
	var record invoicingdomain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, invoice_ref,
		 payload, received_at, processed_at
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET processed_at = COALESCE(processed_at, ?)
		 WHERE id = ?`,
		now,
		id,
	).Error
}

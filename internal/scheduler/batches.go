package scheduler

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// recordBatchStarted writes the audit row for a reconciliation run before any
// statement is claimed, so a crashed run still leaves a trace.
func (s *Scheduler) recordBatchStarted(ctx context.Context, dbConn *gorm.DB, batchID string, businessDate time.Time, now time.Time) error {
	if dbConn == nil {
		dbConn = s.db
	}
	return dbConn.WithContext(ctx).Exec(
		`INSERT INTO reconciliation_batches (id, batch_id, business_date, claimed_count, finalized_count, error_count, started_at)
		 VALUES (?, ?, ?, 0, 0, 0, ?)`,
		s.genID.Generate(),
		batchID,
		businessDate,
		now,
	).Error
}

func (s *Scheduler) recordBatchFinished(ctx context.Context, dbConn *gorm.DB, batchID string, claimed, finalized, errored int, now time.Time) error {
	if dbConn == nil {
		dbConn = s.db
	}
	return dbConn.WithContext(ctx).Exec(
		`UPDATE reconciliation_batches
		 SET claimed_count = claimed_count + ?,
		     finalized_count = finalized_count + ?,
		     error_count = error_count + ?,
		     completed_at = ?
		 WHERE batch_id = ?`,
		claimed,
		finalized,
		errored,
		now,
		batchID,
	).Error
}

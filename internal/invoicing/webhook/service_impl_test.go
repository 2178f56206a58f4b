package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/practikit/billing/internal/clock"
	"github.com/practikit/billing/internal/config"
	"github.com/practikit/billing/internal/event"
	invoicingdomain "github.com/practikit/billing/internal/invoicing/domain"
	invoicingrepo "github.com/practikit/billing/internal/invoicing/repository"
	statementdomain "github.com/practikit/billing/internal/statement/domain"
	statementrepo "github.com/practikit/billing/internal/statement/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	// SQLite support hack: remove FOR UPDATE clauses
	strip := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", strip)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", strip)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TABLE statements (
			id INTEGER PRIMARY KEY,
			account_id INTEGER NOT NULL,
			currency TEXT NOT NULL,
			window_start DATETIME NOT NULL,
			window_end DATETIME NOT NULL,
			status TEXT NOT NULL,
			amount_subtotal INTEGER NOT NULL DEFAULT 0,
			amount_discount INTEGER NOT NULL DEFAULT 0,
			amount_tax INTEGER NOT NULL DEFAULT 0,
			amount_total INTEGER NOT NULL DEFAULT 0,
			external_invoice_ref TEXT,
			finalized_at DATETIME,
			paid_at DATETIME,
			claimed_at DATETIME,
			claim_batch_id TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_payment_error TEXT,
			last_payment_failed_at DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_statements_account_window
		 ON statements (account_id, currency, window_start)`,
		`CREATE TABLE payment_events (
			id INTEGER PRIMARY KEY,
			provider TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			invoice_ref TEXT NOT NULL,
			payload TEXT,
			received_at DATETIME NOT NULL,
			processed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_payment_events_provider_event
		 ON payment_events (provider, provider_event_id)`,
		`CREATE TABLE billing_events (
			id INTEGER PRIMARY KEY,
			account_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			dedupe_key TEXT,
			published INTEGER NOT NULL DEFAULT 0,
			published_at DATETIME,
			created_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_billing_event_dedupe
		 ON billing_events (account_id, dedupe_key)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func seedFinalizedStatement(t *testing.T, db *gorm.DB, node *snowflake.Node, invoiceRef string) snowflake.ID {
	t.Helper()

	repo := statementrepo.Provide()
	ctx := context.Background()
	now := time.Date(2025, time.January, 26, 0, 0, 0, 0, time.UTC)

	stmt, err := repo.FindOrCreate(ctx, db, &statementdomain.Statement{
		ID:          node.Generate(),
		AccountID:   node.Generate(),
		Currency:    "USD",
		WindowStart: time.Date(2024, time.December, 26, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2025, time.January, 25, 0, 0, 0, 0, time.UTC),
		Status:      statementdomain.StatementStatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("seed statement: %v", err)
	}
	if _, err := repo.ClaimDue(ctx, db, now, "batch-1", 10, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.MarkFinalized(ctx, db, stmt.ID, "batch-1",
		statementdomain.Totals{Subtotal: 2500, Total: 2500}, invoiceRef, now); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return stmt.ID
}

func newTestService(t *testing.T, db *gorm.DB, secret string) invoicingdomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return NewService(Params{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clock.NewFakeClock(time.Date(2025, time.January, 27, 9, 0, 0, 0, time.UTC)),
		Cfg:           config.Config{PaymentWebhookSecret: secret},
		Repo:          invoicingrepo.Provide(),
		StatementRepo: statementrepo.Provide(),
		Publisher:     event.NewOutboxPublisher(db, node),
	})
}

func TestIngestWebhook_PaidEvent(t *testing.T) {
	db := newTestDB(t)
	node, _ := snowflake.NewNode(1)
	stmtID := seedFinalizedStatement(t, db, node, "inv_1")
	svc := newTestService(t, db, "")
	ctx := context.Background()

	payload := []byte(`{"event_id":"evt_1","type":"invoice.paid","invoice_ref":"inv_1","paid_at":"2025-01-27T08:00:00Z"}`)
	if err := svc.IngestWebhook(ctx, "practipay", payload, http.Header{}); err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}

	stmt, err := statementrepo.Provide().FindByID(ctx, db, stmtID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stmt.Status != statementdomain.StatementStatusPaid {
		t.Fatalf("status = %s, want PAID", stmt.Status)
	}
	if stmt.PaidAt == nil {
		t.Fatalf("paid_at not set")
	}

	var eventCount int64
	if err := db.Raw(`SELECT COUNT(1) FROM billing_events WHERE event_type = ?`, event.StatementPaidTopic).Scan(&eventCount).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("expected 1 outbox event, got %d", eventCount)
	}

	// Redelivery of a processed event is rejected, state untouched.
	err = svc.IngestWebhook(ctx, "practipay", payload, http.Header{})
	if !errors.Is(err, invoicingdomain.ErrEventAlreadyProcessed) {
		t.Fatalf("expected already-processed error, got %v", err)
	}
}

func TestIngestWebhook_FailureEventIsNonTerminal(t *testing.T) {
	db := newTestDB(t)
	node, _ := snowflake.NewNode(1)
	stmtID := seedFinalizedStatement(t, db, node, "inv_1")
	svc := newTestService(t, db, "")
	ctx := context.Background()

	payload := []byte(`{"event_id":"evt_1","type":"invoice.payment_failed","invoice_ref":"inv_1","failure_reason":"card_declined"}`)
	if err := svc.IngestWebhook(ctx, "practipay", payload, http.Header{}); err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}

	stmt, err := statementrepo.Provide().FindByID(ctx, db, stmtID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stmt.Status != statementdomain.StatementStatusFinalized {
		t.Fatalf("status = %s, want FINALIZED after webhook failure", stmt.Status)
	}
	if stmt.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", stmt.RetryCount)
	}
	if stmt.LastPaymentError == nil || *stmt.LastPaymentError != "card_declined" {
		t.Fatalf("failure reason not recorded: %+v", stmt)
	}
}

func TestIngestWebhook_FailureAfterTerminalFailureIsAcknowledged(t *testing.T) {
	db := newTestDB(t)
	node, _ := snowflake.NewNode(1)
	stmtID := seedFinalizedStatement(t, db, node, "inv_1")
	svc := newTestService(t, db, "")
	ctx := context.Background()

	now := time.Date(2025, time.January, 28, 0, 0, 0, 0, time.UTC)
	if err := statementrepo.Provide().MarkPaymentFailed(ctx, db, stmtID, "card_declined", now); err != nil {
		t.Fatalf("mark payment failed: %v", err)
	}

	// A failure delivered after collection was terminally failed is marked
	// processed without touching the statement.
	payload := []byte(`{"event_id":"evt_late","type":"invoice.payment_failed","invoice_ref":"inv_1","failure_reason":"card_declined"}`)
	if err := svc.IngestWebhook(ctx, "practipay", payload, http.Header{}); err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}

	stmt, err := statementrepo.Provide().FindByID(ctx, db, stmtID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stmt.Status != statementdomain.StatementStatusPaymentFailed {
		t.Fatalf("status = %s, want PAYMENT_FAILED", stmt.Status)
	}
	if stmt.RetryCount != 0 {
		t.Fatalf("retry_count = %d, want 0 after terminal failure", stmt.RetryCount)
	}

	err = svc.IngestWebhook(ctx, "practipay", payload, http.Header{})
	if !errors.Is(err, invoicingdomain.ErrEventAlreadyProcessed) {
		t.Fatalf("expected already-processed error on redelivery, got %v", err)
	}
}

func TestIngestWebhook_IgnoresOutOfScopeEventTypes(t *testing.T) {
	db := newTestDB(t)
	node, _ := snowflake.NewNode(1)
	seedFinalizedStatement(t, db, node, "inv_1")
	svc := newTestService(t, db, "")

	payload := []byte(`{"event_id":"evt_1","type":"invoice.voided","invoice_ref":"inv_1"}`)
	err := svc.IngestWebhook(context.Background(), "practipay", payload, http.Header{})
	if !errors.Is(err, invoicingdomain.ErrEventIgnored) {
		t.Fatalf("expected ignored-event error, got %v", err)
	}

	var eventCount int64
	if err := db.Raw(`SELECT COUNT(1) FROM payment_events`).Scan(&eventCount).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if eventCount != 0 {
		t.Fatalf("expected no stored delivery for an ignored type, got %d", eventCount)
	}
}

func TestIngestWebhook_UnknownInvoiceRef(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db, "")

	payload := []byte(`{"event_id":"evt_1","type":"invoice.paid","invoice_ref":"inv_missing"}`)
	err := svc.IngestWebhook(context.Background(), "practipay", payload, http.Header{})
	if !errors.Is(err, invoicingdomain.ErrUnknownInvoiceRef) {
		t.Fatalf("expected unknown invoice ref error, got %v", err)
	}
}

func TestIngestWebhook_VerifiesSignature(t *testing.T) {
	db := newTestDB(t)
	node, _ := snowflake.NewNode(1)
	seedFinalizedStatement(t, db, node, "inv_1")
	svc := newTestService(t, db, "whsec_test")
	ctx := context.Background()

	payload := []byte(`{"event_id":"evt_1","type":"invoice.paid","invoice_ref":"inv_1"}`)

	err := svc.IngestWebhook(ctx, "practipay", payload, http.Header{})
	if !errors.Is(err, invoicingdomain.ErrInvalidSignature) {
		t.Fatalf("expected signature error without header, got %v", err)
	}

	headers := http.Header{}
	headers.Set(SignatureHeader, "deadbeef")
	err = svc.IngestWebhook(ctx, "practipay", payload, headers)
	if !errors.Is(err, invoicingdomain.ErrInvalidSignature) {
		t.Fatalf("expected signature error for bad signature, got %v", err)
	}

	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write(payload)
	headers.Set(SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
	if err := svc.IngestWebhook(ctx, "practipay", payload, headers); err != nil {
		t.Fatalf("IngestWebhook with valid signature: %v", err)
	}
}

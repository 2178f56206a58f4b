package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	attachmentdomain "github.com/practikit/billing/internal/attachment/domain"
	attachmentrepo "github.com/practikit/billing/internal/attachment/repository"
	"github.com/practikit/billing/internal/clock"
	"github.com/practikit/billing/internal/config"
	"github.com/practikit/billing/internal/event"
	invoicingdomain "github.com/practikit/billing/internal/invoicing/domain"
	obsmetrics "github.com/practikit/billing/internal/observability/metrics"
	statementdomain "github.com/practikit/billing/internal/statement/domain"
	statementrepo "github.com/practikit/billing/internal/statement/repository"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockInvoicer struct {
	createCalls  []invoicingdomain.CreateInvoiceRequest
	collectCalls []string
	invoiceRef   string
}

func (m *mockInvoicer) CreateInvoice(_ context.Context, req invoicingdomain.CreateInvoiceRequest) (string, error) {
	m.createCalls = append(m.createCalls, req)
	return m.invoiceRef, nil
}

func (m *mockInvoicer) CollectPayment(_ context.Context, invoiceRef string) error {
	m.collectCalls = append(m.collectCalls, invoiceRef)
	return nil
}

func newSchedulerTestDB(t *testing.T) *gorm.DB {
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

	statements := []string{
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
		`CREATE TABLE orders (
			id INTEGER PRIMARY KEY,
			external_ref TEXT NOT NULL,
			account_id INTEGER NOT NULL,
			currency TEXT NOT NULL,
			amount INTEGER NOT NULL,
			kit_code TEXT,
			placed_at DATETIME NOT NULL,
			statement_id INTEGER,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_orders_external_ref ON orders (external_ref)`,
		`CREATE TABLE statement_orders (
			id INTEGER PRIMARY KEY,
			statement_id INTEGER NOT NULL,
			order_id INTEGER NOT NULL,
			amount INTEGER NOT NULL,
			created_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_statement_orders_order ON statement_orders (order_id)`,
		`CREATE TABLE reconciliation_batches (
			id INTEGER PRIMARY KEY,
			batch_id TEXT NOT NULL,
			business_date DATETIME NOT NULL,
			claimed_count INTEGER NOT NULL DEFAULT 0,
			finalized_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			completed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_reconciliation_batches_batch ON reconciliation_batches (batch_id)`,
		`CREATE TABLE billing_events (
			id INTEGER PRIMARY KEY,
			account_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			dedupe_key TEXT,
			published BOOLEAN NOT NULL DEFAULT false,
			published_at DATETIME,
			created_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_billing_event_dedupe ON billing_events (account_id, dedupe_key)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	return db
}

// TestScheduler_RunOnce_FakeClock_FullLifecycle walks a statement through a
// simulated month: orders accumulate into an open window, the window elapses
// and is finalized into an external invoice, payment keeps failing, and after
// the retry window the statement is terminally failed.
func TestScheduler_RunOnce_FakeClock_FullLifecycle(t *testing.T) {
	db := newSchedulerTestDB(t)

	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "billingd", Environment: "test"})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	startTime := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	fakeClock := clock.NewFakeClock(startTime)

	holder, err := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	if err != nil {
		t.Fatalf("billing config: %v", err)
	}

	stmtRepo := statementrepo.Provide()
	attachRepo := attachmentrepo.Provide()
	invoicer := &mockInvoicer{invoiceRef: "inv_test_1"}
	publisher := event.NewOutboxPublisher(db, node)

	sched, err := New(Params{
		DB:             db,
		Log:            zap.NewNop(),
		GenID:          node,
		Clock:          fakeClock,
		BillingCfg:     holder,
		StatementRepo:  stmtRepo,
		AttachmentRepo: attachRepo,
		Invoicer:       invoicer,
		Publisher:      publisher,
		Config: Config{
			FinalizeBatchSize: 10,
			RetryBatchSize:    10,
			ExhaustBatchSize:  10,
		},
	})
	if err != nil {
		t.Fatalf("New scheduler: %v", err)
	}

	ctx := context.Background()
	accountID := node.Generate()
	windowStart := time.Date(2024, time.December, 26, 0, 0, 0, 0, time.UTC)
	windowEnd := time.Date(2025, time.January, 25, 0, 0, 0, 0, time.UTC)

	stmt, err := stmtRepo.FindOrCreate(ctx, db, &statementdomain.Statement{
		ID:          node.Generate(),
		AccountID:   accountID,
		Currency:    "USD",
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Status:      statementdomain.StatementStatusOpen,
		CreatedAt:   startTime,
		UpdatedAt:   startTime,
	})
	if err != nil {
		t.Fatalf("seed statement: %v", err)
	}

	attachOrder := func(externalRef string, amount int64) {
		t.Helper()
		order := &attachmentdomain.Order{
			ID:          node.Generate(),
			ExternalRef: externalRef,
			AccountID:   accountID,
			Currency:    "USD",
			Amount:      amount,
			KitCode:     "KIT-GUT-01",
			PlacedAt:    startTime,
			CreatedAt:   startTime,
			UpdatedAt:   startTime,
		}
		if err := attachRepo.InsertOrder(ctx, db, order); err != nil {
			t.Fatalf("insert order %s: %v", externalRef, err)
		}
		if err := attachRepo.InsertAttachment(ctx, db, &attachmentdomain.StatementOrder{
			ID:          node.Generate(),
			StatementID: stmt.ID,
			OrderID:     order.ID,
			Amount:      amount,
			CreatedAt:   startTime,
		}); err != nil {
			t.Fatalf("insert attachment %s: %v", externalRef, err)
		}
		if err := stmtRepo.AddToSubtotal(ctx, db, stmt.ID, amount, startTime); err != nil {
			t.Fatalf("accumulate %s: %v", externalRef, err)
		}
		if err := attachRepo.MarkOrderAttached(ctx, db, order.ID, stmt.ID, startTime); err != nil {
			t.Fatalf("mark attached %s: %v", externalRef, err)
		}
	}
	attachOrder("ord_jan_1", 2500)
	attachOrder("ord_jan_2", 3500)

	// Jan 10: window still open, nothing is due.
	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed at start: %v", err)
	}
	current, err := stmtRepo.FindByID(ctx, db, stmt.ID)
	if err != nil {
		t.Fatalf("refetch statement: %v", err)
	}
	if current.Status != statementdomain.StatementStatusOpen {
		t.Fatalf("expected statement to stay OPEN on day 1, got %s", current.Status)
	}
	if len(invoicer.createCalls) != 0 {
		t.Fatalf("expected no invoice before the window elapses, got %d", len(invoicer.createCalls))
	}

	// The window [Dec 26, Jan 25] is due on its closing day. The Jan 24 run
	// must leave it open; the Jan 25 run claims and finalizes it.
	fakeClock.AdvanceTo(time.Date(2025, time.January, 24, 0, 0, 0, 0, time.UTC))
	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed at %v: %v", fakeClock.Now(), err)
	}
	current, err = stmtRepo.FindByID(ctx, db, stmt.ID)
	if err != nil {
		t.Fatalf("refetch statement: %v", err)
	}
	if current.Status != statementdomain.StatementStatusOpen {
		t.Fatalf("expected statement to stay OPEN the day before the window ends, got %s", current.Status)
	}

	fakeClock.AdvanceTo(time.Date(2025, time.January, 25, 0, 0, 0, 0, time.UTC))
	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed at %v: %v", fakeClock.Now(), err)
	}

	current, err = stmtRepo.FindByID(ctx, db, stmt.ID)
	if err != nil {
		t.Fatalf("refetch statement: %v", err)
	}
	if current.Status != statementdomain.StatementStatusFinalized {
		t.Fatalf("expected FINALIZED after the window elapsed, got %s", current.Status)
	}
	if current.ExternalInvoiceRef == nil || *current.ExternalInvoiceRef != "inv_test_1" {
		t.Fatalf("expected invoice ref inv_test_1, got %v", current.ExternalInvoiceRef)
	}
	if current.FinalizedAt == nil {
		t.Fatal("expected finalized_at to be set")
	}
	if current.ClaimBatchID != nil {
		t.Fatalf("expected claim to be cleared after finalization, got %v", *current.ClaimBatchID)
	}
	if current.AmountTotal != 6000 {
		t.Fatalf("expected total 6000, got %d", current.AmountTotal)
	}

	if len(invoicer.createCalls) != 1 {
		t.Fatalf("expected exactly one invoice creation, got %d", len(invoicer.createCalls))
	}
	created := invoicer.createCalls[0]
	if created.AmountTotal != 6000 {
		t.Fatalf("expected invoice total 6000, got %d", created.AmountTotal)
	}
	if len(created.LineItems) != 2 {
		t.Fatalf("expected 2 line items, got %d", len(created.LineItems))
	}
	if want := "statement-" + stmt.ID.String(); created.IdempotencyKey != want {
		t.Fatalf("expected idempotency key %s, got %s", want, created.IdempotencyKey)
	}

	var finalizedEvents int64
	if err := db.Raw(
		`SELECT COUNT(*) FROM billing_events WHERE event_type = ?`, event.StatementFinalizedTopic,
	).Scan(&finalizedEvents).Error; err != nil {
		t.Fatalf("count finalized events: %v", err)
	}
	if finalizedEvents != 1 {
		t.Fatalf("expected 1 finalized event, got %d", finalizedEvents)
	}

	var completedBatches int64
	if err := db.Raw(
		`SELECT COUNT(*) FROM reconciliation_batches WHERE finalized_count = 1 AND completed_at IS NOT NULL`,
	).Scan(&completedBatches).Error; err != nil {
		t.Fatalf("count batches: %v", err)
	}
	if completedBatches != 1 {
		t.Fatalf("expected 1 completed batch with a finalized statement, got %d", completedBatches)
	}

	// The provider reports a failed collection attempt; the statement stays
	// FINALIZED and enters the retry window.
	if err := stmtRepo.RecordPaymentFailure(ctx, db, stmt.ID, "card_declined", fakeClock.Now()); err != nil {
		t.Fatalf("record payment failure: %v", err)
	}

	// Advance past retryDays (2) from finalization. Retries run while inside
	// the window, then the statement is terminally failed.
	endDate := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	for fakeClock.Now().Before(endDate) {
		fakeClock.Advance(24 * time.Hour)
		if err := sched.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce failed at %v: %v", fakeClock.Now(), err)
		}
	}

	if len(invoicer.collectCalls) == 0 {
		t.Fatal("expected at least one collection retry inside the retry window")
	}
	for _, ref := range invoicer.collectCalls {
		if ref != "inv_test_1" {
			t.Fatalf("expected collection against inv_test_1, got %s", ref)
		}
	}

	current, err = stmtRepo.FindByID(ctx, db, stmt.ID)
	if err != nil {
		t.Fatalf("refetch statement: %v", err)
	}
	if current.Status != statementdomain.StatementStatusPaymentFailed {
		t.Fatalf("expected PAYMENT_FAILED after the retry window, got %s", current.Status)
	}
	if current.LastPaymentError == nil || *current.LastPaymentError != "card_declined" {
		t.Fatalf("expected last payment error card_declined, got %v", current.LastPaymentError)
	}

	var failedEvents int64
	if err := db.Raw(
		`SELECT COUNT(*) FROM billing_events WHERE event_type = ?`, event.StatementPaymentFailedTopic,
	).Scan(&failedEvents).Error; err != nil {
		t.Fatalf("count failed events: %v", err)
	}
	if failedEvents != 1 {
		t.Fatalf("expected 1 payment_failed event, got %d", failedEvents)
	}
}

package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	attachmentdomain "github.com/practikit/billing/internal/attachment/domain"
	attachmentrepo "github.com/practikit/billing/internal/attachment/repository"
	"github.com/practikit/billing/internal/clock"
	"github.com/practikit/billing/internal/config"
	reviewqueuerepo "github.com/practikit/billing/internal/reviewqueue/repository"
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
		`CREATE TABLE review_queue (
			id INTEGER PRIMARY KEY,
			statement_id INTEGER NOT NULL,
			order_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			currency TEXT NOT NULL,
			amount INTEGER NOT NULL,
			reason TEXT NOT NULL,
			window_start DATETIME NOT NULL,
			window_end DATETIME NOT NULL,
			resolved_at DATETIME,
			resolved_by TEXT,
			created_at DATETIME
		)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, fakeClock *clock.FakeClock) (*Service, statementdomain.Repository) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	cfg := config.DefaultBillingConfig()
	holder, err := config.NewStaticBillingConfigHolder(cfg)
	if err != nil {
		t.Fatalf("config holder: %v", err)
	}

	stmtRepo := statementrepo.Provide()
	svc := NewService(ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         fakeClock,
		BillingCfg:    holder,
		Repo:          attachmentrepo.Provide(),
		StatementRepo: stmtRepo,
		ReviewRepo:    reviewqueuerepo.Provide(),
	})
	return svc.(*Service), stmtRepo
}

func TestPlaceOrder_AccumulatesIntoWindowStatement(t *testing.T) {
	db := newTestDB(t)
	fakeClock := clock.NewFakeClock(time.Date(2025, time.January, 10, 12, 0, 0, 0, time.UTC))
	svc, stmtRepo := newTestService(t, db, fakeClock)
	ctx := context.Background()

	account := snowflake.ID(7000001)
	first, err := svc.PlaceOrder(ctx, attachmentdomain.PlaceOrderRequest{
		ExternalRef: "ord-1",
		AccountID:   account.String(),
		Currency:    "usd",
		AmountCents: 2500,
		KitCode:     "KIT-CHOL",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !first.WindowStart.Equal(time.Date(2024, time.December, 26, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("window start = %v", first.WindowStart)
	}
	if !first.WindowEnd.Equal(time.Date(2025, time.January, 25, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("window end = %v", first.WindowEnd)
	}

	second, err := svc.PlaceOrder(ctx, attachmentdomain.PlaceOrderRequest{
		ExternalRef: "ord-2",
		AccountID:   account.String(),
		Currency:    "USD",
		AmountCents: 1500,
	})
	if err != nil {
		t.Fatalf("second PlaceOrder: %v", err)
	}
	if second.StatementID != first.StatementID {
		t.Fatalf("orders in same window got different statements: %s vs %s", first.StatementID, second.StatementID)
	}

	stmtID, _ := snowflake.ParseString(first.StatementID)
	stmt, err := stmtRepo.FindByID(ctx, db, stmtID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stmt.AmountSubtotal != 4000 {
		t.Fatalf("subtotal = %d, want 4000", stmt.AmountSubtotal)
	}
}

func TestPlaceOrder_ReplaysByExternalRef(t *testing.T) {
	db := newTestDB(t)
	fakeClock := clock.NewFakeClock(time.Date(2025, time.January, 10, 12, 0, 0, 0, time.UTC))
	svc, stmtRepo := newTestService(t, db, fakeClock)
	ctx := context.Background()

	req := attachmentdomain.PlaceOrderRequest{
		ExternalRef: "ord-1",
		AccountID:   snowflake.ID(7000001).String(),
		Currency:    "USD",
		AmountCents: 2500,
	}
	first, err := svc.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	replayed, err := svc.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("replayed PlaceOrder: %v", err)
	}
	if !replayed.Replayed {
		t.Fatalf("expected replay response")
	}
	if replayed.OrderID != first.OrderID || replayed.StatementID != first.StatementID {
		t.Fatalf("replay mismatch: %+v vs %+v", replayed, first)
	}

	stmtID, _ := snowflake.ParseString(first.StatementID)
	stmt, err := stmtRepo.FindByID(ctx, db, stmtID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stmt.AmountSubtotal != 2500 {
		t.Fatalf("subtotal double-counted: %d", stmt.AmountSubtotal)
	}
}

func TestPlaceOrder_LateOrderGoesToReviewQueue(t *testing.T) {
	db := newTestDB(t)
	fakeClock := clock.NewFakeClock(time.Date(2025, time.January, 10, 12, 0, 0, 0, time.UTC))
	svc, stmtRepo := newTestService(t, db, fakeClock)
	ctx := context.Background()

	account := snowflake.ID(7000001)
	first, err := svc.PlaceOrder(ctx, attachmentdomain.PlaceOrderRequest{
		ExternalRef: "ord-1",
		AccountID:   account.String(),
		Currency:    "USD",
		AmountCents: 2500,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	// The window closes and the cycle runner finalizes the statement.
	stmtID, _ := snowflake.ParseString(first.StatementID)
	finalizeAt := time.Date(2025, time.January, 26, 2, 0, 0, 0, time.UTC)
	claimed, err := stmtRepo.ClaimDue(ctx, db, finalizeAt, "batch-1", 10, finalizeAt)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDue: %v (claimed=%d)", err, len(claimed))
	}
	if err := stmtRepo.MarkFinalized(ctx, db, stmtID, "batch-1",
		statementdomain.Totals{Subtotal: 2500, Total: 2500}, "inv_1", finalizeAt); err != nil {
		t.Fatalf("MarkFinalized: %v", err)
	}

	// A late order dated inside the finalized window cannot attach.
	fakeClock.Advance(17 * 24 * time.Hour)
	placedAt := time.Date(2025, time.January, 20, 9, 0, 0, 0, time.UTC)
	_, err = svc.PlaceOrder(ctx, attachmentdomain.PlaceOrderRequest{
		ExternalRef: "ord-late",
		AccountID:   account.String(),
		Currency:    "USD",
		AmountCents: 900,
		PlacedAt:    &placedAt,
	})
	if !errors.Is(err, statementdomain.ErrEarlyFinalizationConflict) {
		t.Fatalf("expected early finalization conflict, got %v", err)
	}

	// The order itself persists for the operator to act on.
	var orderCount int64
	if err := db.Raw(`SELECT COUNT(1) FROM orders WHERE external_ref = ?`, "ord-late").Scan(&orderCount).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if orderCount != 1 {
		t.Fatalf("late order not persisted")
	}

	var reviewCount int64
	if err := db.Raw(`SELECT COUNT(1) FROM review_queue WHERE statement_id = ?`, stmtID).Scan(&reviewCount).Error; err != nil {
		t.Fatalf("count review queue: %v", err)
	}
	if reviewCount != 1 {
		t.Fatalf("expected 1 review item, got %d", reviewCount)
	}

	// The finalized subtotal is untouched.
	stmt, err := stmtRepo.FindByID(ctx, db, stmtID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stmt.AmountSubtotal != 2500 {
		t.Fatalf("finalized subtotal changed: %d", stmt.AmountSubtotal)
	}

	var linkCount int64
	if err := db.Raw(`SELECT COUNT(1) FROM statement_orders`).Scan(&linkCount).Error; err != nil {
		t.Fatalf("count links: %v", err)
	}
	if linkCount != 1 {
		t.Fatalf("conflicting attachment leaked a link row: %d", linkCount)
	}
}

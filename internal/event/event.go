package event

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	pkgdb "github.com/practikit/billing/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatementFinalizedTopic     = "statement.finalized"
	StatementPaidTopic          = "statement.paid"
	StatementPaymentFailedTopic = "statement.payment_failed"
)

// StatementEvent is the payload published on statement lifecycle topics.
type StatementEvent struct {
	StatementID        string `json:"statement_id"`
	AccountID          string `json:"account_id"`
	Currency           string `json:"currency"`
	AmountTotal        int64  `json:"amount_total"`
	ExternalInvoiceRef string `json:"external_invoice_ref,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type outboxPublisher struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewOutboxPublisher(db *gorm.DB, genID *snowflake.Node) EventPublisher {
	return &outboxPublisher{
		db:    db,
		genID: genID,
	}
}

func (p *outboxPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	var parsed StatementEvent
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return err
	}

	statementID := strings.TrimSpace(parsed.StatementID)
	if statementID == "" {
		return errors.New("missing statement_id")
	}
	accountID, err := snowflake.ParseString(strings.TrimSpace(parsed.AccountID))
	if err != nil {
		return err
	}

	dedupeKey := topic + ":" + statementID
	now := time.Now().UTC()
	insertErr := p.db.WithContext(ctx).Exec(
		`INSERT INTO billing_events (id, account_id, event_type, payload, dedupe_key, published, created_at)
		 VALUES (?, ?, ?, ?, ?, false, ?)`,
		p.genID.Generate(),
		accountID,
		topic,
		datatypes.JSON(payload),
		dedupeKey,
		now,
	).Error
	if insertErr != nil && pkgdb.IsDuplicateKeyErr(insertErr) {
		// Re-running a job republishes the same transition; the first
		// outbox row wins.
		return nil
	}
	return insertErr
}

// PublishStatement marshals and publishes a statement lifecycle event.
func PublishStatement(ctx context.Context, publisher EventPublisher, topic string, ev StatementEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return publisher.Publish(ctx, topic, payload)
}

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/practikit/billing/internal/clock"
	"github.com/practikit/billing/internal/config"
	"github.com/practikit/billing/internal/event"
	invoicingdomain "github.com/practikit/billing/internal/invoicing/domain"
	statementdomain "github.com/practikit/billing/internal/statement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "Billing-Signature"

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Cfg           config.Config
	Repo          invoicingdomain.Repository
	StatementRepo statementdomain.Repository
	Publisher     event.EventPublisher
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          invoicingdomain.Repository
	statementRepo statementdomain.Repository
	publisher     event.EventPublisher
	webhookSecret string
}

func NewService(p Params) invoicingdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("invoicing.webhook"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		statementRepo: p.StatementRepo,
		publisher:     p.Publisher,
		webhookSecret: strings.TrimSpace(p.Cfg.PaymentWebhookSecret),
	}
}

type webhookPayload struct {
	EventID       string  `json:"event_id"`
	Type          string  `json:"type"`
	InvoiceRef    string  `json:"invoice_ref"`
	FailureReason string  `json:"failure_reason"`
	PaidAt        *string `json:"paid_at"`
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return invoicingdomain.ErrInvalidProvider
	}
	if !json.Valid(payload) {
		return invoicingdomain.ErrInvalidPayload
	}
	if err := s.verify(payload, headers); err != nil {
		return err
	}

	var parsed webhookPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return invoicingdomain.ErrInvalidPayload
	}
	eventID := strings.TrimSpace(parsed.EventID)
	invoiceRef := strings.TrimSpace(parsed.InvoiceRef)
	eventType := strings.TrimSpace(parsed.Type)
	if eventID == "" || invoiceRef == "" {
		return invoicingdomain.ErrInvalidEvent
	}
	switch eventType {
	case invoicingdomain.EventTypeInvoicePaid, invoicingdomain.EventTypeInvoicePaymentFailed:
	default:
		s.log.Debug("ignoring payment event",
			zap.String("provider", provider),
			zap.String("event_type", eventType),
		)
		return invoicingdomain.ErrEventIgnored
	}

	now := s.clock.Now().UTC()
	received := invoicingdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       eventType,
		InvoiceRef:      invoiceRef,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.LoadEvent(ctx, s.db, provider, eventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return invoicingdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			return invoicingdomain.ErrEventAlreadyProcessed
		}
	}

	if err := s.applyEvent(ctx, stored, parsed, now); err != nil {
		return err
	}

	return s.repo.MarkProcessed(ctx, s.db, stored.ID, now)
}

func (s *Service) applyEvent(ctx context.Context, stored *invoicingdomain.EventRecord, parsed webhookPayload, now time.Time) error {
	stmt, err := s.statementRepo.FindByExternalInvoiceRef(ctx, s.db, stored.InvoiceRef)
	if err != nil {
		return err
	}
	if stmt == nil {
		return invoicingdomain.ErrUnknownInvoiceRef
	}

	switch stored.EventType {
	case invoicingdomain.EventTypeInvoicePaid:
		paidAt := now
		if parsed.PaidAt != nil {
			if parsedAt, err := time.Parse(time.RFC3339, *parsed.PaidAt); err == nil {
				paidAt = parsedAt.UTC()
			}
		}
		if err := s.statementRepo.MarkPaid(ctx, s.db, stmt.ID, paidAt, now); err != nil {
			return s.tolerateStaleTransition(stmt, stored, err)
		}
		return event.PublishStatement(ctx, s.publisher, event.StatementPaidTopic, event.StatementEvent{
			StatementID:        stmt.ID.String(),
			AccountID:          stmt.AccountID.String(),
			Currency:           stmt.Currency,
			AmountTotal:        stmt.AmountTotal,
			ExternalInvoiceRef: stored.InvoiceRef,
		})
	case invoicingdomain.EventTypeInvoicePaymentFailed:
		reason := strings.TrimSpace(parsed.FailureReason)
		if reason == "" {
			reason = "payment_failed"
		}
		if err := s.statementRepo.RecordPaymentFailure(ctx, s.db, stmt.ID, reason, now); err != nil {
			return s.tolerateStaleTransition(stmt, stored, err)
		}
		return nil
	default:
		return invoicingdomain.ErrInvalidEvent
	}
}

// tolerateStaleTransition swallows transitions that cannot apply anymore,
// such as a failure delivered after the invoice was paid or after collection
// was terminally failed. The delivery is still marked processed so the
// provider stops retrying it.
func (s *Service) tolerateStaleTransition(stmt *statementdomain.Statement, stored *invoicingdomain.EventRecord, err error) error {
	if errors.Is(err, statementdomain.ErrStatementImmutable) ||
		errors.Is(err, statementdomain.ErrRetryExhausted) ||
		errors.Is(err, statementdomain.ErrInvalidStateTransition) {
		s.log.Warn("payment event arrived for a settled statement",
			zap.String("statement_id", stmt.ID.String()),
			zap.String("event_type", stored.EventType),
			zap.String("provider_event_id", stored.ProviderEventID),
		)
		return nil
	}
	return err
}

func (s *Service) verify(payload []byte, headers http.Header) error {
	if s.webhookSecret == "" {
		return nil
	}
	signature := strings.TrimSpace(headers.Get(SignatureHeader))
	if signature == "" {
		return invoicingdomain.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return invoicingdomain.ErrInvalidSignature
	}
	return nil
}

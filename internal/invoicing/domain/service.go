package domain

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// LineItem is one order charge on an external invoice.
type LineItem struct {
	Description string `json:"description"`
	KitCode     string `json:"kit_code,omitempty"`
	AmountCents int64  `json:"amount_cents"`
}

type CreateInvoiceRequest struct {
	AccountID      string            `json:"account_id"`
	Currency       string            `json:"currency"`
	AmountTotal    int64             `json:"amount_total"`
	LineItems      []LineItem        `json:"line_items"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// Invoicer is the external invoicing provider. CreateInvoice returns the
// provider's invoice reference; CollectPayment re-triggers collection for an
// existing invoice during the retry window.
type Invoicer interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (string, error)
	CollectPayment(ctx context.Context, invoiceRef string) error
}

// PaymentEvent is a parsed webhook delivery.
type PaymentEvent struct {
	Provider        string
	ProviderEventID string
	Type            string
	InvoiceRef      string
	FailureReason   string
	PaidAt          *time.Time
}

const (
	EventTypeInvoicePaid          = "invoice.paid"
	EventTypeInvoicePaymentFailed = "invoice.payment_failed"
)

type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

var (
	ErrExternalInvoiceFailure = errors.New("external_invoice_failure")
	ErrInvalidProvider        = errors.New("invalid_provider")
	ErrInvalidPayload         = errors.New("invalid_payload")
	ErrInvalidEvent           = errors.New("invalid_event")
	ErrInvalidSignature       = errors.New("invalid_signature")
	ErrEventAlreadyProcessed  = errors.New("event_already_processed")
	ErrEventIgnored           = errors.New("event_ignored")
	ErrUnknownInvoiceRef      = errors.New("unknown_invoice_ref")
)

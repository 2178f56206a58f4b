// Package provider implements the external invoicing client.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/practikit/billing/internal/config"
	invoicingdomain "github.com/practikit/billing/internal/invoicing/domain"
	"go.uber.org/zap"
)

// New returns the configured invoicer. Without INVOICER_BASE_URL the local
// invoicer is used, which settles nothing and only mints references; it keeps
// development and sqlite setups runnable.
func New(cfg config.Config, log *zap.Logger, genID *snowflake.Node) invoicingdomain.Invoicer {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.InvoicerBaseURL), "/")
	if baseURL == "" {
		return &localInvoicer{
			log:   log.Named("invoicing.local"),
			genID: genID,
		}
	}
	return &httpInvoicer{
		log:     log.Named("invoicing.http"),
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.InvoicerAPIKey),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type httpInvoicer struct {
	log     *zap.Logger
	baseURL string
	apiKey  string
	client  *http.Client
}

type createInvoiceResponse struct {
	InvoiceRef string `json:"invoice_ref"`
}

func (i *httpInvoicer) CreateInvoice(ctx context.Context, req invoicingdomain.CreateInvoiceRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/v1/invoices", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if i.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+i.apiKey)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", invoicingdomain.ErrExternalInvoiceFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		i.log.Warn("invoice creation rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("account_id", req.AccountID),
		)
		return "", fmt.Errorf("%w: status %d", invoicingdomain.ErrExternalInvoiceFailure, resp.StatusCode)
	}

	var parsed createInvoiceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: %v", invoicingdomain.ErrExternalInvoiceFailure, err)
	}
	ref := strings.TrimSpace(parsed.InvoiceRef)
	if ref == "" {
		return "", fmt.Errorf("%w: empty invoice_ref", invoicingdomain.ErrExternalInvoiceFailure)
	}
	return ref, nil
}

func (i *httpInvoicer) CollectPayment(ctx context.Context, invoiceRef string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		i.baseURL+"/v1/invoices/"+invoiceRef+"/collect", nil)
	if err != nil {
		return err
	}
	if i.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+i.apiKey)
	}

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", invoicingdomain.ErrExternalInvoiceFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", invoicingdomain.ErrExternalInvoiceFailure, resp.StatusCode)
	}
	return nil
}

type localInvoicer struct {
	log   *zap.Logger
	genID *snowflake.Node
}

func (i *localInvoicer) CreateInvoice(ctx context.Context, req invoicingdomain.CreateInvoiceRequest) (string, error) {
	ref := "inv_local_" + i.genID.Generate().String()
	i.log.Info("minted local invoice reference",
		zap.String("invoice_ref", ref),
		zap.String("account_id", req.AccountID),
		zap.Int64("amount_total", req.AmountTotal),
	)
	return ref, nil
}

func (i *localInvoicer) CollectPayment(ctx context.Context, invoiceRef string) error {
	i.log.Info("local collection requested", zap.String("invoice_ref", invoiceRef))
	return nil
}

package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/lexure-intelligence/cash-application/internal/activity"
	"github.com/lexure-intelligence/cash-application/internal/models"
)

// ERPConfig configures the HTTP ERP client.
type ERPConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	Timeout      time.Duration
	// RequestsPerSecond throttles outbound calls; ERP sandboxes rate
	// limit aggressively.
	RequestsPerSecond float64
	Burst             int
}

// HTTPERPClient talks to the ERP's REST API with OAuth2 client
// credentials. Write endpoints receive an Idempotency-Key header so the
// ERP deduplicates retried posts.
type HTTPERPClient struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewHTTPERPClient builds the client. The http.Client carries the OAuth2
// token source, so tokens refresh transparently.
func NewHTTPERPClient(cfg ERPConfig, logger *zap.Logger) *HTTPERPClient {
	oauthCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	httpClient := oauthCfg.Client(context.Background())
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}

	return &HTTPERPClient{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
		tracer:  otel.Tracer("erp-client"),
	}
}

func (c *HTTPERPClient) FetchInvoices(ctx context.Context, invoiceIDs []string) ([]models.Invoice, error) {
	ctx, span := c.tracer.Start(ctx, "erp_fetch_invoices")
	defer span.End()
	span.SetAttributes(attribute.Int("invoice_count", len(invoiceIDs)))

	q := url.Values{"ids": {strings.Join(invoiceIDs, ",")}}
	var out struct {
		Invoices []models.Invoice `json:"invoices"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/invoices?"+q.Encode(), "", nil, &out); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// The ERP silently drops unknown ids; surface that as a permanent
	// error so the run does not retry forever on a bad extraction.
	if len(out.Invoices) == 0 && len(invoiceIDs) > 0 {
		return nil, activity.Permanent(fmt.Sprintf("none of %d invoice ids exist in the ERP", len(invoiceIDs)), nil)
	}
	return out.Invoices, nil
}

func (c *HTTPERPClient) PostApplication(ctx context.Context, idempotencyKey string, req ApplicationRequest) (ApplicationResult, error) {
	ctx, span := c.tracer.Start(ctx, "erp_post_application")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment_id", req.PaymentID),
		attribute.String("idempotency_key", idempotencyKey),
	)

	var out ApplicationResult
	if err := c.do(ctx, http.MethodPost, "/v1/applications", idempotencyKey, req, &out); err != nil {
		span.RecordError(err)
		return ApplicationResult{}, err
	}
	if out.Duplicate {
		c.logger.Info("erp deduplicated application post",
			zap.String("payment_id", req.PaymentID),
			zap.String("idempotency_key", idempotencyKey))
	}
	return out, nil
}

func (c *HTTPERPClient) UpdateCreditLimit(ctx context.Context, idempotencyKey string, update CreditLimitUpdate) error {
	ctx, span := c.tracer.Start(ctx, "erp_update_credit_limit")
	defer span.End()
	span.SetAttributes(attribute.String("customer_id", update.CustomerID))

	if err := c.do(ctx, http.MethodPost, "/v1/credit-limits", idempotencyKey, update, nil); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// OpenExposure implements ExposureSource against the ERP's receivables
// view, feeding the credit review workflow.
func (c *HTTPERPClient) OpenExposure(ctx context.Context, customerID string) (float64, float64, error) {
	ctx, span := c.tracer.Start(ctx, "erp_open_exposure")
	defer span.End()
	span.SetAttributes(attribute.String("customer_id", customerID))

	var out struct {
		Open    float64 `json:"open"`
		Overdue float64 `json:"overdue"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/customers/"+url.PathEscape(customerID)+"/exposure", "", nil, &out); err != nil {
		span.RecordError(err)
		return 0, 0, err
	}
	return out.Open, out.Overdue, nil
}

func (c *HTTPERPClient) do(ctx context.Context, method, path, idempotencyKey string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return activity.NewError(activity.KindCancelled, "rate limiter interrupted", err)
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return activity.NewError(activity.KindInvalidInput, "failed to encode request body", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return activity.NewError(activity.KindInvalidInput, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return activity.Transient(fmt.Sprintf("erp request %s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := activity.ClassifyHTTPStatus(resp.StatusCode)
		return activity.NewError(kind,
			fmt.Sprintf("erp %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw))), nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return activity.Transient("failed to decode erp response", err)
		}
	}
	return nil
}

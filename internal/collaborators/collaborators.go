package collaborators

import (
	"context"
	"time"

	"github.com/lexure-intelligence/cash-application/internal/models"
)

// ExtractRequest asks the document service for invoice ids referenced by
// a payment's remittance document.
type ExtractRequest struct {
	PaymentID   string `json:"payment_id"`
	DocumentRef string `json:"document_ref,omitempty"`
	Text        string `json:"text,omitempty"`
}

// ExtractResult is the outcome of document extraction.
type ExtractResult struct {
	InvoiceIDs []string `json:"invoice_ids"`
	Confidence float64  `json:"confidence"`
	Method     string   `json:"method"`
}

// DocumentExtractor pulls invoice ids out of remittance documents.
type DocumentExtractor interface {
	ExtractInvoiceIDs(ctx context.Context, req ExtractRequest) (ExtractResult, error)
}

// ApplicationRequest posts a finished match result to the ERP ledger.
type ApplicationRequest struct {
	RunID     string         `json:"run_id"`
	PaymentID string         `json:"payment_id"`
	ClientID  string         `json:"client_id,omitempty"`
	Matches   []models.Match `json:"matches"`
}

// ApplicationResult reports what the ERP accepted.
type ApplicationResult struct {
	AppliedCount int      `json:"applied_count"`
	ReceiptIDs   []string `json:"receipt_ids,omitempty"`
	Duplicate    bool     `json:"duplicate"`
}

// CreditLimitUpdate adjusts a customer's credit limit after assessment.
type CreditLimitUpdate struct {
	CustomerID string  `json:"customer_id"`
	NewLimit   float64 `json:"new_limit"`
	Currency   string  `json:"currency"`
	Reason     string  `json:"reason"`
}

// ERPClient is the system of record for invoices and applications. All
// writes take an idempotency key; posting the same key twice must not
// double-apply.
type ERPClient interface {
	FetchInvoices(ctx context.Context, invoiceIDs []string) ([]models.Invoice, error)
	PostApplication(ctx context.Context, idempotencyKey string, req ApplicationRequest) (ApplicationResult, error)
	UpdateCreditLimit(ctx context.Context, idempotencyKey string, update CreditLimitUpdate) error
}

// CompletionNotice tells downstream consumers a payment was applied.
type CompletionNotice struct {
	RunID        string    `json:"run_id"`
	PaymentID    string    `json:"payment_id"`
	ClientID     string    `json:"client_id,omitempty"`
	MatchedCount int       `json:"matched_count"`
	AppliedTotal float64   `json:"applied_total"`
	CompletedAt  time.Time `json:"completed_at"`
}

// CollectionNotice is one dunning message for an overdue invoice.
type CollectionNotice struct {
	InvoiceID   string    `json:"invoice_id"`
	CustomerRef string    `json:"customer_ref"`
	AmountDue   float64   `json:"amount_due"`
	Currency    string    `json:"currency"`
	DueDate     time.Time `json:"due_date"`
	Escalation  int       `json:"escalation"`
}

// NoticeResult is the delivery outcome of one collection notice.
type NoticeResult struct {
	Sent       bool   `json:"sent"`
	NextAction string `json:"next_action,omitempty"`
}

// Notifier delivers completion and collection messages. Deliveries are
// deduplicated on the idempotency key.
type Notifier interface {
	NotifyCompletion(ctx context.Context, idempotencyKey string, notice CompletionNotice) error
	SendCollectionNotice(ctx context.Context, idempotencyKey string, notice CollectionNotice) (NoticeResult, error)
}

// RiskAssessment is the outcome of a customer credit review.
type RiskAssessment struct {
	CustomerID     string  `json:"customer_id"`
	RiskScore      float64 `json:"risk_score"`
	RiskBand       string  `json:"risk_band"`
	UpdateRequired bool    `json:"update_required"`
	SuggestedLimit float64 `json:"suggested_limit,omitempty"`
}

// CreditAssessor scores customer credit risk.
type CreditAssessor interface {
	AssessRisk(ctx context.Context, customer models.Customer) (RiskAssessment, error)
}

// ReviewItem is a request to park a payment for a human.
type ReviewItem struct {
	RunID     string
	PaymentID string
	ClientID  string
	Reason    string
	Details   []byte
}

// ManualReviewQueue accepts payments the automation could not finish.
type ManualReviewQueue interface {
	Enqueue(ctx context.Context, item ReviewItem) error
	Open(ctx context.Context, clientID string, limit int) ([]models.ManualReviewItem, error)
	Resolve(ctx context.Context, id string, assignee string) error
}

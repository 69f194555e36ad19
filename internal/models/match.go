package models

// Match is one payment→invoice allocation decided by the matcher.
//
// For consolidated matches (several payments settling one invoice)
// PaymentRefs lists every source payment and PaymentID holds the
// highest-confidence one; everywhere else PaymentRefs is nil.
type Match struct {
	PaymentID        string                 `json:"payment_id"`
	PaymentRefs      []string               `json:"payment_refs,omitempty"`
	InvoiceID        string                 `json:"invoice_id"`
	RuleName         string                 `json:"rule_name"`
	Confidence       float64                `json:"confidence"`
	AmountToApply    float64                `json:"amount_to_apply"`
	RemainingPayment float64                `json:"remaining_payment"`
	RemainingInvoice float64                `json:"remaining_invoice"`
	Details          map[string]interface{} `json:"details,omitempty"` // diagnostics only, never control flow
}

// Match result statuses.
const (
	MatchStatusMatched   = "matched"
	MatchStatusUnmatched = "unmatched"
)

// MatchResult is the matcher's verdict for a batch of payments and invoices.
type MatchResult struct {
	Status            string   `json:"status"`
	Matches           []Match  `json:"matches,omitempty"`
	UnmatchedPayments []string `json:"unmatched_payments,omitempty"`
	UnmatchedInvoices []string `json:"unmatched_invoices,omitempty"`
	ResolverVersion   int      `json:"resolver_version"`
}

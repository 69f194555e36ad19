package models

import (
	"time"
)

// Counterparty identifies who sent a payment, as reported by the bank
// or mobile-money channel. Any of the fields may be empty.
type Counterparty struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Account string `json:"account,omitempty"`
	Channel string `json:"channel,omitempty"` // bank_transfer, mpesa_transfer, cheque, ...
}

// Payment is an incoming bank payment. It is created upstream and referenced
// immutably by the workflow; the engine never mutates a payment.
type Payment struct {
	ID            string       `json:"id"`
	Amount        float64      `json:"amount"`
	Currency      string       `json:"currency"`
	ValueDate     time.Time    `json:"value_date"`
	Counterparty  Counterparty `json:"counterparty"`
	Reference     string       `json:"reference,omitempty"`
	Memo          string       `json:"memo,omitempty"`
	RawRemittance string       `json:"raw_remittance,omitempty"`
	DocumentRef   string       `json:"document_ref,omitempty"` // remittance advice document, if any
	ClientID      string       `json:"client_id"`
}

// Invoice statuses as reported by the ERP.
const (
	InvoiceStatusOpen    = "open"
	InvoiceStatusPartial = "partial"
	InvoiceStatusPaid    = "paid"
	InvoiceStatusVoid    = "void"
)

// Invoice is a read-only view of an ERP invoice. Mutations go back through
// the ERP collaborator, never through this struct.
type Invoice struct {
	ID            string    `json:"id"`
	InvoiceNumber string    `json:"invoice_number"`
	CustomerRef   string    `json:"customer_ref"`
	TotalAmount   float64   `json:"total_amount"`
	AmountDue     float64   `json:"amount_due"`
	Currency      string    `json:"currency"`
	IssueDate     time.Time `json:"issue_date"`
	DueDate       time.Time `json:"due_date"`
	Status        string    `json:"status"`
	Reference     string    `json:"reference,omitempty"` // purchase order etc.
}

// Customer is an entry in the alias resolver's universe. Aliases include
// generated variants (business-suffix expansions, name recombinations) in
// addition to whatever was registered explicitly.
type Customer struct {
	ID             string   `json:"id"`
	CanonicalName  string   `json:"canonical_name"`
	Aliases        []string `json:"aliases,omitempty"`
	PhoneNumbers   []string `json:"phone_numbers,omitempty"`   // normalized E.164
	AccountNumbers []string `json:"account_numbers,omitempty"`
}

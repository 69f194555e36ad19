package collaborators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExtractInvoiceIDs(t *testing.T) {
	e := NewPatternExtractor(zap.NewNop())

	tests := []struct {
		name    string
		text    string
		wantIDs []string
	}{
		{
			name:    "standard inv prefix",
			text:    "Payment against INV-123456 attached",
			wantIDs: []string{"123456"},
		},
		{
			name:    "invoice label with colon",
			text:    "Invoice #: 99881 for services rendered",
			wantIDs: []string{"99881"},
		},
		{
			name:    "purchase order",
			text:    "As per Purchase Order: 77665544",
			wantIDs: []string{"77665544"},
		},
		{
			name:    "multiple ids deduplicated",
			text:    "INV 445566 and again INV-445566 plus Bill Number: 778899",
			wantIDs: []string{"445566", "778899"},
		},
		{
			name:    "no ids",
			text:    "thank you for your business",
			wantIDs: nil,
		},
		{
			name:    "repeated digits rejected",
			text:    "Ref 0000000000",
			wantIDs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.ExtractInvoiceIDs(context.Background(), ExtractRequest{PaymentID: "p1", Text: tt.text})
			require.NoError(t, err)
			assert.Equal(t, tt.wantIDs, res.InvoiceIDs)
			if len(tt.wantIDs) > 0 {
				assert.Greater(t, res.Confidence, 0.0)
			} else {
				assert.Zero(t, res.Confidence)
			}
		})
	}
}

func TestExtractionConfidenceScaling(t *testing.T) {
	e := NewPatternExtractor(zap.NewNop())

	single, err := e.ExtractInvoiceIDs(context.Background(), ExtractRequest{Text: "Invoice #: 123456"})
	require.NoError(t, err)

	many, err := e.ExtractInvoiceIDs(context.Background(), ExtractRequest{
		Text: "Invoice 111222 Invoice 333444 Invoice 555666 Invoice 777888",
	})
	require.NoError(t, err)

	assert.Greater(t, single.Confidence, many.Confidence,
		"a single structured id is more trustworthy than a shotgun of candidates")
}

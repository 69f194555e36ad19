package collaborators

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// structuredPatterns extract invoice ids from labelled formats. They are
// authoritative: when any of them hits, the generic fallbacks are skipped
// so a labelled id is not re-captured with its prefix attached.
var structuredPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)INV[-\s]?(\d{4,10})`),
	regexp.MustCompile(`(?i)Invoice\s*#?\s*:?\s*(\d{4,10})`),
	regexp.MustCompile(`(?i)Bill\s*Number\s*:?\s*(\d{4,10})`),
	regexp.MustCompile(`(?i)Doc\s*(?:No|Number)\s*:?\s*(\d{4,10})`),
	regexp.MustCompile(`(?i)PO\s*[-\s]?(\d{6,12})`),
	regexp.MustCompile(`(?i)Purchase\s*Order\s*:?\s*(\d{6,12})`),
}

// genericPatterns are the unlabelled fallbacks for documents that carry
// bare ids.
var genericPatterns = []*regexp.Regexp{
	regexp.MustCompile(`([A-Z]{2,4}[-\s]?\d{6,10})`),
	regexp.MustCompile(`(\d{8,12})`),
}

var (
	extractorWhitespace = regexp.MustCompile(`\s+`)
	extractorNoise      = regexp.MustCompile(`[^\w\s\-#:.]`)
)

// falsePositives are tokens the generic patterns pick up that are never
// invoice ids.
var falsePositives = map[string]struct{}{
	"invoice": {}, "number": {}, "total": {}, "amount": {},
}

// PatternExtractor finds invoice ids in remittance text with regex
// patterns. It is the cheap first tier; documents it cannot read go to
// manual review rather than a heavier model.
type PatternExtractor struct {
	logger *zap.Logger
}

// NewPatternExtractor creates the regex-based extractor.
func NewPatternExtractor(logger *zap.Logger) *PatternExtractor {
	return &PatternExtractor{logger: logger}
}

func (e *PatternExtractor) ExtractInvoiceIDs(_ context.Context, req ExtractRequest) (ExtractResult, error) {
	text := extractorNoise.ReplaceAllString(req.Text, " ")
	text = strings.TrimSpace(extractorWhitespace.ReplaceAllString(text, " "))

	seen := make(map[string]struct{})
	var ids []string
	collect := func(patterns []*regexp.Regexp) {
		for _, pattern := range patterns {
			for _, groups := range pattern.FindAllStringSubmatch(text, -1) {
				id := strings.TrimSpace(groups[len(groups)-1])
				if !validInvoiceID(id) {
					continue
				}
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	collect(structuredPatterns)
	matchedStructured := len(ids) > 0
	if !matchedStructured {
		collect(genericPatterns)
	}

	result := ExtractResult{
		InvoiceIDs: ids,
		Confidence: extractionConfidence(len(ids), matchedStructured),
		Method:     "pattern",
	}
	e.logger.Debug("extracted invoice ids",
		zap.String("payment_id", req.PaymentID),
		zap.Int("count", len(ids)),
		zap.Float64("confidence", result.Confidence))
	return result, nil
}

func validInvoiceID(id string) bool {
	if len(id) < 4 || len(id) > 20 {
		return false
	}
	if _, bad := falsePositives[strings.ToLower(id)]; bad {
		return false
	}
	distinct := make(map[rune]struct{})
	for _, r := range id {
		if r != '-' && r != ' ' {
			distinct[r] = struct{}{}
		}
	}
	return len(distinct) >= 2
}

func extractionConfidence(count int, structured bool) float64 {
	if count == 0 {
		return 0
	}
	confidence := 0.2
	switch {
	case count == 1:
		confidence = 0.5
	case count <= 3:
		confidence = 0.4
	}
	if structured {
		confidence += 0.3
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

package matching

import (
	"math"
	"sort"
	"strings"

	"github.com/lexure-intelligence/cash-application/internal/models"
)

// Signals a rule can require.
type Signal string

const (
	SignalAmount      Signal = "amount"
	SignalCustomer    Signal = "customer"
	SignalReference   Signal = "reference"
	SignalDate        Signal = "date"
	SignalPartial     Signal = "partial"
	SignalOverpayment Signal = "overpayment"
)

// Rule is a named predicate plus scoring function over (payment, invoice).
// Lower Priority runs first.
type Rule struct {
	Name                string
	Priority            int
	ConfidenceThreshold float64
	AmountTolerance     float64 // fraction of invoice amount due
	DateWindowDays      int
	Required            []Signal
}

func (r Rule) requires(s Signal) bool {
	for _, req := range r.Required {
		if req == s {
			return true
		}
	}
	return false
}

// DefaultRules is the production rule set, strictest first.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:                "exact_amount_and_reference",
			Priority:            1,
			ConfidenceThreshold: 0.95,
			AmountTolerance:     0.001,
			DateWindowDays:      7,
			Required:            []Signal{SignalAmount, SignalReference},
		},
		{
			Name:                "exact_amount_and_customer",
			Priority:            2,
			ConfidenceThreshold: 0.90,
			AmountTolerance:     0.01,
			DateWindowDays:      30,
			Required:            []Signal{SignalAmount, SignalCustomer},
		},
		{
			Name:                "amount_tolerance_strong_customer",
			Priority:            3,
			ConfidenceThreshold: 0.85,
			AmountTolerance:     0.05,
			DateWindowDays:      14,
			Required:            []Signal{SignalCustomer},
		},
		{
			Name:                "reference_match_amount_tolerance",
			Priority:            4,
			ConfidenceThreshold: 0.82,
			AmountTolerance:     0.10,
			DateWindowDays:      45,
			Required:            []Signal{SignalReference},
		},
		{
			Name:                "partial_payment_customer_match",
			Priority:            5,
			ConfidenceThreshold: 0.75,
			AmountTolerance:     0.0,
			DateWindowDays:      60,
			Required:            []Signal{SignalCustomer, SignalPartial},
		},
		{
			Name:                "overpayment_tolerance",
			Priority:            6,
			ConfidenceThreshold: 0.70,
			AmountTolerance:     0.20,
			DateWindowDays:      30,
			Required:            []Signal{SignalCustomer, SignalOverpayment},
		},
	}
}

// Factor weights. Partial/overpayment substitute for amount when those
// branches fire.
var factorWeights = map[Signal]float64{
	SignalAmount:      0.4,
	SignalCustomer:    0.3,
	SignalReference:   0.2,
	SignalDate:        0.05,
	SignalPartial:     0.3,
	SignalOverpayment: 0.25,
}

const amountEpsilon = 0.01

// Evaluator scores (payment, invoice, rule) triples against a fixed
// resolver snapshot.
type Evaluator struct {
	snapshot  *Snapshot
	phoneRule CountryPhoneRule
}

// NewEvaluator binds an evaluator to a resolver snapshot.
func NewEvaluator(snapshot *Snapshot, phoneRule CountryPhoneRule) *Evaluator {
	return &Evaluator{snapshot: snapshot, phoneRule: phoneRule}
}

// Evaluate returns the match for a (payment, invoice, rule) triple, or
// ok=false when the rule does not fire. Currency mismatch fails the amount
// factor outright; there is no implicit conversion.
func (e *Evaluator) Evaluate(p models.Payment, inv models.Invoice, rule Rule) (models.Match, bool) {
	details := map[string]interface{}{}
	factors := map[Signal]float64{}

	if p.Currency != inv.Currency {
		// There is no implicit FX conversion: a payment can only settle
		// invoices in its own currency.
		return models.Match{}, false
	}

	diff := math.Abs(p.Amount - inv.AmountDue)
	tol := inv.AmountDue * rule.AmountTolerance
	switch {
	case rule.requires(SignalPartial):
		if p.Amount >= inv.AmountDue {
			return models.Match{}, false
		}
		factors[SignalPartial] = 0.8
		details["payment_type"] = "partial"
	case rule.requires(SignalOverpayment):
		if p.Amount <= inv.AmountDue {
			return models.Match{}, false
		}
		overRatio := (p.Amount - inv.AmountDue) / inv.AmountDue
		if overRatio > rule.AmountTolerance {
			return models.Match{}, false
		}
		factors[SignalOverpayment] = math.Max(0.6, 1-overRatio)
		details["payment_type"] = "overpayment"
		details["overpayment_amount"] = p.Amount - inv.AmountDue
	case diff <= tol:
		factors[SignalAmount] = 1 - diff/math.Max(inv.AmountDue, amountEpsilon)
		details["amount_difference"] = diff
	case p.Amount < inv.AmountDue:
		// Short payment outside tolerance and no partial escape: the
		// invoice would be left underpaid, so the rule cannot fire.
		return models.Match{}, false
	default:
		// Overpayment outside tolerance settles the invoice in full; the
		// residual is left to the split pass.
		if rule.requires(SignalAmount) {
			return models.Match{}, false
		}
	}

	if rule.requires(SignalCustomer) {
		res, ok := e.snapshot.ResolveAgainst(p.Counterparty, inv.CustomerRef, e.phoneRule)
		if !ok || res.Confidence <= 0.7 {
			return models.Match{}, false
		}
		factors[SignalCustomer] = res.Confidence
		details["customer_match_method"] = res.Method
		details["customer_match_score"] = res.Confidence
	}

	if rule.requires(SignalReference) {
		score := referenceScore(p, inv)
		if score < 0.7 {
			return models.Match{}, false
		}
		factors[SignalReference] = score
		details["reference_match_score"] = score
	}

	if !p.ValueDate.IsZero() && !inv.IssueDate.IsZero() && rule.DateWindowDays > 0 {
		days := math.Abs(p.ValueDate.Sub(inv.IssueDate).Hours() / 24)
		if score := math.Max(0, 1-days/float64(rule.DateWindowDays)); score > 0.5 {
			factors[SignalDate] = score
			details["date_proximity_score"] = score
		}
	}

	// Required signals must all have fired. A partial or overpayment
	// factor satisfies an amount requirement; those branches replace the
	// plain amount score.
	for _, req := range rule.Required {
		if req == SignalAmount {
			_, amount := factors[SignalAmount]
			_, partial := factors[SignalPartial]
			_, over := factors[SignalOverpayment]
			if !amount && !partial && !over {
				return models.Match{}, false
			}
			continue
		}
		if _, ok := factors[req]; !ok {
			return models.Match{}, false
		}
	}
	if len(factors) == 0 {
		return models.Match{}, false
	}

	var weighted, weight float64
	for sig, score := range factors {
		w := factorWeights[sig]
		weighted += score * w
		weight += w
	}
	confidence := math.Min(1, weighted/weight)
	if confidence < rule.ConfidenceThreshold {
		return models.Match{}, false
	}

	apply := math.Min(p.Amount, inv.AmountDue)
	return models.Match{
		PaymentID:        p.ID,
		InvoiceID:        inv.ID,
		RuleName:         rule.Name,
		Confidence:       confidence,
		AmountToApply:    apply,
		RemainingPayment: math.Max(0, p.Amount-apply),
		RemainingInvoice: math.Max(0, inv.AmountDue-apply),
		Details:          details,
	}, true
}

func referenceScore(p models.Payment, inv models.Invoice) float64 {
	paymentText := strings.ToUpper(strings.TrimSpace(p.Reference + " " + p.Memo))
	number := strings.ToUpper(inv.InvoiceNumber)
	ref := strings.ToUpper(inv.Reference)

	if number != "" && strings.Contains(paymentText, number) {
		return 0.95
	}
	if pRef := strings.ToUpper(strings.TrimSpace(p.Reference)); pRef != "" {
		if strings.Contains(number+" "+ref, pRef) {
			return 0.95
		}
	}

	score := PartialRatio(paymentText, number)
	if ref != "" {
		if s := PartialRatio(paymentText, ref); s > score {
			score = s
		}
	}
	return score
}

// SortRules orders rules by ascending priority, name as tie-break for
// determinism.
func SortRules(rules []Rule) []Rule {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})
	return sorted
}

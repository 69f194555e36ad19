package matching

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/lexure-intelligence/cash-application/internal/models"
)

// StatsSink counts rule usage. The matcher is pure; the sink is injected
// and owned by the orchestrator.
type StatsSink interface {
	RuleMatched(rule string)
}

// NopStats discards rule-usage counts.
type NopStats struct{}

func (NopStats) RuleMatched(string) {}

const splitConfidencePenalty = 0.9

// Matcher applies rules in priority order across payments × invoices and
// resolves splits and consolidations. It is deterministic in (rules,
// payments, invoices, snapshot): inputs are canonically sorted by id and
// no clock or randomness is consulted.
type Matcher struct {
	rules     []Rule
	eval      *Evaluator
	version   int
	logger    *zap.Logger
	stats     StatsSink
	phoneRule CountryPhoneRule
}

// NewMatcher binds a rule set to a resolver snapshot.
func NewMatcher(rules []Rule, snapshot *Snapshot, phoneRule CountryPhoneRule, logger *zap.Logger, stats StatsSink) *Matcher {
	if stats == nil {
		stats = NopStats{}
	}
	return &Matcher{
		rules:     SortRules(rules),
		eval:      NewEvaluator(snapshot, phoneRule),
		version:   snapshot.Version,
		logger:    logger,
		stats:     stats,
		phoneRule: phoneRule,
	}
}

type candidate struct {
	payment models.Payment
	invoice models.Invoice
	match   models.Match
}

// Match runs the full pipeline: priority rules, split detection, then
// consolidation.
func (m *Matcher) Match(payments []models.Payment, invoices []models.Invoice) models.MatchResult {
	remP := sortPayments(payments)
	remI := sortInvoices(invoices)
	invoiceDue := make(map[string]float64, len(remI))
	for _, inv := range remI {
		invoiceDue[inv.ID] = inv.AmountDue
	}
	paymentByID := make(map[string]models.Payment, len(remP))
	for _, p := range remP {
		paymentByID[p.ID] = p
	}

	var matches []models.Match

	for _, rule := range m.rules {
		m.logger.Debug("applying rule", zap.String("rule", rule.Name))
		for {
			winners := m.awardRound(rule, remP, remI)
			if len(winners) == 0 {
				break
			}
			for _, w := range winners {
				matches = append(matches, w.match)
				m.stats.RuleMatched(rule.Name)
				remP = removePayment(remP, w.payment.ID)
				if w.match.RemainingInvoice > 0 {
					// Partially-settled invoices stay in the pool at
					// their open balance so further payments can land on
					// them; the consolidation pass merges the results.
					remI = reduceInvoice(remI, w.invoice.ID, w.match.RemainingInvoice)
				} else {
					remI = removeInvoice(remI, w.invoice.ID)
				}
			}
		}
	}

	matches, _ = m.detectSplits(matches, remI, paymentByID)
	matches = m.consolidate(matches, invoiceDue)

	result := models.MatchResult{
		Status:          models.MatchStatusUnmatched,
		Matches:         matches,
		ResolverVersion: m.version,
	}
	if len(matches) > 0 {
		result.Status = models.MatchStatusMatched
	}

	matchedP := make(map[string]struct{})
	matchedI := make(map[string]struct{})
	for _, match := range matches {
		matchedP[match.PaymentID] = struct{}{}
		for _, ref := range match.PaymentRefs {
			matchedP[ref] = struct{}{}
		}
		matchedI[match.InvoiceID] = struct{}{}
	}
	for _, p := range sortPayments(payments) {
		if _, ok := matchedP[p.ID]; !ok {
			result.UnmatchedPayments = append(result.UnmatchedPayments, p.ID)
		}
	}
	for _, inv := range sortInvoices(invoices) {
		if _, ok := matchedI[inv.ID]; !ok {
			result.UnmatchedInvoices = append(result.UnmatchedInvoices, inv.ID)
		}
	}
	return result
}

// awardRound evaluates one rule across the remaining sets and returns the
// non-conflicting winners: each payment takes its best invoice; when two
// payments want the same invoice the higher-scored payment wins, ties
// broken by lexicographic payment id. Losers get another round.
func (m *Matcher) awardRound(rule Rule, remP []models.Payment, remI []models.Invoice) []candidate {
	best := make(map[string]candidate) // payment id -> best candidate
	var order []string
	for _, p := range remP {
		for _, inv := range remI {
			match, ok := m.eval.Evaluate(p, inv, rule)
			if !ok {
				continue
			}
			cur, seen := best[p.ID]
			if !seen {
				best[p.ID] = candidate{payment: p, invoice: inv, match: match}
				order = append(order, p.ID)
				continue
			}
			if match.Confidence > cur.match.Confidence ||
				(match.Confidence == cur.match.Confidence && inv.ID < cur.invoice.ID) {
				best[p.ID] = candidate{payment: p, invoice: inv, match: match}
			}
		}
	}

	byInvoice := make(map[string]candidate)
	for _, pid := range order {
		c := best[pid]
		cur, taken := byInvoice[c.invoice.ID]
		if !taken {
			byInvoice[c.invoice.ID] = c
			continue
		}
		if c.match.Confidence > cur.match.Confidence ||
			(c.match.Confidence == cur.match.Confidence && c.payment.ID < cur.payment.ID) {
			byInvoice[c.invoice.ID] = c
		}
	}

	var winners []candidate
	for _, pid := range order {
		c := best[pid]
		if w := byInvoice[c.invoice.ID]; w.payment.ID == pid {
			winners = append(winners, c)
		}
	}
	return winners
}

// detectSplits allocates positive payment residuals greedily across the
// still-unmatched invoices, highest confidence first. Every match in a
// split chain carries a `_split` rule suffix and a 10% confidence penalty;
// the final residual rides on the last allocation.
func (m *Matcher) detectSplits(matches []models.Match, remI []models.Invoice, paymentByID map[string]models.Payment) ([]models.Match, []models.Invoice) {
	var out []models.Match
	for _, match := range matches {
		if match.RemainingPayment <= 0 || len(remI) == 0 {
			out = append(out, match)
			continue
		}

		// Residual carries the full payment identity so reference and
		// customer signals can still fire on later invoices.
		residual, known := paymentByID[match.PaymentID]
		if !known {
			out = append(out, match)
			continue
		}
		residual.Amount = match.RemainingPayment

		var allocations []models.Match
		for residual.Amount > 0 && len(remI) > 0 {
			alloc, ok := m.bestResidualMatch(residual, remI)
			if !ok {
				break
			}
			apply := math.Min(residual.Amount, alloc.match.AmountToApply)
			split := alloc.match
			split.RuleName = alloc.match.RuleName + "_split"
			split.Confidence = alloc.match.Confidence * splitConfidencePenalty
			split.AmountToApply = apply
			split.RemainingInvoice = math.Max(0, alloc.invoice.AmountDue-apply)
			split.RemainingPayment = 0
			if split.Details == nil {
				split.Details = map[string]interface{}{}
			}
			split.Details["split_payment"] = true

			residual.Amount = math.Max(0, residual.Amount-apply)
			remI = removeInvoice(remI, alloc.invoice.ID)
			allocations = append(allocations, split)
			m.stats.RuleMatched(split.RuleName)
		}

		if len(allocations) == 0 {
			out = append(out, match)
			continue
		}

		// The original winning match joins the split chain.
		head := match
		head.RuleName = match.RuleName + "_split"
		head.Confidence = match.Confidence * splitConfidencePenalty
		head.RemainingPayment = 0
		if head.Details == nil {
			head.Details = map[string]interface{}{}
		}
		head.Details["split_payment"] = true

		allocations[len(allocations)-1].RemainingPayment = residual.Amount
		out = append(out, head)
		out = append(out, allocations...)
	}
	return out, remI
}

func (m *Matcher) bestResidualMatch(residual models.Payment, remI []models.Invoice) (candidate, bool) {
	var best candidate
	found := false
	for _, rule := range m.rules {
		for _, inv := range remI {
			match, ok := m.eval.Evaluate(residual, inv, rule)
			if !ok {
				continue
			}
			if !found || match.Confidence > best.match.Confidence ||
				(match.Confidence == best.match.Confidence && inv.ID < best.invoice.ID) {
				best = candidate{payment: residual, invoice: inv, match: match}
				found = true
			}
		}
	}
	return best, found
}

// consolidate folds several payments settling one invoice into a single
// logical match: mean confidence, summed application, payment sources in
// PaymentRefs.
func (m *Matcher) consolidate(matches []models.Match, invoiceDue map[string]float64) []models.Match {
	groups := make(map[string][]models.Match)
	var invoiceOrder []string
	for _, match := range matches {
		if _, seen := groups[match.InvoiceID]; !seen {
			invoiceOrder = append(invoiceOrder, match.InvoiceID)
		}
		groups[match.InvoiceID] = append(groups[match.InvoiceID], match)
	}

	var out []models.Match
	for _, invID := range invoiceOrder {
		group := groups[invID]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}

		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Confidence != group[j].Confidence {
				return group[i].Confidence > group[j].Confidence
			}
			return group[i].PaymentID < group[j].PaymentID
		})

		var total, confSum float64
		refs := make([]string, 0, len(group))
		for _, g := range group {
			total += g.AmountToApply
			confSum += g.Confidence
			refs = append(refs, g.PaymentID)
		}

		due := invoiceDue[invID]
		out = append(out, models.Match{
			PaymentID:        group[0].PaymentID,
			PaymentRefs:      refs,
			InvoiceID:        invID,
			RuleName:         group[0].RuleName + "_consolidated",
			Confidence:       confSum / float64(len(group)),
			AmountToApply:    total,
			RemainingPayment: 0,
			RemainingInvoice: math.Max(0, due-total),
			Details: map[string]interface{}{
				"consolidated_payments": len(group),
			},
		})
	}
	return out
}

func sortPayments(in []models.Payment) []models.Payment {
	out := make([]models.Payment, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortInvoices(in []models.Invoice) []models.Invoice {
	out := make([]models.Invoice, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func removePayment(in []models.Payment, id string) []models.Payment {
	out := in[:0]
	for _, p := range in {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

func reduceInvoice(in []models.Invoice, id string, due float64) []models.Invoice {
	for i := range in {
		if in[i].ID == id {
			in[i].AmountDue = due
		}
	}
	return in
}

func removeInvoice(in []models.Invoice, id string) []models.Invoice {
	out := in[:0]
	for _, inv := range in {
		if inv.ID != id {
			out = append(out, inv)
		}
	}
	return out
}

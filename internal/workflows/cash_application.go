package workflows

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lexure-intelligence/cash-application/internal/activity"
	"github.com/lexure-intelligence/cash-application/internal/collaborators"
	"github.com/lexure-intelligence/cash-application/internal/engine"
	"github.com/lexure-intelligence/cash-application/internal/matching"
	"github.com/lexure-intelligence/cash-application/internal/models"
	"github.com/lexure-intelligence/cash-application/internal/retry"
)

// CashApplicationName is the registered workflow name.
const CashApplicationName = "cash_application"

// Step ids of the cash application sequence.
const (
	StepExtractDocument = "extract_document"
	StepFetchInvoices   = "fetch_invoices"
	StepMatchPayment    = "match_payment"
	StepUpdateERP       = "update_erp"
	StepNotify          = "notify_completion"
	StepRouteManual     = "route_for_manual_review"
)

// Manual review reasons.
const (
	ReasonNoInvoiceIDs   = "no_invoice_ids"
	ReasonMatchingFailed = "matching_failed"
	ReasonWorkflowError  = "workflow_error"
)

var (
	extractPolicy = retry.Policy{InitialInterval: time.Second, MaximumInterval: time.Minute, BackoffCoefficient: 2.0, MaximumAttempts: 3}
	fetchPolicy   = retry.Policy{InitialInterval: 2 * time.Second, MaximumInterval: 2 * time.Minute, BackoffCoefficient: 2.0, MaximumAttempts: 5}
	matchPolicy   = retry.Policy{InitialInterval: time.Second, MaximumInterval: time.Minute, BackoffCoefficient: 2.0, MaximumAttempts: 2}
	erpPolicy     = retry.Policy{InitialInterval: 5 * time.Second, MaximumInterval: 3 * time.Minute, BackoffCoefficient: 2.0, MaximumAttempts: 3}
	notifyPolicy  = retry.Policy{InitialInterval: time.Second, MaximumInterval: time.Minute, BackoffCoefficient: 2.0, MaximumAttempts: 3}
	reviewPolicy  = retry.Policy{InitialInterval: time.Second, MaximumInterval: 30 * time.Second, BackoffCoefficient: 2.0, MaximumAttempts: 3}
)

// SnapshotSource hands out versioned resolver snapshots so a run matches
// against the same customer tables on every replay.
type SnapshotSource interface {
	SnapshotAt(version int) *matching.Snapshot
}

// CashApplication drives one payment from remittance document to posted
// ERP application. Every side effect goes through a step so a resumed
// run replays instead of re-posting.
type CashApplication struct {
	extractor collaborators.DocumentExtractor
	erp       collaborators.ERPClient
	notifier  collaborators.Notifier
	reviews   collaborators.ManualReviewQueue
	snapshots SnapshotSource
	rules     []matching.Rule
	phoneRule matching.CountryPhoneRule
	stats     matching.StatsSink
	logger    *zap.Logger
}

// NewCashApplication wires the workflow's collaborators.
func NewCashApplication(
	extractor collaborators.DocumentExtractor,
	erp collaborators.ERPClient,
	notifier collaborators.Notifier,
	reviews collaborators.ManualReviewQueue,
	snapshots SnapshotSource,
	rules []matching.Rule,
	phoneRule matching.CountryPhoneRule,
	stats matching.StatsSink,
	logger *zap.Logger,
) *CashApplication {
	return &CashApplication{
		extractor: extractor,
		erp:       erp,
		notifier:  notifier,
		reviews:   reviews,
		snapshots: snapshots,
		rules:     rules,
		phoneRule: phoneRule,
		stats:     stats,
		logger:    logger,
	}
}

func (w *CashApplication) Name() string { return CashApplicationName }

// Result is the terminal document of a completed cash application run.
type Result struct {
	Status       string                           `json:"status"`
	Matching     *models.MatchResult              `json:"matching_result,omitempty"`
	ERP          *collaborators.ApplicationResult `json:"erp_result,omitempty"`
	ReviewReason string                           `json:"review_reason,omitempty"`
}

func (w *CashApplication) Run(rc *engine.RunContext) (json.RawMessage, error) {
	var payment models.Payment
	if err := json.Unmarshal(rc.Payload(), &payment); err != nil {
		return nil, activity.NewError(activity.KindInvalidInput, "run payload is not a payment", err)
	}

	log := w.logger.With(zap.String("run_id", rc.Run().ID), zap.String("payment_id", payment.ID))

	extraction, err := w.extract(rc, payment)
	if err != nil {
		return nil, w.failWithReview(rc, payment, ReasonWorkflowError, err)
	}

	if len(extraction.InvoiceIDs) == 0 {
		log.Warn("no invoice ids extracted, routing for manual review")
		return w.routeManual(rc, payment, ReasonNoInvoiceIDs, nil)
	}

	invoices, err := w.fetchInvoices(rc, payment, extraction.InvoiceIDs)
	if err != nil {
		return nil, w.failWithReview(rc, payment, ReasonWorkflowError, err)
	}

	matchResult, err := w.match(rc, payment, invoices)
	if err != nil {
		return nil, w.failWithReview(rc, payment, ReasonWorkflowError, err)
	}

	if matchResult.Status != models.MatchStatusMatched {
		log.Warn("payment did not match any invoice, routing for manual review")
		details, _ := json.Marshal(matchResult)
		return w.routeManual(rc, payment, ReasonMatchingFailed, details)
	}

	erpResult, err := w.updateERP(rc, payment, matchResult)
	if err != nil {
		return nil, w.failWithReview(rc, payment, ReasonWorkflowError, err)
	}

	if err := w.notify(rc, payment, matchResult); err != nil {
		// Notifications are best-effort once the ledger is updated; a
		// persistent delivery failure must not unwind the application.
		log.Warn("completion notification failed", zap.Error(err))
	}

	log.Info("cash application completed",
		zap.Int("matches", len(matchResult.Matches)),
		zap.Int("applied", erpResult.AppliedCount))

	return marshalResult(Result{Status: "completed", Matching: &matchResult, ERP: &erpResult})
}

func (w *CashApplication) extract(rc *engine.RunContext, payment models.Payment) (collaborators.ExtractResult, error) {
	input, _ := json.Marshal(collaborators.ExtractRequest{
		PaymentID:   payment.ID,
		DocumentRef: payment.DocumentRef,
		Text:        payment.RawRemittance,
	})

	out, err := rc.ExecuteStep(StepExtractDocument, activity.Options{
		StartToClose:     5 * time.Minute,
		HeartbeatTimeout: time.Minute,
	}, extractPolicy, func(ctx context.Context, hb *activity.Heartbeat, in json.RawMessage) (json.RawMessage, error) {
		var req collaborators.ExtractRequest
		if err := json.Unmarshal(in, &req); err != nil {
			return nil, activity.NewError(activity.KindInvalidInput, "bad extract request", err)
		}
		hb.Record("extracting")
		res, err := w.extractor.ExtractInvoiceIDs(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}, input)
	if err != nil {
		return collaborators.ExtractResult{}, err
	}

	var res collaborators.ExtractResult
	if err := json.Unmarshal(out, &res); err != nil {
		return collaborators.ExtractResult{}, activity.NewError(activity.KindEngineInternal, "bad extract result in history", err)
	}
	return res, nil
}

func (w *CashApplication) fetchInvoices(rc *engine.RunContext, payment models.Payment, invoiceIDs []string) ([]models.Invoice, error) {
	input, _ := json.Marshal(invoiceIDs)

	out, err := rc.ExecuteStep(StepFetchInvoices, activity.Options{
		StartToClose: 10 * time.Minute,
	}, fetchPolicy, func(ctx context.Context, _ *activity.Heartbeat, in json.RawMessage) (json.RawMessage, error) {
		var ids []string
		if err := json.Unmarshal(in, &ids); err != nil {
			return nil, activity.NewError(activity.KindInvalidInput, "bad invoice id list", err)
		}
		invoices, err := w.erp.FetchInvoices(ctx, ids)
		if err != nil {
			return nil, err
		}
		return json.Marshal(invoices)
	}, input)
	if err != nil {
		return nil, err
	}

	var invoices []models.Invoice
	if err := json.Unmarshal(out, &invoices); err != nil {
		return nil, activity.NewError(activity.KindEngineInternal, "bad invoice list in history", err)
	}
	return invoices, nil
}

// match runs the matcher inside a step so the outcome lands in history:
// replays read the recorded result instead of re-matching, which keeps
// the run stable even when the customer tables have moved on.
func (w *CashApplication) match(rc *engine.RunContext, payment models.Payment, invoices []models.Invoice) (models.MatchResult, error) {
	type matchInput struct {
		Payment  models.Payment   `json:"payment"`
		Invoices []models.Invoice `json:"invoices"`
	}
	input, _ := json.Marshal(matchInput{Payment: payment, Invoices: invoices})
	version := rc.Run().ResolverVersion

	out, err := rc.ExecuteStep(StepMatchPayment, activity.Options{
		StartToClose: 3 * time.Minute,
	}, matchPolicy, func(_ context.Context, _ *activity.Heartbeat, in json.RawMessage) (json.RawMessage, error) {
		var mi matchInput
		if err := json.Unmarshal(in, &mi); err != nil {
			return nil, activity.NewError(activity.KindInvalidInput, "bad match input", err)
		}
		matcher := matching.NewMatcher(w.rules, w.snapshots.SnapshotAt(version), w.phoneRule, w.logger, w.stats)
		result := matcher.Match([]models.Payment{mi.Payment}, mi.Invoices)
		return json.Marshal(result)
	}, input)
	if err != nil {
		return models.MatchResult{}, err
	}

	var result models.MatchResult
	if err := json.Unmarshal(out, &result); err != nil {
		return models.MatchResult{}, activity.NewError(activity.KindEngineInternal, "bad match result in history", err)
	}
	return result, nil
}

func (w *CashApplication) updateERP(rc *engine.RunContext, payment models.Payment, matchResult models.MatchResult) (collaborators.ApplicationResult, error) {
	req := collaborators.ApplicationRequest{
		RunID:     rc.Run().ID,
		PaymentID: payment.ID,
		ClientID:  payment.ClientID,
		Matches:   matchResult.Matches,
	}
	input, _ := json.Marshal(req)

	out, err := rc.ExecuteStep(StepUpdateERP, activity.Options{
		StartToClose:     15 * time.Minute,
		HeartbeatTimeout: 2 * time.Minute,
	}, erpPolicy, func(ctx context.Context, hb *activity.Heartbeat, in json.RawMessage) (json.RawMessage, error) {
		var r collaborators.ApplicationRequest
		if err := json.Unmarshal(in, &r); err != nil {
			return nil, activity.NewError(activity.KindInvalidInput, "bad application request", err)
		}
		hb.Record("posting application")
		key := keyFromContextStep(rc)
		res, err := w.erp.PostApplication(ctx, key, r)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}, input)
	if err != nil {
		return collaborators.ApplicationResult{}, err
	}

	var res collaborators.ApplicationResult
	if err := json.Unmarshal(out, &res); err != nil {
		return collaborators.ApplicationResult{}, activity.NewError(activity.KindEngineInternal, "bad erp result in history", err)
	}
	return res, nil
}

func (w *CashApplication) notify(rc *engine.RunContext, payment models.Payment, matchResult models.MatchResult) error {
	var appliedTotal float64
	for _, m := range matchResult.Matches {
		appliedTotal += m.AmountToApply
	}
	notice := collaborators.CompletionNotice{
		RunID:        rc.Run().ID,
		PaymentID:    payment.ID,
		ClientID:     payment.ClientID,
		MatchedCount: len(matchResult.Matches),
		AppliedTotal: appliedTotal,
		CompletedAt:  time.Now().UTC(),
	}
	input, _ := json.Marshal(notice)

	_, err := rc.ExecuteStep(StepNotify, activity.Options{
		StartToClose: 5 * time.Minute,
	}, notifyPolicy, func(ctx context.Context, _ *activity.Heartbeat, in json.RawMessage) (json.RawMessage, error) {
		var n collaborators.CompletionNotice
		if err := json.Unmarshal(in, &n); err != nil {
			return nil, activity.NewError(activity.KindInvalidInput, "bad completion notice", err)
		}
		if err := w.notifier.NotifyCompletion(ctx, keyFromContextStep(rc), n); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"sent":true}`), nil
	}, input)
	return err
}

// routeManual enqueues a review ticket through a step and parks the run.
func (w *CashApplication) routeManual(rc *engine.RunContext, payment models.Payment, reason string, details []byte) (json.RawMessage, error) {
	type reviewInput struct {
		Reason  string          `json:"reason"`
		Details json.RawMessage `json:"details,omitempty"`
	}
	input, _ := json.Marshal(reviewInput{Reason: reason, Details: details})

	_, err := rc.ExecuteStep(StepRouteManual, activity.Options{
		StartToClose: 2 * time.Minute,
	}, reviewPolicy, func(ctx context.Context, _ *activity.Heartbeat, in json.RawMessage) (json.RawMessage, error) {
		var ri reviewInput
		if err := json.Unmarshal(in, &ri); err != nil {
			return nil, activity.NewError(activity.KindInvalidInput, "bad review request", err)
		}
		if err := w.reviews.Enqueue(ctx, collaborators.ReviewItem{
			RunID:     rc.Run().ID,
			PaymentID: payment.ID,
			ClientID:  payment.ClientID,
			Reason:    ri.Reason,
			Details:   ri.Details,
		}); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"queued":true}`), nil
	}, input)
	if err != nil {
		return nil, err
	}

	doc, _ := json.Marshal(Result{Status: "manual_review", ReviewReason: reason})
	return nil, &engine.ManualDecision{Reason: reason, Details: doc}
}

// failWithReview enqueues a best-effort review ticket for an unhandled
// step failure, then surfaces the original error. Cancellations pass
// straight through.
func (w *CashApplication) failWithReview(rc *engine.RunContext, payment models.Payment, reason string, cause error) error {
	if activity.KindOf(cause) == activity.KindCancelled {
		return cause
	}
	if err := w.reviews.Enqueue(rc.Context(), collaborators.ReviewItem{
		RunID:     rc.Run().ID,
		PaymentID: payment.ID,
		ClientID:  payment.ClientID,
		Reason:    reason,
		Details:   []byte(`{"error":` + jsonString(cause.Error()) + `}`),
	}); err != nil {
		w.logger.Warn("failed to enqueue review ticket for failed run",
			zap.String("run_id", rc.Run().ID), zap.Error(err))
	}
	return cause
}

func keyFromContextStep(rc *engine.RunContext) string {
	run := rc.Run()
	return activity.IdempotencyKey(run.ID, run.CurrentStep, run.CurrentAttempt)
}

func marshalResult(r Result) (json.RawMessage, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, activity.NewError(activity.KindEngineInternal, "failed to encode run result", err)
	}
	return raw, nil
}

func jsonString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

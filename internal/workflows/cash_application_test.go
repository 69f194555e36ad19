package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lexure-intelligence/cash-application/internal/activity"
	"github.com/lexure-intelligence/cash-application/internal/collaborators"
	"github.com/lexure-intelligence/cash-application/internal/engine"
	"github.com/lexure-intelligence/cash-application/internal/history"
	"github.com/lexure-intelligence/cash-application/internal/matching"
	"github.com/lexure-intelligence/cash-application/internal/models"
)

type fakeExtractor struct {
	result collaborators.ExtractResult
	err    error
}

func (f *fakeExtractor) ExtractInvoiceIDs(context.Context, collaborators.ExtractRequest) (collaborators.ExtractResult, error) {
	return f.result, f.err
}

type fakeERP struct {
	mu        sync.Mutex
	invoices  []models.Invoice
	fetchErr  error
	postCalls int
	postKeys  []string
	limits    []collaborators.CreditLimitUpdate
}

func (f *fakeERP) FetchInvoices(context.Context, []string) ([]models.Invoice, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.invoices, nil
}

func (f *fakeERP) PostApplication(_ context.Context, key string, req collaborators.ApplicationRequest) (collaborators.ApplicationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCalls++
	f.postKeys = append(f.postKeys, key)
	return collaborators.ApplicationResult{AppliedCount: len(req.Matches)}, nil
}

func (f *fakeERP) UpdateCreditLimit(_ context.Context, _ string, update collaborators.CreditLimitUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, update)
	return nil
}

type fakeNotifier struct {
	mu          sync.Mutex
	completions int
	notices     []collaborators.CollectionNotice
	noticeKeys  []string
}

func (f *fakeNotifier) NotifyCompletion(context.Context, string, collaborators.CompletionNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions++
	return nil
}

func (f *fakeNotifier) SendCollectionNotice(_ context.Context, key string, n collaborators.CollectionNotice) (collaborators.NoticeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	f.noticeKeys = append(f.noticeKeys, key)
	return collaborators.NoticeResult{Sent: true, NextAction: "await_payment"}, nil
}

type fakeReviewQueue struct {
	mu    sync.Mutex
	items []collaborators.ReviewItem
}

func (f *fakeReviewQueue) Enqueue(_ context.Context, item collaborators.ReviewItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	return nil
}

func (f *fakeReviewQueue) Open(context.Context, string, int) ([]models.ManualReviewItem, error) {
	return nil, nil
}

func (f *fakeReviewQueue) Resolve(context.Context, string, string) error { return nil }

type workflowHarness struct {
	store     history.Store
	extractor *fakeExtractor
	erp       *fakeERP
	notifier  *fakeNotifier
	reviews   *fakeReviewQueue
	resolver  *matching.AliasResolver
	wf        *CashApplication
}

func newHarness(t *testing.T) *workflowHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, history.AutoMigrate(db))

	h := &workflowHarness{
		store:     history.NewGormStore(db, zap.NewNop()),
		extractor: &fakeExtractor{},
		erp:       &fakeERP{},
		notifier:  &fakeNotifier{},
		reviews:   &fakeReviewQueue{},
		resolver:  matching.NewAliasResolver(matching.KenyaPhoneRule, nil, zap.NewNop(), nil),
	}
	h.wf = NewCashApplication(
		h.extractor, h.erp, h.notifier, h.reviews,
		h.resolver, matching.DefaultRules(), matching.KenyaPhoneRule,
		matching.NopStats{}, zap.NewNop(),
	)
	return h
}

func (h *workflowHarness) newRun(t *testing.T, id string, payment models.Payment) *models.WorkflowRun {
	t.Helper()
	payload, err := json.Marshal(payment)
	require.NoError(t, err)
	run := &models.WorkflowRun{
		ID:              id,
		Name:            CashApplicationName,
		State:           models.RunStateRunning,
		Payload:         payload,
		ResolverVersion: h.resolver.CurrentVersion(),
	}
	_, created, err := h.store.CreateRun(context.Background(), run)
	require.NoError(t, err)
	require.True(t, created)
	return run
}

func (h *workflowHarness) runContext(t *testing.T, run *models.WorkflowRun) *engine.RunContext {
	t.Helper()
	events, err := h.store.Events(context.Background(), run.ID)
	require.NoError(t, err)
	return engine.NewRunContext(context.Background(), run, events, h.store,
		activity.NewInvoker(zap.NewNop()), zap.NewNop())
}

func TestCashApplicationHappyPath(t *testing.T) {
	h := newHarness(t)
	h.extractor.result = collaborators.ExtractResult{InvoiceIDs: []string{"INV-12345"}, Confidence: 0.8}
	h.erp.invoices = []models.Invoice{{ID: "i1", InvoiceNumber: "INV-12345", AmountDue: 1500, Currency: "EUR"}}

	payment := models.Payment{
		ID: "p1", Amount: 1500, Currency: "EUR",
		Reference:     "Payment for INV-12345",
		RawRemittance: "Payment for INV-12345",
	}
	run := h.newRun(t, "run-happy", payment)

	out, err := h.wf.Run(h.runContext(t, run))
	require.NoError(t, err)

	var result Result
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "completed", result.Status)
	require.NotNil(t, result.Matching)
	assert.Equal(t, models.MatchStatusMatched, result.Matching.Status)
	require.NotNil(t, result.ERP)
	assert.Equal(t, 1, result.ERP.AppliedCount)

	assert.Equal(t, 1, h.erp.postCalls)
	require.Len(t, h.erp.postKeys, 1)
	assert.Equal(t, activity.IdempotencyKey("run-happy", StepUpdateERP, 1), h.erp.postKeys[0])
	assert.Equal(t, 1, h.notifier.completions)
	assert.Empty(t, h.reviews.items)
}

func TestCashApplicationNoInvoiceIDsRoutesManual(t *testing.T) {
	h := newHarness(t)
	h.extractor.result = collaborators.ExtractResult{}

	run := h.newRun(t, "run-noids", models.Payment{ID: "p1", Amount: 100, Currency: "EUR", ClientID: "acme"})

	_, err := h.wf.Run(h.runContext(t, run))
	require.Error(t, err)

	var manual *engine.ManualDecision
	require.True(t, errors.As(err, &manual))
	assert.Equal(t, ReasonNoInvoiceIDs, manual.Reason)

	require.Len(t, h.reviews.items, 1)
	assert.Equal(t, "p1", h.reviews.items[0].PaymentID)
	assert.Equal(t, "acme", h.reviews.items[0].ClientID)
	assert.Equal(t, ReasonNoInvoiceIDs, h.reviews.items[0].Reason)
	assert.Zero(t, h.erp.postCalls, "nothing is posted without invoice ids")
}

func TestCashApplicationUnmatchedRoutesManual(t *testing.T) {
	h := newHarness(t)
	h.extractor.result = collaborators.ExtractResult{InvoiceIDs: []string{"INV-99999"}}
	h.erp.invoices = []models.Invoice{{ID: "i9", InvoiceNumber: "INV-99999", AmountDue: 9999, Currency: "USD"}}

	// EUR payment against a USD invoice can never match.
	run := h.newRun(t, "run-unmatched", models.Payment{ID: "p1", Amount: 100, Currency: "EUR"})

	_, err := h.wf.Run(h.runContext(t, run))
	require.Error(t, err)

	var manual *engine.ManualDecision
	require.True(t, errors.As(err, &manual))
	assert.Equal(t, ReasonMatchingFailed, manual.Reason)
	assert.Zero(t, h.erp.postCalls)
}

func TestCashApplicationResumeDoesNotRepostToERP(t *testing.T) {
	h := newHarness(t)
	h.extractor.result = collaborators.ExtractResult{InvoiceIDs: []string{"INV-12345"}}
	h.erp.invoices = []models.Invoice{{ID: "i1", InvoiceNumber: "INV-12345", AmountDue: 1500, Currency: "EUR"}}

	payment := models.Payment{
		ID: "p1", Amount: 1500, Currency: "EUR",
		Reference: "Payment for INV-12345",
	}
	run := h.newRun(t, "run-resume", payment)

	_, err := h.wf.Run(h.runContext(t, run))
	require.NoError(t, err)
	require.Equal(t, 1, h.erp.postCalls)
	require.Equal(t, 1, h.notifier.completions)

	// A second worker picking the run up replays every recorded step;
	// no collaborator sees a second call.
	out, err := h.wf.Run(h.runContext(t, run))
	require.NoError(t, err)

	var result Result
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, 1, h.erp.postCalls, "ledger post must not repeat on resume")
	assert.Equal(t, 1, h.notifier.completions, "completion notice must not repeat on resume")
}

func TestCashApplicationFetchFailureRoutesWorkflowError(t *testing.T) {
	h := newHarness(t)
	h.extractor.result = collaborators.ExtractResult{InvoiceIDs: []string{"GHOST-1"}}
	h.erp.fetchErr = activity.Permanent("none of 1 invoice ids exist in the ERP", nil)

	run := h.newRun(t, "run-badfetch", models.Payment{ID: "p1", Amount: 100, Currency: "EUR"})

	_, err := h.wf.Run(h.runContext(t, run))
	require.Error(t, err)
	assert.Equal(t, activity.KindPermanent, activity.KindOf(err))

	require.Len(t, h.reviews.items, 1)
	assert.Equal(t, ReasonWorkflowError, h.reviews.items[0].Reason)
}

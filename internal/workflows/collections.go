package workflows

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lexure-intelligence/cash-application/internal/activity"
	"github.com/lexure-intelligence/cash-application/internal/collaborators"
	"github.com/lexure-intelligence/cash-application/internal/engine"
	"github.com/lexure-intelligence/cash-application/internal/retry"
)

// CollectionsName is the registered workflow name.
const CollectionsName = "collections"

var noticePolicy = retry.Policy{InitialInterval: time.Second, MaximumInterval: time.Minute, BackoffCoefficient: 2.0, MaximumAttempts: 3}

// noticePacing spaces consecutive dunning sends so a large batch does
// not hammer the delivery channel.
const noticePacing = time.Second

// Collections sends dunning notices for a batch of overdue invoices,
// one step per invoice so a resumed run skips what was already sent.
type Collections struct {
	notifier collaborators.Notifier
	logger   *zap.Logger
}

// NewCollections wires the collections workflow.
func NewCollections(notifier collaborators.Notifier, logger *zap.Logger) *Collections {
	return &Collections{notifier: notifier, logger: logger}
}

func (w *Collections) Name() string { return CollectionsName }

// CollectionsResult summarizes one collections batch.
type CollectionsResult struct {
	Status         string                  `json:"status"`
	ProcessedCount int                     `json:"processed_count"`
	Results        []CollectionItemOutcome `json:"results"`
}

// CollectionItemOutcome is one invoice's dunning outcome.
type CollectionItemOutcome struct {
	InvoiceID  string `json:"invoice_id"`
	NoticeSent bool   `json:"notice_sent"`
	NextAction string `json:"next_action,omitempty"`
}

func (w *Collections) Run(rc *engine.RunContext) (json.RawMessage, error) {
	var notices []collaborators.CollectionNotice
	if err := json.Unmarshal(rc.Payload(), &notices); err != nil {
		return nil, activity.NewError(activity.KindInvalidInput, "run payload is not an overdue invoice batch", err)
	}

	outcomes := make([]CollectionItemOutcome, 0, len(notices))
	for i, notice := range notices {
		res, err := w.sendNotice(rc, notice)
		if err != nil {
			if activity.KindOf(err) == activity.KindCancelled {
				return nil, err
			}
			// One undeliverable notice does not sink the batch.
			w.logger.Warn("collection notice failed",
				zap.String("invoice_id", notice.InvoiceID), zap.Error(err))
			outcomes = append(outcomes, CollectionItemOutcome{InvoiceID: notice.InvoiceID})
			continue
		}
		outcomes = append(outcomes, CollectionItemOutcome{
			InvoiceID:  notice.InvoiceID,
			NoticeSent: res.Sent,
			NextAction: res.NextAction,
		})

		if i < len(notices)-1 {
			if err := rc.Sleep(noticePacing); err != nil {
				return nil, err
			}
		}
	}

	raw, err := json.Marshal(CollectionsResult{
		Status:         "completed",
		ProcessedCount: len(notices),
		Results:        outcomes,
	})
	if err != nil {
		return nil, activity.NewError(activity.KindEngineInternal, "failed to encode collections result", err)
	}
	return raw, nil
}

func (w *Collections) sendNotice(rc *engine.RunContext, notice collaborators.CollectionNotice) (collaborators.NoticeResult, error) {
	input, _ := json.Marshal(notice)
	stepID := "send_collection_notice/" + notice.InvoiceID

	out, err := rc.ExecuteStep(stepID, activity.Options{
		StartToClose: 3 * time.Minute,
	}, noticePolicy, func(ctx context.Context, _ *activity.Heartbeat, in json.RawMessage) (json.RawMessage, error) {
		var n collaborators.CollectionNotice
		if err := json.Unmarshal(in, &n); err != nil {
			return nil, activity.NewError(activity.KindInvalidInput, "bad collection notice", err)
		}
		res, err := w.notifier.SendCollectionNotice(ctx, keyFromContextStep(rc), n)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}, input)
	if err != nil {
		return collaborators.NoticeResult{}, err
	}

	var res collaborators.NoticeResult
	if err := json.Unmarshal(out, &res); err != nil {
		return collaborators.NoticeResult{}, activity.NewError(activity.KindEngineInternal, "bad notice result in history", err)
	}
	return res, nil
}

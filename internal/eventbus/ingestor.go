package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lexure-intelligence/cash-application/internal/orchestrator"
	"github.com/lexure-intelligence/cash-application/internal/workflows"
)

// IncomingPayment is the bank-feed message shape on payments.incoming.
type IncomingPayment struct {
	ClientID string          `json:"client_id"`
	Payment  json.RawMessage `json:"payment"`
}

// Ingestor turns bank-feed messages into cash application runs. Messages
// that fail admission stay unacknowledged and come back on redelivery,
// so an overloaded orchestrator sheds load without losing payments.
type Ingestor struct {
	bus    Bus
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
	sub    Subscription
}

// NewIngestor wires the ingestor to the bus and orchestrator.
func NewIngestor(bus Bus, orch *orchestrator.Orchestrator, logger *zap.Logger) *Ingestor {
	return &Ingestor{bus: bus, orch: orch, logger: logger}
}

// Start subscribes to the incoming payment stream.
func (i *Ingestor) Start(ctx context.Context) error {
	sub, err := i.bus.Subscribe(ctx, TopicPaymentsIncoming, i.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", TopicPaymentsIncoming, err)
	}
	i.sub = sub
	return nil
}

// Stop detaches from the stream.
func (i *Ingestor) Stop() {
	if i.sub != nil {
		_ = i.sub.Unsubscribe()
	}
}

func (i *Ingestor) handle(ctx context.Context, payload json.RawMessage) error {
	var msg IncomingPayment
	if err := json.Unmarshal(payload, &msg); err != nil || len(msg.Payment) == 0 {
		// Malformed feed messages are acknowledged and dropped; redelivery
		// would never make them parseable.
		i.logger.Error("dropping malformed payment message", zap.Error(err))
		return nil
	}

	resp, err := i.orch.Start(ctx, orchestrator.StartRequest{
		Workflow: workflows.CashApplicationName,
		ClientID: msg.ClientID,
		Payload:  msg.Payment,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrOverloaded) {
			return err
		}
		i.logger.Error("dropping unprocessable payment message", zap.Error(err))
		return nil
	}

	if !resp.Created {
		i.logger.Info("redelivered payment collapsed onto existing run",
			zap.String("run_id", resp.Run.ID))
	}
	return nil
}

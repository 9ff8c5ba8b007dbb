package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/msglist/internal/bus"
	"github.com/matheus3301/msglist/internal/store"
	"go.uber.org/zap"
)

// Queue persists receipts for delivery.
type Queue interface {
	QueueReceipt(outboxID string, r store.ViewReceipt) error
}

// Dispatcher hands view receipts to the outbox. Delivery happens later in
// the Sender, so SendViewReceipt only fails when the queue write fails.
type Dispatcher struct {
	queue  Queue
	bus    *bus.Bus
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher. bus may be nil.
func NewDispatcher(q Queue, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: q, bus: b, logger: logger}
}

// SendViewReceipt queues a receipt under a fresh outbox id.
func (d *Dispatcher) SendViewReceipt(_ context.Context, r store.ViewReceipt) error {
	id := uuid.NewString()
	if err := d.queue.QueueReceipt(id, r); err != nil {
		return fmt.Errorf("queue receipt for %s: %w", r.MessageID, err)
	}
	d.logger.Debug("view receipt queued", zap.String("outbox_id", id), zap.String("msg_id", r.MessageID))
	if d.bus != nil {
		d.bus.Emit(bus.KindReceiptQueued, bus.ReceiptPayload{OutboxID: id, Receipt: r})
	}
	return nil
}

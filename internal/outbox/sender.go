package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/msglist/internal/bus"
	"github.com/matheus3301/msglist/internal/metrics"
	"github.com/matheus3301/msglist/internal/store"
	"go.uber.org/zap"
)

// Transport delivers one view receipt to the message author.
type Transport interface {
	DeliverReceipt(ctx context.Context, r store.ViewReceipt) error
}

// Sender drains the receipt outbox through a Transport.
type Sender struct {
	db        *store.DB
	transport Transport
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, t Transport, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, interval time.Duration) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Sender{
		db:        db,
		transport: t,
		bus:       b,
		metrics:   m,
		logger:    logger,
		interval:  interval,
	}
}

// Start begins polling the outbox for pending receipts.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for the current pass.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending delivers every queued receipt once and returns how many were sent.
func (s *Sender) ProcessPending(ctx context.Context) int {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return 0
	}

	sent := 0
	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.OutboxID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("outbox_id", entry.OutboxID))
			continue
		}
		receipt := store.ViewReceipt{
			MessageID: entry.MessageID,
			RoomID:    entry.RoomID,
			AuthorID:  entry.AuthorID,
			Position:  entry.Position,
		}

		if err := s.transport.DeliverReceipt(ctx, receipt); err != nil {
			s.logger.Error("failed to deliver receipt", zap.Error(err), zap.String("outbox_id", entry.OutboxID))
			_ = s.db.MarkOutboxFailed(entry.OutboxID, err.Error())
			s.metrics.Receipt("delivery_failed")
			s.emit(bus.KindReceiptFailed, entry.OutboxID, receipt, err.Error())
			continue
		}

		if err := s.db.MarkOutboxSent(entry.OutboxID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("outbox_id", entry.OutboxID))
		}
		sent++
		s.metrics.Receipt("delivered")
		s.logger.Info("view receipt delivered", zap.String("outbox_id", entry.OutboxID), zap.String("msg_id", entry.MessageID))
		s.emit(bus.KindReceiptSent, entry.OutboxID, receipt, "")
	}
	return sent
}

func (s *Sender) emit(kind, outboxID string, r store.ViewReceipt, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(kind, bus.ReceiptPayload{OutboxID: outboxID, Receipt: r, Err: errMsg})
}

// LogTransport records receipts in the log. It stands in for the network
// client, which lives outside this module.
type LogTransport struct {
	Logger *zap.Logger
}

// DeliverReceipt implements Transport.
func (t LogTransport) DeliverReceipt(_ context.Context, r store.ViewReceipt) error {
	if t.Logger != nil {
		t.Logger.Info("view receipt",
			zap.String("room", r.RoomID),
			zap.String("msg_id", r.MessageID),
			zap.String("author", r.AuthorID),
			zap.Int64("position", r.Position))
	}
	return nil
}

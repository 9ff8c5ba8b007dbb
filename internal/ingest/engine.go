// Package ingest writes incoming messages to the store and turns store
// changes made by other processes into bus events.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/msglist/internal/bus"
	"github.com/matheus3301/msglist/internal/store"
	"go.uber.org/zap"
)

// Engine handles idempotent ingestion of messages into the store.
// It subscribes to "live." events on the bus and processes them.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a new ingest engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to live message events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("live.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	if evt.Kind != bus.KindLiveMessage {
		return
	}
	p, ok := evt.Payload.(bus.MessagePayload)
	if !ok {
		return
	}
	msg := p.Message
	if err := e.IngestMessage(&msg); err != nil {
		e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.ID))
	}
}

// IngestMessage stores a single message (idempotent on id) and announces it.
// A zero order key is replaced by the next key of the room.
func (e *Engine) IngestMessage(msg *store.Message) error {
	if msg.RoomID == "" {
		return fmt.Errorf("ingest %q: missing room", msg.ID)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt == 0 {
		msg.SentAt = time.Now().UnixMilli()
	}
	if msg.OrderKey == 0 {
		key, err := e.db.NextOrderKey(msg.RoomID)
		if err != nil {
			return fmt.Errorf("next order key: %w", err)
		}
		msg.OrderKey = key
	}

	room, err := e.db.GetRoom(msg.RoomID)
	if err != nil {
		return fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		if err := e.db.UpsertRoom(&store.Room{ID: msg.RoomID}); err != nil {
			return fmt.Errorf("upsert room: %w", err)
		}
	}

	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	e.bus.Emit(bus.KindMessageUpserted, bus.MessagePayload{Message: *msg})
	return nil
}

// IngestBatch stores a batch of messages in one transaction. Messages keep
// the order keys they carry. Rooms missing from the store are created.
func (e *Engine) IngestBatch(ctx context.Context, msgs []store.Message) (int, error) {
	if err := e.db.UpsertMessages(ctx, msgs); err != nil {
		return 0, fmt.Errorf("ingest batch: %w", err)
	}
	for _, m := range msgs {
		e.bus.Emit(bus.KindMessageUpserted, bus.MessagePayload{Message: m})
	}
	e.logger.Info("batch ingested", zap.Int("messages", len(msgs)))
	return len(msgs), nil
}

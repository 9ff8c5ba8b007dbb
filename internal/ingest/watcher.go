package ingest

import (
	"context"
	"time"

	"github.com/matheus3301/msglist/internal/bus"
	"github.com/matheus3301/msglist/internal/store"
	"go.uber.org/zap"
)

const watchBatch = 500

// Watcher polls the store change logs and publishes what other processes
// wrote: message.upserted, message.deleted and read.changed.
type Watcher struct {
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	cursor   store.Cursor
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher creates a watcher polling every interval.
func NewWatcher(db *store.DB, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{db: db, bus: b, logger: logger, interval: interval}
}

// Start records the current heads of the change logs and begins polling.
// Changes made before Start are not published.
func (w *Watcher) Start(ctx context.Context) error {
	cur, err := w.db.Cursor(ctx)
	if err != nil {
		return err
	}
	w.cursor = cur
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

// Stop stops polling and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("watch poll failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Poll publishes every change past the cursor and returns how many events
// were emitted. It is not safe to call concurrently with the loop.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	head, err := w.db.Cursor(ctx)
	if err != nil {
		return 0, err
	}
	if head == w.cursor {
		return 0, nil
	}
	emitted := 0

	for w.cursor.MessageRev < head.MessageRev {
		msgs, rev, err := w.db.MessagesSince(ctx, w.cursor.MessageRev, watchBatch)
		if err != nil {
			return emitted, err
		}
		for _, m := range msgs {
			w.bus.Emit(bus.KindMessageUpserted, bus.MessagePayload{Message: m})
			emitted++
		}
		if len(msgs) == 0 {
			// Rows above the cursor were deleted or rewritten to a higher rev.
			rev = head.MessageRev
		}
		w.cursor.MessageRev = rev
	}

	if w.cursor.DeletionSeq < head.DeletionSeq {
		dels, err := w.db.DeletionsSince(ctx, w.cursor.DeletionSeq)
		if err != nil {
			return emitted, err
		}
		byRoom := make(map[string][]string)
		var order []string
		for _, d := range dels {
			if _, ok := byRoom[d.RoomID]; !ok {
				order = append(order, d.RoomID)
			}
			byRoom[d.RoomID] = append(byRoom[d.RoomID], d.MessageID)
			w.cursor.DeletionSeq = max(w.cursor.DeletionSeq, d.Seq)
		}
		for _, room := range order {
			w.bus.Emit(bus.KindMessageDeleted, bus.DeletedPayload{RoomID: room, IDs: byRoom[room]})
			emitted++
		}
	}

	if w.cursor.ReadRev < head.ReadRev {
		infos, rev, err := w.db.ReadPositionsSince(ctx, w.cursor.ReadRev)
		if err != nil {
			return emitted, err
		}
		for _, info := range infos {
			w.bus.Emit(bus.KindReadChanged, bus.ReadPayload{Info: info})
			emitted++
		}
		w.cursor.ReadRev = rev
	}

	if emitted > 0 {
		w.logger.Debug("store changes published", zap.Int("events", emitted))
	}
	return emitted, nil
}

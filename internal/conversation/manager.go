package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/msglist/internal/bus"
	"github.com/matheus3301/msglist/internal/confidential"
	"github.com/matheus3301/msglist/internal/contacts"
	"github.com/matheus3301/msglist/internal/metrics"
	"github.com/matheus3301/msglist/internal/readinfo"
	"github.com/matheus3301/msglist/internal/selection"
	"github.com/matheus3301/msglist/internal/store"
	"github.com/matheus3301/msglist/internal/window"
	"go.uber.org/zap"
)

// DefaultNearEdge is how many rows from an edge trigger the next page load.
const DefaultNearEdge = 3

// Options tunes the sessions a Manager opens.
type Options struct {
	SelfID    string
	PageSize  int
	MaxWindow int
	NearEdge  int
	Location  *time.Location
}

// Manager opens conversations over shared, process-scoped components.
type Manager struct {
	db      *store.DB
	bus     *bus.Bus
	conf    *confidential.Tracker
	names   *contacts.Cache
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options
}

// NewManager creates a manager. metrics and logger may be nil.
func NewManager(db *store.DB, b *bus.Bus, conf *confidential.Tracker, names *contacts.Cache,
	m *metrics.Metrics, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.NearEdge <= 0 {
		opts.NearEdge = DefaultNearEdge
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Manager{db: db, bus: b, conf: conf, names: names, metrics: m, logger: logger, opts: opts}
}

// Open builds a session for roomID scoped to ctx. The first frame is
// positioned on the viewer's first unread message.
func (m *Manager) Open(ctx context.Context, roomID string) (*Session, error) {
	logger := m.logger.With(zap.String("room", roomID))
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		roomID:   roomID,
		selfID:   m.opts.SelfID,
		nearEdge: m.opts.NearEdge,
		loc:      m.opts.Location,
		win:      window.New(roomID, m.db, window.Options{PageSize: m.opts.PageSize, MaxSize: m.opts.MaxWindow}),
		reads:    readinfo.New(roomID, m.opts.SelfID, m.db, m.bus, logger),
		sel:      selection.New(roomID, m.db),
		conf:     m.conf,
		names:    m.names,
		bus:      m.bus,
		metrics:  m.metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan event, 64),
		out:      make(chan Snapshot),
		done:     make(chan struct{}),
	}
	if err := s.start(); err != nil {
		cancel()
		return nil, fmt.Errorf("open %s: %w", roomID, err)
	}
	logger.Info("conversation opened")
	return s, nil
}

package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/askqwen/gptuidemo/internal/completion"
	"github.com/askqwen/gptuidemo/internal/events"
)

// StoreFactory returns the chat store scoped to clientID.
type StoreFactory func(clientID string) Store

type HubConfig struct {
	Stores       StoreFactory
	Handoffs     HandoffTaker
	Completer    completion.Client
	Bus          *events.Bus
	Logger       *zap.Logger
	DefaultModel string
	Models       []string
	Now          func() time.Time
	// IdleTimeout is how long an unused controller stays mounted. Zero
	// keeps controllers until Close.
	IdleTimeout time.Duration
	// OnClose runs after a client's controller is closed.
	OnClose func(clientID string)
}

// DefaultSweepInterval is how often StartJanitor looks for idle controllers.
const DefaultSweepInterval = time.Minute

type hubEntry struct {
	ctrl     *Controller
	lastUsed time.Time
}

// Hub keeps one Controller per client id.
type Hub struct {
	cfg         HubConfig
	now         func() time.Time
	mu          sync.Mutex
	controllers map[string]*hubEntry
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Hub{cfg: cfg, now: now, controllers: make(map[string]*hubEntry)}
}

// Get returns the controller of clientID, creating it on first use. A new
// controller resumes the client's current chat, so a client whose view was
// retired for idleness continues where it left off.
func (h *Hub) Get(clientID string) *Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.controllers[clientID]; ok {
		e.lastUsed = h.now()
		return e.ctrl
	}
	c := New(Config{
		ClientID:     clientID,
		Store:        h.Store(clientID),
		Handoffs:     h.cfg.Handoffs,
		Completer:    h.cfg.Completer,
		Bus:          h.cfg.Bus,
		Logger:       h.cfg.Logger,
		DefaultModel: h.cfg.DefaultModel,
		Models:       h.cfg.Models,
		Now:          h.cfg.Now,
	})
	c.restore(context.Background())
	h.controllers[clientID] = &hubEntry{ctrl: c, lastUsed: h.now()}
	return c
}

// Store returns the chat store of clientID.
func (h *Hub) Store(clientID string) Store {
	if h.cfg.Stores == nil {
		return nil
	}
	return h.cfg.Stores(clientID)
}

// Bus returns the signal bus shared by the controllers.
func (h *Hub) Bus() *events.Bus {
	return h.cfg.Bus
}

// Close unmounts the controller of clientID, if any.
func (h *Hub) Close(clientID string) {
	h.mu.Lock()
	e, ok := h.controllers[clientID]
	delete(h.controllers, clientID)
	h.mu.Unlock()
	if ok {
		h.retire(clientID, e.ctrl)
	}
}

func (h *Hub) retire(clientID string, c *Controller) {
	c.Close()
	if h.cfg.OnClose != nil {
		h.cfg.OnClose(clientID)
	}
}

// CloseAll unmounts every controller.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.controllers))
	for id := range h.controllers {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Close(id)
	}
}

// Sweep closes controllers unused for longer than IdleTimeout. Controllers
// waiting for a reply, or whose client has an open event stream, are kept.
func (h *Hub) Sweep() int {
	if h.cfg.IdleTimeout <= 0 {
		return 0
	}
	now := h.now()
	stale := make(map[string]*Controller)

	h.mu.Lock()
	for id, e := range h.controllers {
		if now.Sub(e.lastUsed) < h.cfg.IdleTimeout {
			continue
		}
		if e.ctrl.State().Loading || h.watched(id) {
			continue
		}
		stale[id] = e.ctrl
		delete(h.controllers, id)
	}
	h.mu.Unlock()

	for id, c := range stale {
		h.retire(id, c)
	}
	if len(stale) > 0 {
		h.cfg.Logger.Debug("retired idle chat views", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// watched reports whether anything besides the controller listens for the
// client's signals.
func (h *Hub) watched(clientID string) bool {
	return h.cfg.Bus != nil && h.cfg.Bus.Subscribers(clientID) > 1
}

// StartJanitor runs Sweep every interval until ctx is done.
func (h *Hub) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Sweep()
			}
		}
	}()
}

// Len returns the number of mounted controllers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.controllers)
}

// Package session keeps the live state of a chat view in step with the chat
// store, landing handoffs and new-chat/load-chat signals.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/askqwen/gptuidemo/internal/completion"
	"github.com/askqwen/gptuidemo/internal/events"
	"github.com/askqwen/gptuidemo/internal/handoff"
	"github.com/askqwen/gptuidemo/internal/models"
	"github.com/askqwen/gptuidemo/internal/storage"
)

// Config wires a Controller to its collaborators.
type Config struct {
	ClientID     string
	Store        Store
	Handoffs     HandoffTaker
	Completer    completion.Client
	Bus          *events.Bus
	Logger       *zap.Logger
	DefaultModel string
	// Models lists the selectable model ids. Empty accepts any id.
	Models []string
	Now    func() time.Time
}

// tag identifies the view a request was issued for.
type tag struct {
	chatID string
	epoch  uint64
}

// Controller owns one client's chat view. It never holds its lock across a
// completion call.
type Controller struct {
	clientID  string
	store     Store
	handoffs  HandoffTaker
	completer completion.Client
	bus       *events.Bus
	logger    *zap.Logger
	now       func() time.Time
	models    map[string]struct{}
	defModel  string

	mu        sync.Mutex
	chatID    string
	createdAt time.Time
	messages  []models.ChatMessage
	model     string
	epoch     uint64
	pending   int
	closed    bool

	unsubscribe func()
}

// New builds a controller and subscribes it to the client's signals.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		clientID:  cfg.ClientID,
		store:     cfg.Store,
		handoffs:  cfg.Handoffs,
		completer: cfg.Completer,
		bus:       cfg.Bus,
		logger:    logger.With(zap.String("client", cfg.ClientID)),
		now:       now,
		model:     cfg.DefaultModel,
		defModel:  cfg.DefaultModel,
		messages:  make([]models.ChatMessage, 0),
	}
	if len(cfg.Models) > 0 {
		c.models = make(map[string]struct{}, len(cfg.Models))
		for _, id := range cfg.Models {
			c.models[id] = struct{}{}
		}
	}
	if c.bus != nil {
		c.unsubscribe = c.bus.Subscribe(c.clientID, c.handleSignal)
	}
	return c
}

func (c *Controller) handleSignal(s events.Signal) {
	ctx := context.Background()
	switch sig := s.(type) {
	case events.NewChat:
		c.NewChat(ctx)
	case events.LoadChat:
		c.LoadChat(ctx, sig.Chat)
	case events.ChatsUpdated:
		// history refreshes are for the sidebar
	}
}

// Mount initialises the view. A handoff token that resolves starts a new
// conversation with its message; otherwise the current chat is restored
// from the store.
func (c *Controller) Mount(ctx context.Context, handoffToken string) (State, *TurnResult, error) {
	if pending, ok := c.takeHandoff(ctx, handoffToken); ok {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return State{}, nil, ErrClosed
		}
		c.resetLocked(ctx)
		if pending.Model != "" {
			c.model = pending.Model
		}
		c.startChatLocked(ctx)
		t, req, saved := c.appendUserLocked(ctx, pending.Message)
		c.mu.Unlock()
		if saved {
			c.publishChatsUpdated()
		}

		turn := c.runTurn(ctx, t, req)
		return c.State(), &turn, nil
	}

	c.restore(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return State{}, nil, ErrClosed
	}
	return c.stateLocked(), nil, nil
}

// takeHandoff consumes token. Lookup failures fall back to a plain mount.
func (c *Controller) takeHandoff(ctx context.Context, token string) (handoff.Pending, bool) {
	if token == "" || c.handoffs == nil {
		return handoff.Pending{}, false
	}
	p, ok, err := c.handoffs.Take(ctx, token)
	if err != nil {
		c.logger.Warn("take handoff failed", zap.Error(err))
		return handoff.Pending{}, false
	}
	if !ok || p.Empty() {
		return handoff.Pending{}, false
	}
	return p, true
}

// restore loads the chat named by the current pointer. A view already
// showing that chat is left alone.
func (c *Controller) restore(ctx context.Context) {
	if c.store == nil {
		return
	}
	id, ok, err := c.store.GetCurrentChatID(ctx)
	if err != nil {
		c.logger.Warn("read current chat failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	c.mu.Lock()
	showing := c.chatID == id
	c.mu.Unlock()
	if showing {
		return
	}

	chat, err := c.store.GetChat(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrChatNotFound) {
			c.logger.Warn("restore chat failed", zap.String("chat", id), zap.Error(err))
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.epoch++
	c.pending = 0
	c.applyChatLocked(chat)
}

// Submit runs one user turn and blocks until the reply is appended or
// discarded.
func (c *Controller) Submit(ctx context.Context, in Input) (TurnResult, error) {
	if in.empty() {
		return TurnResult{Skipped: true}, nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return TurnResult{}, ErrClosed
	}
	if c.chatID == "" {
		c.startChatLocked(ctx)
	}
	t, req, saved := c.appendUserLocked(ctx, in.Text)
	c.mu.Unlock()
	if saved {
		c.publishChatsUpdated()
	}

	return c.runTurn(ctx, t, req), nil
}

// NewChat resets the view to an empty conversation and clears the current
// pointer. Outstanding replies are discarded when they arrive.
func (c *Controller) NewChat(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.resetLocked(ctx)
}

// LoadChat replaces the view with chat and makes it current.
func (c *Controller) LoadChat(ctx context.Context, chat models.Chat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.epoch++
	c.pending = 0
	c.applyChatLocked(chat)
	c.setCurrentLocked(ctx, chat.ID)
}

// SetModel switches the model used by later turns.
func (c *Controller) SetModel(model string) error {
	if model == "" {
		return ErrUnknownModel
	}
	if c.models != nil {
		if _, ok := c.models[model]; !ok {
			return ErrUnknownModel
		}
	}
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
	return nil
}

// State returns a snapshot of the view.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Close unsubscribes from signals. Replies arriving later are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.epoch++
	c.pending = 0
	unsubscribe := c.unsubscribe
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Controller) runTurn(ctx context.Context, t tag, req completion.Request) TurnResult {
	failed := false
	// a caller going away does not cancel the turn; the transport timeout bounds it
	reply, err := c.completer.Complete(context.WithoutCancel(ctx), req)
	if err != nil {
		c.logger.Warn("completion failed", zap.String("chat", t.chatID), zap.String("model", req.Model), zap.Error(err))
		reply = failureMessage(err)
		failed = true
	}

	c.mu.Lock()
	if c.closed || c.currentTagLocked() != t {
		c.mu.Unlock()
		c.logger.Debug("discarding reply for superseded view", zap.String("chat", t.chatID))
		return TurnResult{ChatID: t.chatID, Discarded: true}
	}
	msg := models.ChatMessage{Role: models.RoleAssistant, Content: reply, Timestamp: c.stampLocked()}
	c.messages = append(c.messages, msg)
	if c.pending > 0 {
		c.pending--
	}
	saved := c.persistLocked(context.WithoutCancel(ctx))
	c.mu.Unlock()

	if saved {
		c.publishChatsUpdated()
	}
	return TurnResult{ChatID: t.chatID, Failed: failed, Reply: &msg}
}

// appendUserLocked appends the user message, persists it and returns the
// request for the turn. saved reports whether the chat was persisted.
func (c *Controller) appendUserLocked(ctx context.Context, text string) (t tag, req completion.Request, saved bool) {
	c.messages = append(c.messages, models.ChatMessage{
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: c.stampLocked(),
	})
	c.pending++

	req = completion.Request{
		ClientID: c.clientID,
		Messages: make([]completion.Message, 0, len(c.messages)),
		Model:    c.model,
	}
	for _, m := range c.messages {
		req.Messages = append(req.Messages, completion.Message{Role: string(m.Role), Content: m.Content})
	}

	saved = c.persistLocked(context.WithoutCancel(ctx))
	return c.currentTagLocked(), req, saved
}

func (c *Controller) startChatLocked(ctx context.Context) {
	c.chatID = storage.GenerateChatID()
	c.createdAt = c.clock()
	c.setCurrentLocked(ctx, c.chatID)
}

func (c *Controller) resetLocked(ctx context.Context) {
	c.epoch++
	c.pending = 0
	c.chatID = ""
	c.createdAt = time.Time{}
	c.messages = make([]models.ChatMessage, 0)
	c.setCurrentLocked(ctx, "")
}

func (c *Controller) applyChatLocked(chat models.Chat) {
	c.chatID = chat.ID
	c.createdAt = chat.CreatedAt
	c.messages = models.CloneMessages(chat.Messages)
	if c.messages == nil {
		c.messages = make([]models.ChatMessage, 0)
	}
	// chats saved without a model fall back to the default, not the previous view's
	c.model = chat.Model
	if c.model == "" {
		c.model = c.defModel
	}
}

func (c *Controller) setCurrentLocked(ctx context.Context, id string) {
	if c.store == nil {
		return
	}
	if err := c.store.SetCurrentChatID(context.WithoutCancel(ctx), id); err != nil {
		c.logger.Warn("update current chat failed", zap.String("chat", id), zap.Error(err))
	}
}

// persistLocked saves the live chat. Failures are logged and the
// conversation continues in memory.
func (c *Controller) persistLocked(ctx context.Context) bool {
	if c.store == nil || c.chatID == "" || len(c.messages) == 0 {
		return false
	}
	chat := models.Chat{
		ID:        c.chatID,
		Title:     storage.GenerateChatTitle(c.messages[0].Content),
		Messages:  c.messages,
		CreatedAt: c.createdAt,
		UpdatedAt: c.clock(),
		Model:     c.model,
	}
	if err := c.store.SaveChat(ctx, chat.Clone()); err != nil {
		c.logger.Warn("persist chat failed", zap.String("chat", c.chatID), zap.Error(err))
		return false
	}
	return true
}

func (c *Controller) publishChatsUpdated() {
	if c.bus != nil {
		c.bus.Publish(events.ChatsUpdated{ClientID: c.clientID})
	}
}

// stampLocked returns the timestamp for a new message, never earlier than
// the previous message's.
func (c *Controller) stampLocked() time.Time {
	ts := c.clock()
	if n := len(c.messages); n > 0 && ts.Before(c.messages[n-1].Timestamp) {
		ts = c.messages[n-1].Timestamp
	}
	return ts
}

// clock returns now at the millisecond precision the SQL store keeps.
func (c *Controller) clock() time.Time {
	return c.now().Truncate(time.Millisecond)
}

func (c *Controller) currentTagLocked() tag {
	return tag{chatID: c.chatID, epoch: c.epoch}
}

func (c *Controller) stateLocked() State {
	s := State{
		ChatID:   c.chatID,
		Messages: make([]models.ChatMessage, len(c.messages)),
		Model:    c.model,
		Loading:  c.pending > 0,
	}
	copy(s.Messages, c.messages)
	switch {
	case s.Loading:
		s.Phase = PhaseLoading
	case c.chatID == "" && len(c.messages) == 0:
		s.Phase = PhaseEmpty
	default:
		s.Phase = PhaseActive
	}
	if len(c.messages) > 0 {
		s.Title = storage.GenerateChatTitle(c.messages[0].Content)
	}
	return s
}

// Package events carries the chat view's external signals.
package events

import (
	"sync"

	"github.com/askqwen/gptuidemo/internal/models"
)

// Kind names a signal on the wire.
type Kind string

const (
	KindNewChat      Kind = "new-chat"
	KindLoadChat     Kind = "load-chat"
	KindChatsUpdated Kind = "chats-updated"
)

// Signal is one of NewChat, LoadChat or ChatsUpdated.
type Signal interface {
	Kind() Kind
	Client() string
	signal()
}

// NewChat asks the mounted chat view to start an empty conversation.
type NewChat struct {
	ClientID string
}

// LoadChat asks the mounted chat view to show Chat.
type LoadChat struct {
	ClientID string
	Chat     models.Chat
}

// ChatsUpdated tells the history list to reload.
type ChatsUpdated struct {
	ClientID string
}

func (NewChat) Kind() Kind      { return KindNewChat }
func (LoadChat) Kind() Kind     { return KindLoadChat }
func (ChatsUpdated) Kind() Kind { return KindChatsUpdated }

func (s NewChat) Client() string      { return s.ClientID }
func (s LoadChat) Client() string     { return s.ClientID }
func (s ChatsUpdated) Client() string { return s.ClientID }

func (NewChat) signal()      {}
func (LoadChat) signal()     {}
func (ChatsUpdated) signal() {}

// Handler receives signals synchronously on the publisher's goroutine.
type Handler func(Signal)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers signals to the subscribers of the signal's client id.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
	hooks  []Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers h for signals scoped to clientID. The returned func
// removes the subscription and is safe to call more than once.
func (b *Bus) Subscribe(clientID string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[clientID] = append(b.subs[clientID], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(clientID, id) })
	}
}

// OnPublish registers h for every locally published signal regardless of
// client. Signals arriving through Deliver do not reach it.
func (b *Bus) OnPublish(h Handler) {
	b.mu.Lock()
	b.hooks = append(b.hooks, h)
	b.mu.Unlock()
}

// Publish delivers s to local subscribers, then to publish hooks.
func (b *Bus) Publish(s Signal) {
	b.Deliver(s)
	b.mu.RLock()
	hooks := append([]Handler(nil), b.hooks...)
	b.mu.RUnlock()
	for _, h := range hooks {
		h(s)
	}
}

// Deliver hands s to local subscribers only.
func (b *Bus) Deliver(s Signal) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[s.Client()]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.handler(s)
	}
}

// Subscribers returns the number of subscriptions for clientID.
func (b *Bus) Subscribers(clientID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[clientID])
}

func (b *Bus) remove(clientID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[clientID]
	for i, sub := range subs {
		if sub.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, clientID)
		return
	}
	b.subs[clientID] = subs
}

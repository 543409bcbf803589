package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/askqwen/gptuidemo/internal/models"
)

// MemoryStore keeps one client's chats in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	chats     map[string]models.Chat
	currentID string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chats: make(map[string]models.Chat)}
}

func (s *MemoryStore) SaveChat(_ context.Context, chat models.Chat) error {
	if chat.ID == "" {
		return storageErr("save chat", errors.New("chat id is required"))
	}
	s.mu.Lock()
	s.chats[chat.ID] = chat.Clone()
	s.mu.Unlock()
	return nil
}

// GetAllChats uses the same order as ChatStore.
func (s *MemoryStore) GetAllChats(_ context.Context) ([]models.Chat, error) {
	s.mu.RLock()
	chats := make([]models.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		chats = append(chats, c.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}
		return chats[i].ID < chats[j].ID
	})
	return chats, nil
}

func (s *MemoryStore) GetChat(_ context.Context, id string) (models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return models.Chat{}, ErrChatNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) DeleteChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[id]; !ok {
		return ErrChatNotFound
	}
	delete(s.chats, id)
	if s.currentID == id {
		s.currentID = ""
	}
	return nil
}

func (s *MemoryStore) SetCurrentChatID(_ context.Context, id string) error {
	s.mu.Lock()
	s.currentID = id
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetCurrentChatID(_ context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID, s.currentID != "", nil
}

// MemoryDB hands out one MemoryStore per client id.
type MemoryDB struct {
	mu      sync.Mutex
	clients map[string]*MemoryStore
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{clients: make(map[string]*MemoryStore)}
}

// ForClient returns the store of clientID, creating it on first use.
func (m *MemoryDB) ForClient(clientID string) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.clients[clientID]
	if !ok {
		s = NewMemoryStore()
		m.clients[clientID] = s
	}
	return s
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/askqwen/gptuidemo/internal/models"
)

// ChatStore persists chats and the current-chat pointer of one client in SQL.
type ChatStore struct {
	db       *sql.DB
	driver   string
	clientID string
}

// NewChatStore returns a store scoped to clientID.
func NewChatStore(db *sql.DB, driver, clientID string) *ChatStore {
	return &ChatStore{db: db, driver: normalizeDriver(driver), clientID: clientID}
}

// SaveChat inserts or overwrites the chat with the same id, messages included.
func (s *ChatStore) SaveChat(ctx context.Context, chat models.Chat) (err error) {
	if chat.ID == "" {
		return storageErr("save chat", errors.New("chat id is required"))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("save chat", fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.upsertChatSQL(),
		s.clientID, chat.ID, chat.Title, chat.Model, toMillis(chat.CreatedAt), toMillis(chat.UpdatedAt),
	); err != nil {
		return storageErr("save chat", fmt.Errorf("upsert chat: %w", err))
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE client_id = ? AND chat_id = ?`, s.clientID, chat.ID,
	); err != nil {
		return storageErr("save chat", fmt.Errorf("clear messages: %w", err))
	}
	if len(chat.Messages) > 0 {
		stmt, perr := tx.PrepareContext(ctx,
			`INSERT INTO chat_messages (client_id, chat_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
		if perr != nil {
			err = perr
			return storageErr("save chat", fmt.Errorf("prepare message insert: %w", err))
		}
		defer stmt.Close()
		for i, msg := range chat.Messages {
			if _, err = stmt.ExecContext(ctx, s.clientID, chat.ID, i, string(msg.Role), msg.Content, toMillis(msg.Timestamp)); err != nil {
				return storageErr("save chat", fmt.Errorf("insert message %d: %w", i, err))
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return storageErr("save chat", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// GetAllChats returns every chat of the client, most recently updated first.
// Chats updated in the same millisecond are ordered by id.
func (s *ChatStore) GetAllChats(ctx context.Context) ([]models.Chat, error) {
	chats, err := s.queryChats(ctx,
		`SELECT id, title, model, created_at, updated_at FROM chats WHERE client_id = ? ORDER BY updated_at DESC, id ASC`,
		s.clientID,
	)
	if err != nil {
		return nil, storageErr("list chats", err)
	}
	if len(chats) == 0 {
		return chats, nil
	}

	byID, err := s.queryMessages(ctx,
		`SELECT chat_id, role, content, created_at FROM chat_messages WHERE client_id = ? ORDER BY chat_id, seq ASC`,
		s.clientID,
	)
	if err != nil {
		return nil, storageErr("list chats", err)
	}
	for i := range chats {
		if msgs, ok := byID[chats[i].ID]; ok {
			chats[i].Messages = msgs
		}
	}
	return chats, nil
}

// GetChat returns one chat with its ordered messages.
func (s *ChatStore) GetChat(ctx context.Context, id string) (models.Chat, error) {
	chats, err := s.queryChats(ctx,
		`SELECT id, title, model, created_at, updated_at FROM chats WHERE client_id = ? AND id = ?`,
		s.clientID, id,
	)
	if err != nil {
		return models.Chat{}, storageErr("get chat", err)
	}
	if len(chats) == 0 {
		return models.Chat{}, ErrChatNotFound
	}
	chat := chats[0]
	byID, err := s.queryMessages(ctx,
		`SELECT chat_id, role, content, created_at FROM chat_messages WHERE client_id = ? AND chat_id = ? ORDER BY seq ASC`,
		s.clientID, id,
	)
	if err != nil {
		return models.Chat{}, storageErr("get chat", err)
	}
	if msgs, ok := byID[id]; ok {
		chat.Messages = msgs
	}
	return chat, nil
}

// DeleteChat removes a chat and its messages. The current pointer is
// cleared when it names the deleted chat.
func (s *ChatStore) DeleteChat(ctx context.Context, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete chat", fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE client_id = ? AND chat_id = ?`, s.clientID, id); err != nil {
		return storageErr("delete chat", fmt.Errorf("delete messages: %w", err))
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE client_id = ? AND id = ?`, s.clientID, id)
	if err != nil {
		return storageErr("delete chat", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete chat", fmt.Errorf("rows affected: %w", err))
	}
	if affected == 0 {
		tx.Rollback()
		return ErrChatNotFound
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM current_chats WHERE client_id = ? AND chat_id = ?`, s.clientID, id); err != nil {
		return storageErr("delete chat", fmt.Errorf("clear pointer: %w", err))
	}
	if err = tx.Commit(); err != nil {
		return storageErr("delete chat", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// SetCurrentChatID stores the current-chat pointer. An empty id clears it.
func (s *ChatStore) SetCurrentChatID(ctx context.Context, id string) error {
	if id == "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM current_chats WHERE client_id = ?`, s.clientID); err != nil {
			return storageErr("clear current chat", err)
		}
		return nil
	}
	if _, err := s.db.ExecContext(ctx, s.upsertCurrentSQL(), s.clientID, id); err != nil {
		return storageErr("set current chat", err)
	}
	return nil
}

// GetCurrentChatID returns the pointer; ok is false when none is set.
func (s *ChatStore) GetCurrentChatID(ctx context.Context) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT chat_id FROM current_chats WHERE client_id = ?`, s.clientID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, storageErr("get current chat", err)
	}
	return id, true, nil
}

func (s *ChatStore) queryChats(ctx context.Context, query string, args ...any) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	chats := make([]models.Chat, 0)
	for rows.Next() {
		var (
			c                models.Chat
			created, updated int64
		)
		if err := rows.Scan(&c.ID, &c.Title, &c.Model, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.CreatedAt = fromMillis(created)
		c.UpdatedAt = fromMillis(updated)
		c.Messages = make([]models.ChatMessage, 0)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (s *ChatStore) queryMessages(ctx context.Context, query string, args ...any) (map[string][]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	byID := make(map[string][]models.ChatMessage)
	for rows.Next() {
		var (
			chatID, role, content string
			ts                    int64
		)
		if err := rows.Scan(&chatID, &role, &content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		byID[chatID] = append(byID[chatID], models.ChatMessage{
			Role:      models.Role(role),
			Content:   content,
			Timestamp: fromMillis(ts),
		})
	}
	return byID, rows.Err()
}

func (s *ChatStore) upsertChatSQL() string {
	if s.driver == "mysql" {
		return `INSERT INTO chats (client_id, id, title, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE title = VALUES(title), model = VALUES(model), created_at = VALUES(created_at), updated_at = VALUES(updated_at)`
	}
	return `INSERT INTO chats (client_id, id, title, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, id) DO UPDATE SET title = excluded.title, model = excluded.model, created_at = excluded.created_at, updated_at = excluded.updated_at`
}

func (s *ChatStore) upsertCurrentSQL() string {
	if s.driver == "mysql" {
		return `INSERT INTO current_chats (client_id, chat_id) VALUES (?, ?) ON DUPLICATE KEY UPDATE chat_id = VALUES(chat_id)`
	}
	return `INSERT INTO current_chats (client_id, chat_id) VALUES (?, ?)
		ON CONFLICT(client_id) DO UPDATE SET chat_id = excluded.chat_id`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateChat inserts a chat and its ordered participant list.
func (db *DB) CreateChat(ctx context.Context, n NewChat) (*Chat, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	chat := &Chat{
		ID:            uuid.NewString(),
		Type:          n.Type,
		Status:        ChatActive,
		GatewayChatID: n.GatewayChatID,
		Participants:  append([]Participant(nil), n.Participants...),
		CreatedAt:     now,
	}
	if chat.GatewayChatID == "" {
		chat.GatewayChatID = chat.ID
	}

	err := db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chats (id, type, status, gateway_chat_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			chat.ID, chat.Type, chat.Status, chat.GatewayChatID, now, now); err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}
		for i, p := range chat.Participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chat_participants (chat_id, user_id, role, position)
				VALUES (?, ?, ?, ?)`,
				chat.ID, p.UserID, p.Role, i); err != nil {
				return fmt.Errorf("insert participant %q: %w", p.UserID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// GetChat returns a chat with its participants.
func (db *DB) GetChat(ctx context.Context, id string) (*Chat, error) {
	return getChat(ctx, db.DB, id)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getChat(ctx context.Context, q querier, id string) (*Chat, error) {
	var c Chat
	err := q.QueryRowContext(ctx, `
		SELECT id, type, status, gateway_chat_id, created_at
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Type, &c.Status, &c.GatewayChatID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT user_id, role FROM chat_participants
		WHERE chat_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.Role); err != nil {
			return nil, err
		}
		c.Participants = append(c.Participants, p)
	}
	return &c, rows.Err()
}

// CloseChat marks a chat CLOSED. Closing a closed chat is a no-op.
func (db *DB) CloseChat(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `UPDATE chats SET status = ?, updated_at = ? WHERE id = ?`,
		ChatClosed, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrChatNotFound
	}
	return nil
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}

// MessageCountByStatus returns the number of messages in each status.
func (db *DB) MessageCountByStatus(ctx context.Context) (map[MessageStatus]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := map[MessageStatus]int64{}
	for rows.Next() {
		var s MessageStatus
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpdateReadState advances a participant's read marker to messageID. The
// marker only moves forward in the chat's (created_at, id) order: an older
// message id leaves it untouched. The resulting state is returned.
func (db *DB) UpdateReadState(ctx context.Context, chatID, userID, messageID string) (*ReadState, error) {
	var state *ReadState
	err := db.InTx(ctx, func(tx *sql.Tx) error {
		chat, err := getChat(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if !chat.HasParticipant(userID) {
			return fmt.Errorf("%w: %q", ErrNotParticipant, userID)
		}

		var createdAt int64
		err = tx.QueryRowContext(ctx,
			`SELECT created_at FROM messages WHERE id = ? AND chat_id = ?`, messageID, chatID).
			Scan(&createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO read_states (chat_id, user_id, last_read_message_id, last_read_created_at, last_read_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, user_id) DO UPDATE SET
				last_read_message_id = excluded.last_read_message_id,
				last_read_created_at = excluded.last_read_created_at,
				last_read_at = excluded.last_read_at
			WHERE excluded.last_read_created_at > read_states.last_read_created_at
				OR (excluded.last_read_created_at = read_states.last_read_created_at
					AND excluded.last_read_message_id > read_states.last_read_message_id)`,
			chatID, userID, messageID, createdAt, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("upsert read state: %w", err)
		}

		state, err = getReadState(ctx, tx, chatID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// GetReadState returns the participant's read marker, or nil if the
// participant has never read the chat.
func (db *DB) GetReadState(ctx context.Context, chatID, userID string) (*ReadState, error) {
	return getReadState(ctx, db.DB, chatID, userID)
}

func getReadState(ctx context.Context, q querier, chatID, userID string) (*ReadState, error) {
	var rs ReadState
	err := q.QueryRowContext(ctx, `
		SELECT chat_id, user_id, last_read_message_id, last_read_at
		FROM read_states WHERE chat_id = ? AND user_id = ?`, chatID, userID).
		Scan(&rs.ChatID, &rs.UserID, &rs.LastReadMessageID, &rs.LastReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// UnreadCount returns how many messages from other senders follow the
// participant's read marker.
func (db *DB) UnreadCount(ctx context.Context, chatID, userID string) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		LEFT JOIN read_states r ON r.chat_id = m.chat_id AND r.user_id = ?
		WHERE m.chat_id = ? AND m.sender_id != ?
			AND (r.user_id IS NULL
				OR m.created_at > r.last_read_created_at
				OR (m.created_at = r.last_read_created_at AND m.id > r.last_read_message_id))`,
		userID, chatID, userID).Scan(&count)
	return count, err
}

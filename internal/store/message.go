package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

const messageColumns = `id, chat_id, sender_id, content, type, status, failure_reason, provider_message_id, created_at`

// AppendMessage atomically inserts a PENDING message and its attachments.
// created_at is strictly increasing within a chat, so a new message always
// sorts after every message already stored.
func (db *DB) AppendMessage(ctx context.Context, n NewMessage) (*Message, error) {
	hasContent := n.Content != nil && *n.Content != ""
	if !hasContent && len(n.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	for i, a := range n.Attachments {
		if a.FileURL == "" || a.FileName == "" {
			return nil, fmt.Errorf("%w: attachment %d needs file_name and file_url", ErrInvalidAttachment, i)
		}
		if a.FileSize < 0 {
			return nil, fmt.Errorf("%w: attachment %d has negative size", ErrInvalidAttachment, i)
		}
	}
	msgType, err := n.resolveType()
	if err != nil {
		return nil, err
	}
	if !hasContent {
		n.Content = nil
	}

	msg := &Message{
		ID:       uuid.Must(uuid.NewV7()).String(),
		ChatID:   n.ChatID,
		SenderID: n.SenderID,
		Content:  n.Content,
		Type:     msgType,
		Status:   StatusPending,
	}

	err = db.InTx(ctx, func(tx *sql.Tx) error {
		chat, err := getChat(ctx, tx, n.ChatID)
		if err != nil {
			return err
		}
		if chat.Status == ChatClosed {
			return ErrChatClosed
		}
		if !chat.HasParticipant(n.SenderID) {
			return fmt.Errorf("%w: %q", ErrNotParticipant, n.SenderID)
		}

		var last int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE chat_id = ?`, n.ChatID).
			Scan(&last); err != nil {
			return fmt.Errorf("read last timestamp: %w", err)
		}
		now := time.Now().UnixMilli()
		msg.CreatedAt = max(now, last+1)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, chat_id, sender_id, content, type, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.Type, msg.Status, msg.CreatedAt, now); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		for i, a := range n.Attachments {
			att := Attachment{
				ID:           uuid.NewString(),
				MessageID:    msg.ID,
				FileName:     a.FileName,
				OriginalName: a.OriginalName,
				FileSize:     a.FileSize,
				MimeType:     a.MimeType,
				FileURL:      a.FileURL,
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (id, message_id, position, file_name, original_name, file_size, mime_type, file_url)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				att.ID, att.MessageID, i, att.FileName, att.OriginalName, att.FileSize, att.MimeType, att.FileURL); err != nil {
				return fmt.Errorf("insert attachment %d: %w", i, err)
			}
			msg.Attachments = append(msg.Attachments, att)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns one page of a chat's history in ascending
// (created_at, id) order using keyset pagination. An empty cursor starts at
// the oldest message. NextCursor is empty once no message follows the page.
func (db *DB) ListMessages(ctx context.Context, chatID, after string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	var exists int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE id = ?`, chatID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id = ?`
	args := []any{chatID}
	if after != "" {
		c, err := decodeCursor(after)
		if err != nil {
			return nil, err
		}
		q += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, c.CreatedAt, c.CreatedAt, c.ID)
	}
	// One extra row tells whether another page exists.
	q += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	msgs, err := db.queryMessages(ctx, q, args...)
	if err != nil {
		return nil, err
	}

	page := &Page{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		last := page.Messages[limit-1]
		page.NextCursor = cursor{CreatedAt: last.CreatedAt, ID: last.ID}.encode()
	}
	if page.Messages == nil {
		page.Messages = []Message{}
	}
	return page, nil
}

// Messages walks a chat's whole history page by page. The sequence is lazy:
// each page is fetched only when the previous one is consumed. Ranging over
// it again restarts from the oldest message.
func (db *DB) Messages(ctx context.Context, chatID string, pageSize int) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		next := ""
		for {
			page, err := db.ListMessages(ctx, chatID, next, pageSize)
			if err != nil {
				yield(Message{}, err)
				return
			}
			for _, m := range page.Messages {
				if !yield(m, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			next = page.NextCursor
		}
	}
}

// GetMessage returns a message with its attachments.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	msgs, err := db.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrMessageNotFound
	}
	return &msgs[0], nil
}

// MarkDelivered moves a PENDING message to DELIVERED and reports whether it
// did. Calling it on a message that is already DELIVERED or FAILED changes
// nothing and returns false with a nil error.
func (db *DB) MarkDelivered(ctx context.Context, id, providerMessageID string) (bool, error) {
	return db.finish(ctx, id, `
		UPDATE messages SET status = 'DELIVERED', provider_message_id = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		providerMessageID, time.Now().UnixMilli(), id)
}

// MarkFailed moves a PENDING message to FAILED with a reason. Like
// MarkDelivered it leaves terminal messages alone and reports false.
func (db *DB) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	return db.finish(ctx, id, `
		UPDATE messages SET status = 'FAILED', failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		reason, time.Now().UnixMilli(), id)
}

func (db *DB) finish(ctx context.Context, id, query string, args ...any) (bool, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrMessageNotFound
	}
	return false, err
}

// Stranded is a PENDING message whose dispatch jobs are all dead-lettered.
type Stranded struct {
	MessageID     string
	GatewayChatID string
	Reason        string
}

// PendingDeadLettered returns PENDING messages that have at least one job and
// only DEAD jobs. They are left behind when the failure could not be recorded
// after dead-lettering.
func (db *DB) PendingDeadLettered(ctx context.Context, limit int) ([]Stranded, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT m.id, j.chat_id, j.last_error FROM messages m
		JOIN dispatch_jobs j ON j.message_id = m.id AND j.state = 'DEAD'
		WHERE m.status = 'PENDING'
			AND NOT EXISTS (SELECT 1 FROM dispatch_jobs o WHERE o.message_id = m.id AND o.state != 'DEAD')
		GROUP BY m.id
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Stranded
	for rows.Next() {
		var st Stranded
		if err := rows.Scan(&st.MessageID, &st.GatewayChatID, &st.Reason); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PendingWithoutJob returns PENDING messages created at or before olderThan
// that have no dispatch job, oldest first.
func (db *DB) PendingWithoutJob(ctx context.Context, olderThan time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.status = 'PENDING' AND m.created_at <= ?
			AND NOT EXISTS (SELECT 1 FROM dispatch_jobs j WHERE j.message_id = m.id)
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT ?`, olderThan.UnixMilli(), limit)
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var content sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &content, &m.Type, &m.Status,
			&m.FailureReason, &m.ProviderMessageID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if content.Valid {
			m.Content = &content.String
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := db.loadAttachments(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (db *DB) loadAttachments(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[string]int, len(msgs))
	args := make([]any, 0, len(msgs))
	for i, m := range msgs {
		index[m.ID] = i
		args = append(args, m.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgs)), ",")

	rows, err := db.QueryContext(ctx, `
		SELECT id, message_id, file_name, original_name, file_size, mime_type, file_url
		FROM attachments WHERE message_id IN (`+placeholders+`)
		ORDER BY message_id, position`, args...)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.FileName, &a.OriginalName, &a.FileSize, &a.MimeType, &a.FileURL); err != nil {
			return err
		}
		i := index[a.MessageID]
		msgs[i].Attachments = append(msgs[i].Attachments, a)
	}
	return rows.Err()
}

package store

import (
	"fmt"
	"strings"
)

// ChatType is an opaque routing/display tag; it carries no behavior here.
type ChatType string

const (
	ChatTradingSupport    ChatType = "TRADING_SUPPORT"
	ChatInvestmentInquiry ChatType = "INVESTMENT_INQUIRY"
	ChatGeneralSupport    ChatType = "GENERAL_SUPPORT"
)

// Valid reports whether t is a known chat type.
func (t ChatType) Valid() bool {
	switch t {
	case ChatTradingSupport, ChatInvestmentInquiry, ChatGeneralSupport:
		return true
	}
	return false
}

// ChatStatus is the open/closed state of a chat.
type ChatStatus string

const (
	ChatActive ChatStatus = "ACTIVE"
	ChatClosed ChatStatus = "CLOSED"
)

// Role tags a participant.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageText     MessageType = "TEXT"
	MessageImage    MessageType = "IMAGE"
	MessageDocument MessageType = "DOCUMENT"
	MessageSystem   MessageType = "SYSTEM"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageDocument, MessageSystem:
		return true
	}
	return false
}

// MessageStatus is the delivery lifecycle of a message.
// PENDING moves to exactly one of DELIVERED or FAILED.
type MessageStatus string

const (
	StatusPending   MessageStatus = "PENDING"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusFailed    MessageStatus = "FAILED"
)

// Terminal reports whether s can no longer change.
func (s MessageStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Participant is a role-tagged user in a chat.
type Participant struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// Chat is a conversation between one or more members and at most one admin.
type Chat struct {
	ID            string        `json:"id"`
	Type          ChatType      `json:"type"`
	Status        ChatStatus    `json:"status"`
	GatewayChatID string        `json:"gateway_chat_id"`
	Participants  []Participant `json:"participants"`
	CreatedAt     int64         `json:"created_at"`
}

// HasParticipant reports whether userID takes part in the chat.
func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Attachment references a file held in external storage.
type Attachment struct {
	ID           string `json:"id"`
	MessageID    string `json:"message_id"`
	FileName     string `json:"file_name"`
	OriginalName string `json:"original_name"`
	FileSize     int64  `json:"file_size"`
	MimeType     string `json:"mime_type"`
	FileURL      string `json:"file_url"`
}

// IsImage reports whether the attachment has an image MIME type.
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// Message is one entry in a chat's append-only history.
type Message struct {
	ID                string        `json:"id"`
	ChatID            string        `json:"chat_id"`
	SenderID          string        `json:"sender_id"`
	Content           *string       `json:"content"`
	Type              MessageType   `json:"type"`
	Status            MessageStatus `json:"status"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	CreatedAt         int64         `json:"created_at"`
	Attachments       []Attachment  `json:"attachments"`
}

// Text returns the content, or "" when the message has none.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// OutboundText renders the text handed to the gateway: the content followed by
// one attachment URL per line.
func (m *Message) OutboundText() string {
	parts := make([]string, 0, len(m.Attachments)+1)
	if t := m.Text(); t != "" {
		parts = append(parts, t)
	}
	for _, a := range m.Attachments {
		parts = append(parts, a.FileURL)
	}
	return strings.Join(parts, "\n")
}

// ReadState records how far a participant has read in a chat.
type ReadState struct {
	ChatID            string `json:"chat_id"`
	UserID            string `json:"user_id"`
	LastReadMessageID string `json:"last_read_message_id"`
	LastReadAt        int64  `json:"last_read_at"`
}

// Page is one slice of a chat's history.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// NewChat describes a chat to create.
type NewChat struct {
	Type          ChatType
	Participants  []Participant
	GatewayChatID string
}

// Validate checks the participant invariant: at least one non-admin,
// at most one admin, no user listed twice.
func (n *NewChat) Validate() error {
	if !n.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidChatType, n.Type)
	}
	admins, members := 0, 0
	seen := make(map[string]bool, len(n.Participants))
	for _, p := range n.Participants {
		if p.UserID == "" {
			return fmt.Errorf("%w: empty user id", ErrInvalidParticipants)
		}
		if seen[p.UserID] {
			return fmt.Errorf("%w: duplicate user %q", ErrInvalidParticipants, p.UserID)
		}
		seen[p.UserID] = true
		switch p.Role {
		case RoleAdmin:
			admins++
		case RoleMember:
			members++
		default:
			return fmt.Errorf("%w: unknown role %q", ErrInvalidParticipants, p.Role)
		}
	}
	if members < 1 {
		return fmt.Errorf("%w: at least one non-admin participant required", ErrInvalidParticipants)
	}
	if admins > 1 {
		return fmt.Errorf("%w: at most one admin participant allowed", ErrInvalidParticipants)
	}
	return nil
}

// NewAttachment describes an attachment created along with its message.
type NewAttachment struct {
	FileName     string
	OriginalName string
	FileSize     int64
	MimeType     string
	FileURL      string
}

// NewMessage describes a message to append. An empty Type is derived from
// the content and attachments.
type NewMessage struct {
	ChatID      string
	SenderID    string
	Content     *string
	Type        MessageType
	Attachments []NewAttachment
}

func (n *NewMessage) resolveType() (MessageType, error) {
	if n.Type != "" {
		if !n.Type.Valid() {
			return "", fmt.Errorf("%w: %q", ErrInvalidMessageType, n.Type)
		}
		return n.Type, nil
	}
	if (n.Content == nil || *n.Content == "") && len(n.Attachments) > 0 {
		if strings.HasPrefix(n.Attachments[0].MimeType, "image/") {
			return MessageImage, nil
		}
		return MessageDocument, nil
	}
	return MessageText, nil
}

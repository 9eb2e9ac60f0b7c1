package store

import "errors"

var (
	ErrChatNotFound        = errors.New("chat not found")
	ErrMessageNotFound     = errors.New("message not found")
	ErrChatClosed          = errors.New("chat is closed")
	ErrEmptyMessage        = errors.New("message has neither content nor attachments")
	ErrInvalidParticipants = errors.New("invalid participants")
	ErrInvalidChatType     = errors.New("invalid chat type")
	ErrInvalidMessageType  = errors.New("invalid message type")
	ErrInvalidAttachment   = errors.New("invalid attachment")
	ErrNotParticipant      = errors.New("sender is not a chat participant")
	ErrInvalidCursor       = errors.New("invalid cursor")
)

// Package api is the ChatService boundary: it validates caller input, writes
// through the chat store, hands outbound messages to the dispatch queue and
// exposes all of it over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/queue"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrValidation wraps every rejection of caller input.
	ErrValidation = errors.New("validation failed")
	// ErrQueueUnavailable is returned by PostMessage when the message was
	// stored but could not be queued for delivery. It stays PENDING and is
	// enqueued later by the reconciler.
	ErrQueueUnavailable = errors.New("message stored but not queued")
)

var validationErrors = []error{
	store.ErrEmptyMessage,
	store.ErrInvalidParticipants,
	store.ErrInvalidChatType,
	store.ErrInvalidMessageType,
	store.ErrInvalidAttachment,
	store.ErrInvalidCursor,
	store.ErrNotParticipant,
}

func classify(err error) error {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return err
}

// StartChatRequest opens a chat.
type StartChatRequest struct {
	Type          store.ChatType      `json:"type"`
	Participants  []store.Participant `json:"participants"`
	GatewayChatID string              `json:"gateway_chat_id,omitempty"`
}

// AttachmentInput references an uploaded file.
type AttachmentInput struct {
	FileName     string `json:"file_name"`
	OriginalName string `json:"original_name"`
	FileSize     int64  `json:"file_size"`
	MimeType     string `json:"mime_type"`
	FileURL      string `json:"file_url"`
}

// PostMessageRequest appends a message to a chat.
type PostMessageRequest struct {
	ChatID      string            `json:"-"`
	SenderID    string            `json:"sender_id"`
	Content     *string           `json:"content"`
	Type        store.MessageType `json:"type,omitempty"`
	Attachments []AttachmentInput `json:"attachments,omitempty"`
}

// ChatService implements the chat operations.
type ChatService struct {
	db       *store.DB
	queue    *queue.Queue
	bus      *bus.Bus
	logger   *zap.Logger
	enqueued func()
}

// NewChatService creates the service. enqueued, when set, is called after
// every successful enqueue to wake idle workers.
func NewChatService(db *store.DB, q *queue.Queue, b *bus.Bus, enqueued func(), logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{db: db, queue: q, bus: b, enqueued: enqueued, logger: logger}
}

// StartChat creates an ACTIVE chat.
func (s *ChatService) StartChat(ctx context.Context, req StartChatRequest) (*store.Chat, error) {
	chat, err := s.db.CreateChat(ctx, store.NewChat{
		Type:          req.Type,
		Participants:  req.Participants,
		GatewayChatID: req.GatewayChatID,
	})
	if err != nil {
		return nil, classify(err)
	}
	s.logger.Info("chat started", zap.String("chat_id", chat.ID), zap.String("type", string(chat.Type)))
	return chat, nil
}

// GetChat returns a chat with its participants.
func (s *ChatService) GetChat(ctx context.Context, chatID string) (*store.Chat, error) {
	return s.db.GetChat(ctx, chatID)
}

// CloseChat closes a chat. Closing a closed chat is a no-op.
func (s *ChatService) CloseChat(ctx context.Context, chatID string) (*store.Chat, error) {
	if err := s.db.CloseChat(ctx, chatID); err != nil {
		return nil, err
	}
	return s.db.GetChat(ctx, chatID)
}

// PostMessage stores a PENDING message and queues it for delivery. Input and
// chat-state errors are returned before anything is written. If the message
// was stored but could not be queued, it is returned together with an error
// wrapping ErrQueueUnavailable.
func (s *ChatService) PostMessage(ctx context.Context, req PostMessageRequest) (*store.Message, error) {
	if req.SenderID == "" {
		return nil, fmt.Errorf("%w: sender_id is required", ErrValidation)
	}
	chat, err := s.db.GetChat(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}

	atts := make([]store.NewAttachment, len(req.Attachments))
	for i, a := range req.Attachments {
		atts[i] = store.NewAttachment(a)
	}
	msg, err := s.db.AppendMessage(ctx, store.NewMessage{
		ChatID:      req.ChatID,
		SenderID:    req.SenderID,
		Content:     req.Content,
		Type:        req.Type,
		Attachments: atts,
	})
	if err != nil {
		return nil, classify(err)
	}
	log := s.logger.With(zap.String("chat_id", msg.ChatID), zap.String("message_id", msg.ID))

	if _, err := s.queue.Enqueue(ctx, msg.ID, queue.PayloadFor(chat, msg)); err != nil {
		log.Error("enqueue failed, message left pending", zap.Error(err))
		return msg, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	if s.enqueued != nil {
		s.enqueued()
	}
	log.Debug("message accepted")
	s.bus.Emit(bus.MessageAccepted, bus.MessageEvent{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		Status:    string(msg.Status),
	})
	return msg, nil
}

// GetHistory returns one page of a chat's messages, oldest first.
func (s *ChatService) GetHistory(ctx context.Context, chatID, cursor string, limit int) (*store.Page, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrValidation)
	}
	if _, err := s.db.GetChat(ctx, chatID); err != nil {
		return nil, err
	}
	page, err := s.db.ListMessages(ctx, chatID, cursor, limit)
	if err != nil {
		return nil, classify(err)
	}
	return page, nil
}

// GetMessage returns one message with its delivery status.
func (s *ChatService) GetMessage(ctx context.Context, messageID string) (*store.Message, error) {
	return s.db.GetMessage(ctx, messageID)
}

// MarkRead advances the user's read marker. It never moves backwards.
func (s *ChatService) MarkRead(ctx context.Context, chatID, userID, messageID string) (*store.ReadState, error) {
	if userID == "" || messageID == "" {
		return nil, fmt.Errorf("%w: user_id and message_id are required", ErrValidation)
	}
	rs, err := s.db.UpdateReadState(ctx, chatID, userID, messageID)
	if err != nil {
		return nil, classify(err)
	}
	return rs, nil
}

// UnreadCount counts messages after the user's read marker that were sent by
// someone else.
func (s *ChatService) UnreadCount(ctx context.Context, chatID, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	chat, err := s.db.GetChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if !chat.HasParticipant(userID) {
		return 0, fmt.Errorf("%w: %w: %q", ErrValidation, store.ErrNotParticipant, userID)
	}
	return s.db.UnreadCount(ctx, chatID, userID)
}

// MessageJobs returns the dispatch jobs created for a message, oldest first.
func (s *ChatService) MessageJobs(ctx context.Context, messageID string) ([]queue.Job, error) {
	if _, err := s.db.GetMessage(ctx, messageID); err != nil {
		return nil, err
	}
	jobs, err := s.queue.ForMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []queue.Job{}
	}
	return jobs, nil
}

// DeadJobs lists dead-lettered dispatch jobs.
func (s *ChatService) DeadJobs(ctx context.Context, limit int) ([]queue.Job, error) {
	return s.queue.ListDead(ctx, limit)
}

// RequeueJob gives a dead-lettered job a fresh retry budget.
func (s *ChatService) RequeueJob(ctx context.Context, jobID string) (*queue.Job, error) {
	if err := s.queue.Requeue(ctx, jobID); err != nil {
		return nil, err
	}
	job, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("job requeued", zap.String("job_id", jobID), zap.String("message_id", job.MessageID))
	s.bus.Emit(bus.JobRequeued, bus.JobEvent{JobID: job.ID, MessageID: job.MessageID})
	if s.enqueued != nil {
		s.enqueued()
	}
	return job, nil
}

// Stats summarises the queue and the store.
type Stats struct {
	Jobs             map[queue.State]int64         `json:"jobs"`
	Messages         map[store.MessageStatus]int64 `json:"messages"`
	Chats            int64                         `json:"chats"`
	EventSubscribers int                           `json:"event_subscribers"`
	EventsDropped    uint64                        `json:"events_dropped"`
}

// Stats returns queue and store counters.
func (s *ChatService) Stats(ctx context.Context) (*Stats, error) {
	jobs, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := s.db.MessageCountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	chats, err := s.db.ChatCount(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Jobs:             jobs,
		Messages:         msgs,
		Chats:            chats,
		EventSubscribers: s.bus.Subscribers(),
		EventsDropped:    s.bus.Dropped(),
	}, nil
}

package bus

import "time"

// Event kinds published on the bus. Subscribers filter by prefix, so
// "message." receives both message kinds.
const (
	MessageAccepted     = "message.accepted"
	MessageDelivered    = "message.delivered"
	MessageFailed       = "message.failed"
	JobRetryScheduled   = "job.retry_scheduled"
	JobDeadLettered     = "job.dead_lettered"
	JobRequeued         = "job.requeued"
	GatewayStatus       = "gateway.status"
	DaemonStatusChanged = "daemon.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageEvent is the payload of message.* events.
type MessageEvent struct {
	MessageID         string `json:"message_id"`
	ChatID            string `json:"chat_id"`
	Status            string `json:"status"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	JobID     string        `json:"job_id"`
	MessageID string        `json:"message_id"`
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

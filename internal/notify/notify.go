// Package notify forwards message status events to an external pub/sub
// channel so other systems learn about deliveries and failures without
// polling.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher sends one payload to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher publishes with Redis PUBLISH.
type RedisPublisher struct {
	cli *redis.Client
}

// DialRedis connects to url (redis://...) and pings it.
func DialRedis(ctx context.Context, url string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisPublisher{cli: cli}, nil
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.cli.Publish(ctx, channel, payload).Err()
}

// Close closes the connection pool.
func (p *RedisPublisher) Close() error {
	return p.cli.Close()
}

// Envelope is the JSON document published for each event.
type Envelope struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Encode renders an event as an Envelope.
func Encode(evt bus.Event) ([]byte, error) {
	return json.Marshal(Envelope{Kind: evt.Kind, Timestamp: evt.Timestamp.UTC(), Payload: evt.Payload})
}

// Notifier relays message.* and job.dead_lettered events from the bus.
type Notifier struct {
	pub     Publisher
	channel string
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a notifier publishing to channel.
func New(pub Publisher, channel string, b *bus.Bus, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, channel: channel, bus: b, logger: logger}
}

// Start subscribes to the bus and relays until Stop.
func (n *Notifier) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	messages, unsubMessages := n.bus.Subscribe("message.", 256)
	dead, unsubDead := n.bus.Subscribe(bus.JobDeadLettered, 64)

	go func() {
		defer close(n.done)
		defer unsubMessages()
		defer unsubDead()
		for {
			select {
			case evt := <-messages:
				n.relay(ctx, evt)
			case evt := <-dead:
				n.relay(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends relaying and waits for the loop.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
		<-n.done
	}
}

func (n *Notifier) relay(ctx context.Context, evt bus.Event) {
	payload, err := Encode(evt)
	if err != nil {
		n.logger.Error("encode event", zap.String("kind", evt.Kind), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := n.pub.Publish(ctx, n.channel, payload); err != nil {
		n.logger.Warn("publish event", zap.String("kind", evt.Kind), zap.String("channel", n.channel), zap.Error(err))
	}
}

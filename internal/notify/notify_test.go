package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
)

type recorder struct {
	mu      sync.Mutex
	got     []Envelope
	channel string
}

func (r *recorder) Publish(_ context.Context, channel string, payload []byte) error {
	var env struct {
		Kind      string          `json:"kind"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel = channel
	r.got = append(r.got, Envelope{Kind: env.Kind, Timestamp: env.Timestamp, Payload: env.Payload})
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ks []string
	for _, e := range r.got {
		ks = append(ks, e.Kind)
	}
	return ks
}

func TestEncode(t *testing.T) {
	raw, err := Encode(bus.Event{
		Kind:      bus.MessageFailed,
		Timestamp: time.UnixMilli(1_700_000_000_000),
		Payload:   bus.MessageEvent{MessageID: "m1", ChatID: "c1", Status: "FAILED", Reason: "HTTP 400"},
	})
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["kind"] != "message.failed" {
		t.Errorf("kind = %v", doc["kind"])
	}
	p := doc["payload"].(map[string]any)
	if p["message_id"] != "m1" || p["reason"] != "HTTP 400" {
		t.Errorf("payload = %v", p)
	}
	if _, ok := p["provider_message_id"]; ok {
		t.Error("empty provider_message_id should be omitted")
	}
}

func TestNotifierRelaysMessageEvents(t *testing.T) {
	b := bus.New()
	rec := &recorder{}
	n := New(rec, "chatd.events", b, nil)
	n.Start(context.Background())
	defer n.Stop()

	b.Emit(bus.MessageDelivered, bus.MessageEvent{MessageID: "m1", Status: "DELIVERED"})
	b.Emit(bus.JobRetryScheduled, bus.JobEvent{JobID: "j1"})
	b.Emit(bus.JobDeadLettered, bus.JobEvent{JobID: "j2"})

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.kinds()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	kinds := rec.kinds()
	if len(kinds) != 2 {
		t.Fatalf("relayed %v, want delivered and dead-lettered only", kinds)
	}
	for _, k := range kinds {
		if k == bus.JobRetryScheduled {
			t.Errorf("retry events must not be relayed")
		}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.channel != "chatd.events" {
		t.Errorf("channel = %q", rec.channel)
	}
}

func TestNotifierStopUnsubscribes(t *testing.T) {
	b := bus.New()
	n := New(&recorder{}, "c", b, nil)
	n.Start(context.Background())
	n.Stop()
	if b.Subscribers() != 0 {
		t.Errorf("subscribers = %d after Stop, want 0", b.Subscribers())
	}
}

func TestDialRedisBadURL(t *testing.T) {
	if _, err := DialRedis(context.Background(), "http://not-redis"); err == nil {
		t.Error("expected error for non-redis url")
	}
}

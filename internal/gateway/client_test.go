package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/status"
)

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/", Session: "default", APIKey: "secret", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSendTextRequestShape(t *testing.T) {
	var got sendTextRequest
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sendText" {
			t.Errorf("request = %s %s, want POST /sendText", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("api key header = %q", r.Header.Get("X-Api-Key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"success":true,"id":"true_5511@c.us_ABC"}`))
	})

	res, err := c.SendText(context.Background(), "5511@c.us", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderMessageID != "true_5511@c.us_ABC" {
		t.Errorf("provider id = %q", res.ProviderMessageID)
	}
	if got.Session != "default" || got.ChatID != "5511@c.us" || got.Text != "hello" {
		t.Errorf("body = %+v", got)
	}
}

func TestSendTextResponseShapes(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		wantID string
	}{
		{"flat id", `{"id":"abc"}`, "abc"},
		{"nested key", `{"key":{"id":"xyz"}}`, "xyz"},
		{"not json", `OK`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			res, err := c.SendText(context.Background(), "c", "t")
			if err != nil {
				t.Fatal(err)
			}
			if res.ProviderMessageID != tt.wantID {
				t.Errorf("id = %q, want %q", res.ProviderMessageID, tt.wantID)
			}
		})
	}
}

func TestSendTextErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		header        map[string]string
		wantTransient bool
		wantPermanent bool
	}{
		{"500", http.StatusInternalServerError, "boom", nil, true, false},
		{"503", http.StatusServiceUnavailable, "", nil, true, false},
		{"429", http.StatusTooManyRequests, "", map[string]string{"Retry-After": "7"}, true, false},
		{"408", http.StatusRequestTimeout, "", nil, true, false},
		{"400", http.StatusBadRequest, `{"error":"chatId invalid"}`, nil, false, true},
		{"404", http.StatusNotFound, "", nil, false, true},
		{"success false", http.StatusOK, `{"success":false,"error":"session busy"}`, nil, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.SendText(context.Background(), "c", "t")
			if err == nil {
				t.Fatal("expected error")
			}
			if IsTransient(err) != tt.wantTransient || IsPermanent(err) != tt.wantPermanent {
				t.Errorf("err = %v (transient=%v permanent=%v)", err, IsTransient(err), IsPermanent(err))
			}
		})
	}
}

func TestSendTextRetryAfter(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.SendText(context.Background(), "c", "t")
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransientError", err)
	}
	if te.RetryAfter != 12*time.Second {
		t.Errorf("retry after = %v, want 12s", te.RetryAfter)
	}
}

func TestSendTextNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := NewClient(Config{BaseURL: srv.URL, Session: "default"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.SendText(context.Background(), "c", "t")
	if !IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "not a url", Session: "s"}); err == nil {
		t.Error("expected error for bad base url")
	}
	if _, err := NewClient(Config{BaseURL: "http://gw:3000"}); err == nil {
		t.Error("expected error for missing session")
	}
}

func TestGetStatus(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/default/status" {
			t.Errorf("path = %s, want /default/status", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"name":"default","status":"working"}`))
	})
	st, err := c.GetStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.State != SessionWorking || !st.Healthy() {
		t.Errorf("status = %+v, want WORKING", st)
	}
}

type stubStatus struct {
	st  *Status
	err error
}

func (s *stubStatus) GetStatus(context.Context) (*Status, error) { return s.st, s.err }

func TestMonitorDrivesMachine(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("gateway.", 10)
	defer unsub()

	stub := &stubStatus{st: &Status{Session: "default", State: SessionWorking}}
	machine := status.NewMachine(b)
	m := NewMonitor(stub, machine, b, nil, time.Second)

	m.Check(context.Background())
	if machine.Current() != status.Ready {
		t.Fatalf("state = %s, want READY", machine.Current())
	}
	select {
	case evt := <-ch:
		if evt.Kind != bus.GatewayStatus {
			t.Errorf("kind = %s", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no gateway.status event")
	}

	stub.st = &Status{Session: "default", State: SessionScanQR}
	m.Check(context.Background())
	if machine.Current() != status.Degraded {
		t.Errorf("state = %s, want DEGRADED for SCAN_QR_CODE", machine.Current())
	}

	stub.err = errors.New("connection refused")
	m.Check(context.Background())
	snap := m.Last()
	if snap.Err == nil || snap.Status == nil || snap.Status.State != SessionScanQR {
		t.Errorf("snapshot = %+v, want error with last known SCAN_QR_CODE", snap)
	}

	stub.err = nil
	stub.st = &Status{Session: "default", State: SessionWorking}
	m.Check(context.Background())
	if machine.Current() != status.Ready {
		t.Errorf("state = %s, want READY after recovery", machine.Current())
	}
}

func TestMonitorStartStop(t *testing.T) {
	stub := &stubStatus{st: &Status{State: SessionWorking}}
	m := NewMonitor(stub, nil, nil, nil, 10*time.Millisecond)
	m.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	if m.Last().CheckedAt.IsZero() {
		t.Error("monitor never checked")
	}
}

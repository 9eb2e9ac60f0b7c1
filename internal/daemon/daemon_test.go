package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatd/internal/api"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/lock"
	"github.com/matheus3301/chatd/internal/paths"
	"github.com/matheus3301/chatd/internal/status"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// shortTempDir keeps unix socket paths under the 104-char macOS limit.
func shortTempDir(t *testing.T, pattern string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", pattern)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func healthClient(t *testing.T, socketPath string) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func waitServing(t *testing.T, client healthpb.HealthClient, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last healthpb.HealthCheckResponse_ServingStatus
	for time.Now().Before(deadline) {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
		if err == nil {
			last = resp.Status
			if last == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("health = %v, want %v", last, want)
}

func TestServerHealthFollowsStatus(t *testing.T) {
	dir := shortTempDir(t, "chatd-health-*")
	socketPath := filepath.Join(dir, "d.sock")

	b := bus.New()
	machine := status.NewMachine(b)
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"

	srv, err := NewServer(Params{SocketPath: socketPath}, paths.New(dir), cfg,
		api.NewChatService(nil, nil, b, nil, nil), machine, nil, b, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	defer srv.Stop(context.Background())

	client := healthClient(t, socketPath)
	waitServing(t, client, healthpb.HealthCheckResponse_NOT_SERVING)

	if err := machine.Transition(status.Ready); err != nil {
		t.Fatal(err)
	}
	waitServing(t, client, healthpb.HealthCheckResponse_SERVING)

	resp, err := http.Get("http://" + srv.HTTPAddr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d, want 200 while READY", resp.StatusCode)
	}

	if err := machine.Transition(status.Degraded); err != nil {
		t.Fatal(err)
	}
	waitServing(t, client, healthpb.HealthCheckResponse_NOT_SERVING)

	resp, err = http.Get("http://" + srv.HTTPAddr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/healthz = %d, want 503 while DEGRADED", resp.StatusCode)
	}
}

// TestFxModuleWiring verifies the dependency graph resolves.
func TestFxModuleWiring(t *testing.T) {
	dir := shortTempDir(t, "chatd-fx-*")
	if err := fx.ValidateApp(Module(Params{DataDir: dir})); err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}

// fakeGateway answers sendText and the session status endpoint.
func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sendText", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"id":"wamid.1"}`))
	})
	mux.HandleFunc("GET /default/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name":"default","status":"WORKING"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func TestDaemonDeliversMessage(t *testing.T) {
	gw := fakeGateway(t)
	dir := shortTempDir(t, "chatd-e2e-*")

	cfg := config.Default()
	cfg.Instance = "e2e"
	cfg.Gateway.BaseURL = gw.URL
	cfg.Gateway.StatusInterval = config.Duration{Duration: 200 * time.Millisecond}
	cfg.Dispatch.Workers = 2
	cfg.Dispatch.PollInterval = config.Duration{Duration: 20 * time.Millisecond}
	if err := config.Save(filepath.Join(dir, "config.toml"), cfg); err != nil {
		t.Fatal(err)
	}

	var srv *Server
	app := fxtest.New(t,
		Module(Params{DataDir: dir, HTTPAddr: "127.0.0.1:0"}),
		fx.Populate(&srv),
		fx.NopLogger,
	)
	app.RequireStart()
	defer app.RequireStop()

	waitServing(t, healthClient(t, srv.SocketPath()), healthpb.HealthCheckResponse_SERVING)

	base := "http://" + srv.HTTPAddr()
	var chat store.Chat
	if code := postJSON(t, base+"/v1/chats", map[string]any{
		"type":         store.ChatGeneralSupport,
		"participants": []map[string]string{{"user_id": "client", "role": "member"}},
	}, &chat); code != http.StatusCreated {
		t.Fatalf("create chat = %d", code)
	}
	var msg store.Message
	if code := postJSON(t, base+"/v1/chats/"+chat.ID+"/messages", map[string]any{
		"sender_id": "client",
		"content":   "hello",
	}, &msg); code != http.StatusAccepted {
		t.Fatalf("post message = %d", code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/v1/messages/" + msg.ID)
		if err != nil {
			t.Fatal(err)
		}
		var got store.Message
		_ = json.NewDecoder(resp.Body).Decode(&got)
		resp.Body.Close()
		if got.Status == store.StatusDelivered {
			if got.ProviderMessageID != "wamid.1" {
				t.Errorf("provider id = %q", got.ProviderMessageID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message status = %s, want DELIVERED", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// A second daemon on the same data dir must refuse to start.
	second := fx.New(
		Module(Params{DataDir: dir, HTTPAddr: "127.0.0.1:0", SocketPath: filepath.Join(dir, "other.sock")}),
		fx.NopLogger,
	)
	var held *lock.HeldError
	if err := second.Err(); !errors.As(err, &held) {
		t.Errorf("second daemon error = %v, want HeldError", err)
	}
}

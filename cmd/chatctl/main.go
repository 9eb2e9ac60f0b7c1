package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/daemon"
	"github.com/matheus3301/chatd/internal/lock"
	"github.com/matheus3301/chatd/internal/paths"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

func main() {
	dataDir := flag.String("data-dir", paths.DefaultDataDir(), "data directory (env "+paths.EnvDataDir+")")
	addrFlag := flag.String("addr", "", "daemon HTTP address (default from config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	layout := paths.New(*dataDir)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if args[0] == "status" {
		cmdStatus(ctx, layout, *jsonFlag)
		return
	}

	addr := *addrFlag
	if addr == "" {
		cfg, err := config.Resolve(layout.ConfigPath())
		if err != nil {
			fail(err)
		}
		addr = cfg.HTTP.Addr
	}
	c := &apiClient{base: "http://" + addr, http: &http.Client{Timeout: 10 * time.Second}}

	switch args[0] {
	case "chat":
		need(args, 3, "chat <type> <user_id>...")
		participants := make([]map[string]string, 0, len(args)-2)
		for _, id := range args[2:] {
			participants = append(participants, map[string]string{"user_id": id, "role": "member"})
		}
		c.call(ctx, http.MethodPost, "/v1/chats", map[string]any{"type": args[1], "participants": participants})
	case "close":
		need(args, 2, "close <chat_id>")
		c.call(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(args[1])+"/close", nil)
	case "post":
		need(args, 4, "post <chat_id> <sender_id> <text>")
		text := strings.Join(args[3:], " ")
		c.call(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(args[1])+"/messages",
			map[string]any{"sender_id": args[2], "content": text})
	case "history":
		need(args, 2, "history <chat_id> [cursor]")
		path := "/v1/chats/" + url.PathEscape(args[1]) + "/messages"
		if len(args) > 2 {
			path += "?cursor=" + url.QueryEscape(args[2])
		}
		c.call(ctx, http.MethodGet, path, nil)
	case "message":
		need(args, 2, "message <message_id>")
		c.call(ctx, http.MethodGet, "/v1/messages/"+url.PathEscape(args[1]), nil)
	case "jobs":
		need(args, 2, "jobs <message_id>")
		c.call(ctx, http.MethodGet, "/v1/messages/"+url.PathEscape(args[1])+"/jobs", nil)
	case "dead":
		c.call(ctx, http.MethodGet, "/v1/jobs/dead", nil)
	case "requeue":
		need(args, 2, "requeue <job_id>")
		c.call(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(args[1])+"/requeue", nil)
	case "stats":
		c.call(ctx, http.MethodGet, "/v1/jobs/stats", nil)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--data-dir <dir>] [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show daemon health")
	fmt.Fprintln(os.Stderr, "  chat <type> <user_id>...        Start a chat")
	fmt.Fprintln(os.Stderr, "  close <chat_id>                 Close a chat")
	fmt.Fprintln(os.Stderr, "  post <chat_id> <sender> <text>  Post a message")
	fmt.Fprintln(os.Stderr, "  history <chat_id> [cursor]      List messages")
	fmt.Fprintln(os.Stderr, "  message <message_id>            Show one message")
	fmt.Fprintln(os.Stderr, "  jobs <message_id>               List a message's dispatch jobs")
	fmt.Fprintln(os.Stderr, "  dead                            List dead-lettered jobs")
	fmt.Fprintln(os.Stderr, "  requeue <job_id>                Requeue a dead job")
	fmt.Fprintln(os.Stderr, "  stats                           Show queue and store counters")
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: chatctl "+usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, layout paths.Layout, jsonOut bool) {
	pid, since, err := lock.Holder(layout.Root)
	if err != nil {
		fail(fmt.Errorf("daemon not running in %s: %w", layout.Root, err))
	}

	conn, err := grpc.NewClient("unix://"+layout.SocketPath(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fail(err)
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.HealthService})
	if err != nil {
		fail(fmt.Errorf("cannot reach daemon socket: %w", err))
	}
	if jsonOut {
		out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
		if err != nil {
			fail(err)
		}
		fmt.Println(string(out))
		return
	}
	fmt.Printf("Health:  %s\n", resp.Status)
	fmt.Printf("PID:     %d\n", pid)
	if !since.IsZero() {
		fmt.Printf("Uptime:  %s\n", time.Since(since).Round(time.Second))
	}
}

type apiClient struct {
	base string
	http *http.Client
}

// call sends one request and pretty-prints the JSON answer.
func (c *apiClient) call(ctx context.Context, method, path string, body any) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			fail(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		fail(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fail(fmt.Errorf("cannot reach daemon at %s: %w", c.base, err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fail(err)
	}
	var out bytes.Buffer
	if json.Indent(&out, raw, "", "  ") != nil {
		out.Reset()
		out.Write(raw)
	}
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d\n%s\n", resp.StatusCode, out.String())
		os.Exit(1)
	}
	fmt.Println(out.String())
}

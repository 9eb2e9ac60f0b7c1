package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/matheus3301/chatd/internal/api"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/gateway"
	"github.com/matheus3301/chatd/internal/paths"
	"github.com/matheus3301/chatd/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name reported alongside "".
const HealthService = "chatd.ChatService"

// Server owns the HTTP listener for the ChatService API and the gRPC health
// service on the data directory's unix socket.
type Server struct {
	http            *http.Server
	httpLn          net.Listener
	grpc            *grpc.Server
	health          *health.Server
	grpcLn          net.Listener
	socketPath      string
	shutdownTimeout time.Duration
	bus             *bus.Bus
	logger          *zap.Logger
	stop            chan struct{}
	done            chan struct{}
}

// NewServer binds both listeners so address errors surface at startup.
func NewServer(p Params, layout paths.Layout, cfg *config.Config, svc *api.ChatService, machine *status.Machine, monitor *gateway.Monitor, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = layout.SocketPath()
	}
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}
	grpcLn, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = grpcLn.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	addr := cfg.HTTP.Addr
	if p.HTTPAddr != "" {
		addr = p.HTTPAddr
	}
	httpLn, err := net.Listen("tcp", addr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, fmt.Errorf("listen http %s: %w", addr, err)
	}

	hs := health.NewServer()
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)

	router := api.NewRouter(svc, api.RouterConfig{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Health:      healthFunc(machine, monitor),
		Logger:      logger.Named("http"),
	})

	s := &Server{
		http: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		httpLn:          httpLn,
		grpc:            grpcSrv,
		health:          hs,
		grpcLn:          grpcLn,
		socketPath:      socketPath,
		shutdownTimeout: cfg.HTTP.ShutdownTimeout.Duration,
		bus:             b,
		logger:          logger,
	}
	s.setServing(machine.Current())
	return s, nil
}

func healthFunc(machine *status.Machine, monitor *gateway.Monitor) func() api.Health {
	return func() api.Health {
		cur := machine.Current()
		h := api.Health{
			Ready:  cur == status.Ready,
			Status: string(cur),
			Since:  machine.Since(),
		}
		if monitor != nil {
			snap := monitor.Last()
			if snap.Status != nil {
				h.GatewayState = string(snap.Status.State)
			}
			if snap.Err != nil {
				h.GatewayError = snap.Err.Error()
			}
		}
		return h
	}
}

// HTTPAddr is the bound HTTP address.
func (s *Server) HTTPAddr() string { return s.httpLn.Addr().String() }

// SocketPath is the bound gRPC socket.
func (s *Server) SocketPath() string { return s.socketPath }

// Start serves HTTP and gRPC in the background and follows daemon status
// changes on the bus.
func (s *Server) Start() {
	events, unsub := s.bus.Subscribe(bus.DaemonStatusChanged, 16)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case evt := <-events:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					s.setServing(change.To)
				}
			case <-s.stop:
				return
			}
		}
	}()

	go func() {
		s.logger.Info("http server starting", zap.String("addr", s.HTTPAddr()))
		if err := s.http.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
	go func() {
		s.logger.Info("gRPC health server starting", zap.String("socket", s.socketPath))
		if err := s.grpc.Serve(s.grpcLn); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
}

// Stop drains HTTP requests for at most the configured shutdown timeout, then
// stops gRPC and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("servers stopping")
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	s.health.Shutdown()
	s.grpc.GracefulStop()
	_ = s.httpLn.Close()
	_ = s.grpcLn.Close()
	_ = os.Remove(s.socketPath)
}

func (s *Server) setServing(st status.State) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if st == status.Ready {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", serving)
	s.health.SetServingStatus(HealthService, serving)
}

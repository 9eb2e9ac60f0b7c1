package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/matheus3301/chatd/internal/queue"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

// Health is the daemon view served on /healthz.
type Health struct {
	Ready        bool      `json:"ready"`
	Status       string    `json:"status"`
	Since        time.Time `json:"since"`
	GatewayState string    `json:"gateway_state,omitempty"`
	GatewayError string    `json:"gateway_error,omitempty"`
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// CORSOrigins enables CORS for the listed origins when not empty.
	CORSOrigins []string
	// Health reports daemon health; nil always reports ready.
	Health func() Health
	Logger *zap.Logger
}

type handler struct {
	svc    *ChatService
	health func() Health
	logger *zap.Logger
}

// NewRouter mounts the ChatService HTTP API.
func NewRouter(svc *ChatService, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, health: cfg.Health, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(recoverJSON(logger))
	r.Use(requestLog(logger))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chats", h.startChat)
		r.Route("/chats/{chatID}", func(r chi.Router) {
			r.Get("/", h.getChat)
			r.Post("/close", h.closeChat)
			r.Post("/messages", h.postMessage)
			r.Get("/messages", h.getHistory)
			r.Post("/read", h.markRead)
			r.Get("/unread", h.unread)
		})
		r.Get("/messages/{messageID}", h.getMessage)
		r.Get("/messages/{messageID}/jobs", h.messageJobs)
		r.Get("/jobs/dead", h.deadJobs)
		r.Get("/jobs/stats", h.stats)
		r.Post("/jobs/{jobID}/requeue", h.requeue)
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrChatNotFound),
		errors.Is(err, store.ErrMessageNotFound),
		errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrChatClosed), errors.Is(err, queue.ErrNotDead), errors.Is(err, queue.ErrMessageSettled):
		return http.StatusConflict
	case errors.Is(err, ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %w", ErrValidation, err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrValidation, key)
	}
	return n, nil
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, Health{Ready: true, Status: "READY"})
		return
	}
	hs := h.health()
	status := http.StatusOK
	if !hs.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, hs)
}

func (h *handler) startChat(w http.ResponseWriter, r *http.Request) {
	var req StartChatRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	chat, err := h.svc.StartChat(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (h *handler) getChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.svc.GetChat(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *handler) closeChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.svc.CloseChat(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

type queueUnavailableResponse struct {
	Error   string         `json:"error"`
	Message *store.Message `json:"message"`
}

func (h *handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.ChatID = chi.URLParam(r, "chatID")
	msg, err := h.svc.PostMessage(r.Context(), req)
	if errors.Is(err, ErrQueueUnavailable) && msg != nil {
		writeJSON(w, http.StatusServiceUnavailable, queueUnavailableResponse{Error: err.Error(), Message: msg})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (h *handler) getHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := h.svc.GetHistory(r.Context(), chi.URLParam(r, "chatID"), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.GetMessage(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *handler) messageJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.MessageJobs(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type markReadRequest struct {
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
}

func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	rs, err := h.svc.MarkRead(r.Context(), chi.URLParam(r, "chatID"), req.UserID, req.MessageID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *handler) unread(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := r.URL.Query().Get("user_id")
	n, err := h.svc.UnreadCount(r.Context(), chatID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "user_id": userID, "unread": n})
}

func (h *handler) deadJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	jobs, err := h.svc.DeadJobs(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []queue.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) requeue(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.RequeueJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Package api exposes live call control, outbound call creation, drain and
// status streaming over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/dialer"
	"github.com/sebas/callserver/internal/callserver/drain"
	"github.com/sebas/callserver/internal/callserver/events"
	"github.com/sebas/callserver/internal/callserver/session"
	"github.com/sebas/callserver/internal/callserver/statusstore"
	"github.com/sebas/callserver/internal/callserver/webhook"
)

// Sessions looks up live call sessions.
// Implemented by session.Tracker.
type Sessions interface {
	Get(callSid string) (*session.CallSession, bool)
	List() []*session.CallSession
	Count() int
}

// CallRequest creates an outbound call.
type CallRequest struct {
	From       string        `json:"from"`
	CallerName string        `json:"caller_name,omitempty"`
	To         dialer.Target `json:"to"`
	CallHook   *webhook.Hook `json:"call_hook,omitempty"`
	StatusHook *webhook.Hook `json:"call_status_hook,omitempty"`
	// Application is run instead of fetching CallHook.
	Application json.RawMessage   `json:"application,omitempty"`
	Timeout     int               `json:"timeout,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Tag         map[string]any    `json:"tag,omitempty"`
}

// MessageRequest sends a text message, optionally under the control of an
// application returned by MessageHook.
type MessageRequest struct {
	From        string        `json:"from"`
	To          string        `json:"to"`
	Text        string        `json:"text"`
	Carrier     string        `json:"carrier,omitempty"`
	MessageHook *webhook.Hook `json:"message_hook,omitempty"`
}

// Originator starts calls and messaging sessions.
type Originator interface {
	CreateCall(ctx context.Context, req CallRequest) (callinfo.Snapshot, error)
	SendMessage(ctx context.Context, req MessageRequest) (callinfo.Snapshot, error)
}

// Drainer controls draining of this instance.
// Implemented by drain.Coordinator.
type Drainer interface {
	Start(ctx context.Context, req drain.Request) (drain.Status, error)
	Status() drain.Status
	Cancel() error
	Draining() bool
}

// Subscriber streams events whose subject matches a pattern.
// Implemented by events.LocalBus.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string, buffer int) <-chan events.Event
}

// Options wires the server's collaborators. Nil members disable the
// endpoints that need them.
type Options struct {
	Addr       string
	Logger     *slog.Logger
	Sessions   Sessions
	Originator Originator
	Drain      Drainer
	History    statusstore.Store
	Events     Subscriber
	Metrics    http.Handler
	// DrainTimeout and DrainTarget apply when a drain request omits them.
	DrainTimeout time.Duration
	DrainTarget  string
}

// Server provides the HTTP control API
type Server struct {
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time
}

// NewServer creates the API server
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:      opts,
		logger:    opts.Logger,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Event consumers are backend services, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	r.Route("/v1/calls", func(r chi.Router) {
		r.Get("/", s.handleListCalls)
		r.Post("/", s.handleCreateCall)
		r.Get("/{callSid}", s.handleGetCall)
		r.Put("/{callSid}", s.handleUpdateCall)
		r.Get("/{callSid}/tasks", s.handleRemainingTasks)
		r.Post("/{callSid}/refer", s.handleRefer)
		r.Post("/{callSid}/events/{kind}", s.handleNotify)
	})
	r.Post("/v1/messages", s.handleSendMessage)

	r.Post("/v1/drain", s.handleStartDrain)
	r.Get("/v1/drain", s.handleDrainStatus)
	r.Delete("/v1/drain", s.handleCancelDrain)

	r.Get("/v1/events/ws", s.handleEventStream)
	return r
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	s.logger.Info("[API] Starting HTTP API server", "addr", s.opts.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	draining := s.opts.Drain != nil && s.opts.Drain.Draining()
	if draining {
		status = "draining"
	}
	sessions := 0
	if s.opts.Sessions != nil {
		sessions = s.opts.Sessions.Count()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"uptime":   int64(time.Since(s.startTime).Seconds()),
		"sessions": sessions,
		"draining": draining,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondErr maps engine errors to HTTP statuses.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, statusstore.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrInvalidDirective):
		status, code = http.StatusBadRequest, "invalid_directive"
	case errors.Is(err, session.ErrPreconditionsNotMet):
		status, code = http.StatusConflict, "preconditions_not_met"
	case errors.Is(err, session.ErrCallGone):
		status, code = http.StatusGone, "call_gone"
	case errors.Is(err, drain.ErrAlreadyDraining), errors.Is(err, drain.ErrNotDraining):
		status, code = http.StatusConflict, "drain_state"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("[API] Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respondError(w, status, code, err.Error())
}

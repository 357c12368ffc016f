package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/drain"
	"github.com/sebas/callserver/internal/callserver/session"
	"github.com/sebas/callserver/internal/callserver/statusstore"
)

const (
	controlTimeout      = 30 * time.Second
	defaultHistoryLimit = 100
)

type callView struct {
	callinfo.Snapshot
	Kind        session.Kind `json:"kind,omitempty"`
	CurrentTask string       `json:"currentTask,omitempty"`
	Live        bool         `json:"live"`
	Origin      string       `json:"origin,omitempty"`
	UpdatedAt   *time.Time   `json:"updatedAt,omitempty"`
}

func liveView(s *session.CallSession) callView {
	return callView{
		Snapshot:    s.Snapshot(),
		Kind:        s.Kind(),
		CurrentTask: s.CurrentTask(),
		Live:        true,
	}
}

func recordView(rec statusstore.Record) callView {
	updated := rec.UpdatedAt
	return callView{Snapshot: rec.Snapshot, Origin: rec.Origin, UpdatedAt: &updated}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.CallSession, bool) {
	callSid := chi.URLParam(r, "callSid")
	if s.opts.Sessions == nil {
		s.respondErr(w, r, fmt.Errorf("%w: %s", session.ErrNotFound, callSid))
		return nil, false
	}
	cs, ok := s.opts.Sessions.Get(callSid)
	if !ok {
		s.respondErr(w, r, fmt.Errorf("%w: %s", session.ErrNotFound, callSid))
		return nil, false
	}
	return cs, true
}

// handleListCalls lists live sessions, or persisted status history with
// ?history=true.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("history") == "true" {
		if s.opts.History == nil {
			respondError(w, http.StatusNotImplemented, "unavailable", "status history not configured")
			return
		}
		limit := defaultHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
				return
			}
			limit = n
		}
		records, err := s.opts.History.List(r.Context(), limit)
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		views := make([]callView, 0, len(records))
		for _, rec := range records {
			views = append(views, recordView(rec))
		}
		respondJSON(w, http.StatusOK, views)
		return
	}

	views := []callView{}
	if s.opts.Sessions != nil {
		for _, cs := range s.opts.Sessions.List() {
			views = append(views, liveView(cs))
		}
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callSid := chi.URLParam(r, "callSid")
	if s.opts.Sessions != nil {
		if cs, ok := s.opts.Sessions.Get(callSid); ok {
			respondJSON(w, http.StatusOK, liveView(cs))
			return
		}
	}
	if s.opts.History == nil {
		s.respondErr(w, r, fmt.Errorf("%w: %s", session.ErrNotFound, callSid))
		return
	}
	rec, err := s.opts.History.Get(r.Context(), callSid)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, recordView(rec))
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	if s.opts.Originator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "outbound calls not configured")
		return
	}
	if s.opts.Drain != nil && s.opts.Drain.Draining() {
		respondError(w, http.StatusServiceUnavailable, "draining", "instance is draining")
		return
	}

	var req CallRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := req.To.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_target", err.Error())
		return
	}
	if (req.CallHook == nil || req.CallHook.IsZero()) && len(req.Application) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "call_hook or application is required")
		return
	}

	snap, err := s.opts.Originator.CreateCall(r.Context(), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.logger.Info("[API] Outbound call created", "call_sid", snap.CallSid, "to", req.To.Display())
	respondJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleUpdateCall(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var d session.Directives
	if err := decodeJSON(r, &d); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()
	if err := cs.UpdateCall(ctx, d); err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, liveView(cs))
}

func (s *Server) handleRemainingTasks(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	data, err := cs.RemainingTaskData()
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, data)
}

type referRequest struct {
	ReferTo string `json:"referTo"`
}

type referResponse struct {
	SipStatus int  `json:"sipStatus"`
	Accepted  bool `json:"accepted"`
}

func (s *Server) handleRefer(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req referRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ReferTo) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "referTo is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()
	code, err := cs.ReferCall(ctx, req.ReferTo)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, referResponse{SipStatus: code, Accepted: code == 200 || code == 202})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	opts := map[string]any{}
	if err := decodeJSON(r, &opts); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()
	var err error
	switch kind := chi.URLParam(r, "kind"); kind {
	case "conference":
		err = cs.NotifyConferenceEvent(ctx, opts)
	case "enqueue":
		err = cs.NotifyEnqueueEvent(ctx, opts)
	case "dequeue":
		err = cs.NotifyDequeueEvent(ctx, opts)
	default:
		respondError(w, http.StatusNotFound, "unknown_event", "unknown event kind "+kind)
		return
	}
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if s.opts.Originator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "messaging not configured")
		return
	}
	var req MessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.To == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "to is required")
		return
	}
	if req.Text == "" && (req.MessageHook == nil || req.MessageHook.IsZero()) {
		respondError(w, http.StatusBadRequest, "invalid_request", "text or message_hook is required")
		return
	}
	snap, err := s.opts.Originator.SendMessage(r.Context(), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, snap)
}

type drainRequest struct {
	Mode    drain.Mode `json:"mode"`
	Timeout string     `json:"timeout,omitempty"`
	Target  string     `json:"target,omitempty"`
}

func (s *Server) handleStartDrain(w http.ResponseWriter, r *http.Request) {
	if s.opts.Drain == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "drain not configured")
		return
	}
	var body drainRequest
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req := drain.Request{Mode: body.Mode, Target: body.Target}
	if req.Mode == "" {
		req.Mode = drain.ModeGraceful
	}
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_timeout", "timeout must be a positive duration such as 90s")
			return
		}
		req.Timeout = d
	}
	if req.Timeout == 0 {
		req.Timeout = s.opts.DrainTimeout
	}
	if req.Target == "" && req.Mode == drain.ModeAggressive {
		req.Target = s.opts.DrainTarget
	}

	status, err := s.opts.Drain.Start(r.Context(), req)
	if err != nil {
		if errors.Is(err, drain.ErrAlreadyDraining) {
			s.respondErr(w, r, err)
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.logger.Info("[API] Drain started", "mode", req.Mode, "target", req.Target)
	respondJSON(w, http.StatusAccepted, status)
}

func (s *Server) handleDrainStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Drain == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "drain not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.opts.Drain.Status())
}

func (s *Server) handleCancelDrain(w http.ResponseWriter, r *http.Request) {
	if s.opts.Drain == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "drain not configured")
		return
	}
	if err := s.opts.Drain.Cancel(); err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.opts.Drain.Status())
}

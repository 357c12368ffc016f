package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/callserver/internal/callserver/events"
)

const (
	streamBuffer       = 256
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// handleEventStream relays call events matching ?subject= (all call events
// by default) to a websocket client until it disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event stream not configured")
		return
	}
	pattern := strings.TrimSpace(r.URL.Query().Get("subject"))
	if pattern == "" {
		pattern = events.PatternAllCalls
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.opts.Events.Subscribe(ctx, pattern, streamBuffer)
	s.logger.Debug("[API] Event stream connected", "subject", pattern, "remote", r.RemoteAddr)

	// The read loop only notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("[API] Event stream closed", "subject", pattern)
			return
		case <-ping.C:
			deadline := time.Now().Add(streamWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(streamMessage{Subject: ev.Subject(), Event: ev}); err != nil {
				s.logger.Debug("[API] Event stream write failed", "error", err)
				return
			}
		}
	}
}

type streamMessage struct {
	Subject string       `json:"subject"`
	Event   events.Event `json:"event"`
}

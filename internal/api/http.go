// SPDX-License-Identifier: MIT

// Package api exposes the read-only coordination surface: room identity,
// current session status and the next scheduled window, for multi-room
// dashboards. No write access is offered here.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roomkit/roomd/internal/link"
	"github.com/roomkit/roomd/internal/session"
)

// StatusSource provides the session snapshot.
type StatusSource interface {
	Snapshot() session.Snapshot
}

// LinkSource provides the serial link status.
type LinkSource interface {
	Status() link.Status
}

// Server builds the HTTP handler for the coordination API.
type Server struct {
	status  StatusSource
	link    LinkSource
	metrics bool
}

// New creates the API server. When metrics is false the /metrics endpoint is
// not mounted.
func New(status StatusSource, l LinkSource, metrics bool) *Server {
	return &Server{status: status, link: l, metrics: metrics}
}

// Handler returns the chi router for the coordination API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/v1/room", s.handleRoom)
	if s.metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

type roomPayload struct {
	RoomID    string     `json:"room_id"`
	Status    string     `json:"status"`
	SessionID string     `json:"session_id,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	snap := s.status.Snapshot()
	payload := roomPayload{
		RoomID: snap.RoomID,
		Status: string(snap.State),
	}
	if snap.Session != nil {
		payload.SessionID = snap.Session.ID
		start, end := snap.Session.Start, snap.Session.End
		payload.StartTime = &start
		payload.EndTime = &end
	}
	writeJSON(w, http.StatusOK, payload)
}

type healthPayload struct {
	Status      string `json:"status"`
	LinkState   string `json:"link_state"`
	RxLines     uint64 `json:"rx_lines"`
	TxLines     uint64 `json:"tx_lines"`
	PendingCmds int    `json:"pending_commands"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ls := s.link.Status()
	payload := healthPayload{
		Status:      "ok",
		LinkState:   ls.State.String(),
		RxLines:     ls.RxLines,
		TxLines:     ls.TxLines,
		PendingCmds: ls.Pending,
	}
	// The room stays operational with the link down; report degraded, not 5xx.
	if ls.State != link.StateUp {
		payload.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// SPDX-License-Identifier: MIT

// Package access implements the runtime access server: it accepts client
// connections, authenticates presented hashes against the user directory and
// claims or releases session ownership through the session controller. Client
// connections and session lifetime are fully decoupled; dropping every
// connection never ends a session.
package access

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/roomkit/roomd/internal/bus"
	"github.com/roomkit/roomd/internal/log"
	"github.com/roomkit/roomd/internal/metrics"
	"github.com/roomkit/roomd/internal/session"
	"github.com/roomkit/roomd/internal/store"
)

// Controller is the slice of the session controller the server calls. All
// cross-connection races over ownership are resolved by its serialization.
type Controller interface {
	Authenticate(ctx context.Context, connID, userUID string, now time.Time) (session.Snapshot, error)
	Release(connID string)
	Snapshot() session.Snapshot
}

// UserDirectory resolves a presented hash to a user record.
type UserDirectory interface {
	UserByHash(ctx context.Context, hash string) (*store.User, error)
}

// Options tune the access server.
type Options struct {
	Secret        string        // optional shared room secret checked before hash lookup
	PresenceGrace time.Duration // silence beyond this prunes the connection
	AuthPerSecond float64       // per-connection auth attempt budget
	AuthBurst     int
}

func (o Options) withDefaults() Options {
	if o.PresenceGrace <= 0 {
		o.PresenceGrace = 30 * time.Second
	}
	if o.AuthPerSecond <= 0 {
		o.AuthPerSecond = 1
	}
	if o.AuthBurst <= 0 {
		o.AuthBurst = 5
	}
	return o
}

type conn struct {
	id       string
	uid      string
	session  string
	lastSeen time.Time
	nc       net.Conn
}

// Server owns the listener and the connection table.
type Server struct {
	ctrl  Controller
	users UserDirectory
	bus   *bus.Bus
	opts  Options
	log   zerolog.Logger
	clock func() time.Time

	mu    sync.Mutex
	conns map[string]*conn
}

// New creates an access server backed by ctrl and users.
func New(ctrl Controller, users UserDirectory, b *bus.Bus, opts Options) *Server {
	return &Server{
		ctrl:  ctrl,
		users: users,
		bus:   b,
		opts:  opts.withDefaults(),
		log:   log.WithComponent("access"),
		clock: time.Now,
		conns: make(map[string]*conn),
	}
}

// Serve accepts connections on ln until ctx is cancelled. One goroutine per
// connection; a background pruner reaps silent connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go s.prune(ctx)

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go s.handle(ctx, nc)
	}
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	c := &conn{
		id:       uuid.NewString(),
		lastSeen: s.clock(),
		nc:       nc,
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	metrics.ConnectionsOpen.Inc()

	logger := s.log.With().Str("conn_id", c.id).Logger()
	logger.Debug().Str("remote", nc.RemoteAddr().String()).Msg("connection opened")

	defer func() {
		s.ctrl.Release(c.id)
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		_ = nc.Close()
		metrics.ConnectionsOpen.Dec()
		logger.Debug().Msg("connection closed")
	}()

	limiter := rate.NewLimiter(rate.Limit(s.opts.AuthPerSecond), s.opts.AuthBurst)
	scanner := bufio.NewScanner(nc)
	enc := json.NewEncoder(nc)

	for {
		// Every read carries a deadline; a silent client is eventually pruned.
		if err := nc.SetReadDeadline(s.clock().Add(s.opts.PresenceGrace)); err != nil {
			return
		}
		if !scanner.Scan() {
			return
		}

		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(Response{Type: "error", Error: "malformed request"})
			continue
		}

		s.touch(c.id)
		var resp Response
		switch req.Type {
		case typeAuth:
			resp = s.authenticate(ctx, c, req, limiter, logger)
		case typeStatus:
			resp = snapshotResponse("session", true, s.ctrl.Snapshot())
		case typePresence:
			resp = Response{Type: "presence_ack", OK: true}
		default:
			resp = Response{Type: "error", Error: "unknown request type"}
		}

		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// authenticate resolves the hash to a user and claims the session. Denials
// are results for the caller, not system faults.
func (s *Server) authenticate(ctx context.Context, c *conn, req Request, limiter *rate.Limiter, logger zerolog.Logger) Response {
	now := s.clock()

	if !limiter.Allow() {
		metrics.AuthTotal.WithLabelValues("rate_limited").Inc()
		return Response{Type: "auth_result", Error: "too many attempts"}
	}
	if s.opts.Secret != "" && req.Secret != s.opts.Secret {
		metrics.AuthTotal.WithLabelValues("denied").Inc()
		return Response{Type: "auth_result", Error: "access denied"}
	}

	user, err := s.users.UserByHash(ctx, req.Hash)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Error().Err(err).Msg("user lookup failed")
		}
		metrics.AuthTotal.WithLabelValues("denied").Inc()
		s.publishAuth(ctx, false, "")
		return Response{Type: "auth_result", Error: "access denied"}
	}
	if user.HashExpiry != nil && !user.HashExpiry.After(now) {
		metrics.AuthTotal.WithLabelValues("denied").Inc()
		s.publishAuth(ctx, false, user.UID)
		return Response{Type: "auth_result", Error: "access denied"}
	}

	snap, err := s.ctrl.Authenticate(ctx, c.id, user.UID, now)
	if err != nil {
		var authErr *session.AuthError
		switch {
		case errors.Is(err, session.ErrOwnershipHeld):
			metrics.AuthTotal.WithLabelValues("conflict").Inc()
			s.publishAuth(ctx, false, user.UID)
			return Response{Type: "auth_result", Error: "session already claimed"}
		case errors.As(err, &authErr):
			metrics.AuthTotal.WithLabelValues("denied").Inc()
			s.publishAuth(ctx, false, user.UID)
			return Response{Type: "auth_result", Error: "access denied"}
		default:
			logger.Error().Err(err).Msg("authenticate failed")
			metrics.AuthTotal.WithLabelValues("denied").Inc()
			return Response{Type: "auth_result", Error: "access denied"}
		}
	}

	s.mu.Lock()
	c.uid = user.UID
	if snap.Session != nil {
		c.session = snap.Session.ID
	}
	s.mu.Unlock()

	metrics.AuthTotal.WithLabelValues("ok").Inc()
	s.publishAuth(ctx, true, user.UID)
	logger.Info().Str("uid", user.UID).Msg("ownership claimed")
	return snapshotResponse("auth_result", true, snap)
}

func (s *Server) publishAuth(ctx context.Context, ok bool, uid string) {
	status := "denied"
	if ok {
		status = "ok"
	}
	s.bus.Publish(ctx, bus.Event{Kind: bus.KindAuth, Status: status, Text: uid})
}

func (s *Server) touch(id string) {
	s.mu.Lock()
	if c, ok := s.conns[id]; ok {
		c.lastSeen = s.clock()
	}
	s.mu.Unlock()
}

// prune closes connections silent beyond the grace period. Pruning releases
// the ownership claim but never ends the underlying session.
func (s *Server) prune(ctx context.Context) {
	interval := s.opts.PresenceGrace / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			var stale []*conn
			for _, c := range s.conns {
				if now.Sub(c.lastSeen) > s.opts.PresenceGrace {
					stale = append(stale, c)
				}
			}
			s.mu.Unlock()
			for _, c := range stale {
				s.log.Info().Str("conn_id", c.id).Msg("pruning silent connection")
				_ = c.nc.Close() // handler's defer releases the claim
			}
		}
	}
}

// ConnCount reports the number of open connections (for health reporting).
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

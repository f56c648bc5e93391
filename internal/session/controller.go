// SPDX-License-Identifier: MIT

// Package session implements the authoritative state machine for a single
// room. Sessions are time-authoritative: the window [start, end) is fixed at
// booking time, ends are hard deadlines, and neither authentication timing nor
// link connectivity moves them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomkit/roomd/internal/bus"
	"github.com/roomkit/roomd/internal/log"
	"github.com/roomkit/roomd/internal/metrics"
	"github.com/roomkit/roomd/internal/store"
)

// State is the controller's lifecycle state for the room.
type State string

const (
	StateIdle     State = "idle"
	StateReserved State = "reserved"
	StateActive   State = "active"
	StateEnded    State = "ended"
)

var (
	// ErrSessionConflict rejects a loaded session that overlaps the one
	// currently held. Upstream scheduling owns overlap prevention; the
	// conflicting input is discarded, never repaired.
	ErrSessionConflict = errors.New("session: conflicting session rejected")

	// ErrSessionHeld rejects a load while another session occupies the slot.
	ErrSessionHeld = errors.New("session: a session is already loaded")

	// ErrOwnershipHeld rejects a claim while another connection owns the
	// active session. Claims are exclusive, never queued.
	ErrOwnershipHeld = errors.New("session: ownership already held by another connection")
)

// AuthError is an access-denied outcome. It is surfaced to the caller and
// never logged as a system fault.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "session: authentication rejected: " + e.Reason
}

// Repo is the slice of the store the controller needs.
type Repo interface {
	NextScheduled(ctx context.Context, roomID string, now time.Time) (*store.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status store.SessionStatus) error
}

// Display issues command frames to the room hardware.
type Display interface {
	SendCommand(ctx context.Context, payload string) (string, error)
}

// Snapshot is a consistent point-in-time read of the controller.
type Snapshot struct {
	RoomID  string
	State   State
	Session *store.Session // copy, nil when idle with nothing loaded
	Owned   bool
}

// Controller drives one room. All mutations are serialized behind one mutex:
// tick and authenticate calls are totally ordered, and a tick observing
// now >= end always wins over a concurrently arriving authentication.
type Controller struct {
	roomID  string
	tick    time.Duration
	repo    Repo
	display Display
	bus     *bus.Bus
	log     zerolog.Logger

	mu       sync.Mutex
	state    State
	sess     *store.Session
	owner    string // connection id holding the ownership claim
	linkUp   bool
	queued   []bus.Event // transition events collected under mu, published after unlock
	nextShow []string    // latest display batch; painting worker drains it
	painting bool
}

// New constructs the controller for one room. One instance per room process;
// no process-wide singleton.
func New(roomID string, tick time.Duration, repo Repo, display Display, b *bus.Bus) *Controller {
	if tick <= 0 {
		tick = 300 * time.Millisecond
	}
	return &Controller{
		roomID:  roomID,
		tick:    tick,
		repo:    repo,
		display: display,
		bus:     b,
		log:     log.WithComponent("session"),
		state:   StateIdle,
	}
}

// Run drives the clock tick and consumes link events from the bus until ctx
// is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	sub := c.bus.Subscribe()
	defer sub.Close()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case bus.KindLinkUp:
				c.OnLinkUp(ctx)
			case bus.KindLinkDown:
				c.OnLinkDown()
			}
		case now := <-ticker.C:
			c.Tick(ctx, now)
		}
	}
}

// LoadSession places a Scheduled session into the controller's slot. A load
// that overlaps the currently held session is a SessionConflict: rejected,
// logged loudly, and the room keeps its current state.
func (c *Controller) LoadSession(ctx context.Context, s store.Session) error {
	if !s.End.After(s.Start) {
		return fmt.Errorf("session: invalid window [%s, %s)", s.Start, s.End)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		if c.sess.Overlaps(s) {
			c.log.Error().
				Str("event", "session.conflict").
				Str("held", c.sess.ID).
				Str("rejected", s.ID).
				Msg("overlapping session rejected, upstream data error")
			return ErrSessionConflict
		}
		return ErrSessionHeld
	}

	copied := s
	c.sess = &copied
	c.log.Info().
		Str("session_id", s.ID).
		Time("start", s.Start).
		Time("end", s.End).
		Msg("session loaded")
	return nil
}

// Tick advances the state machine to the wall-clock time now. End-of-window
// is processed before start-of-window, so adjacent sessions transition
// end-then-start within one tick and are never both active. Events are
// published only after the lock is released so a slow bus subscriber can
// never wedge Snapshot or Authenticate.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	c.mu.Lock()
	c.tickLocked(ctx, now)
	evs := c.takeQueuedLocked()
	c.mu.Unlock()
	c.publish(ctx, evs)
}

func (c *Controller) tickLocked(ctx context.Context, now time.Time) {
	// Hard deadline first: Reserved/Active end unconditionally at end_time.
	if (c.state == StateReserved || c.state == StateActive) && !now.Before(c.sess.End) {
		c.endLocked(ctx, now)
	}

	// A held-but-never-reserved session whose window fully passed.
	if c.state == StateIdle && c.sess != nil && !now.Before(c.sess.End) {
		c.endLocked(ctx, now)
	}

	// Idle with an empty slot: pull the next scheduled booking.
	if c.state == StateIdle && c.sess == nil {
		s, err := c.repo.NextScheduled(ctx, c.roomID, now)
		switch {
		case err == nil:
			c.sess = s
		case errors.Is(err, store.ErrNotFound):
			// Nothing booked.
		default:
			c.log.Error().Err(err).Msg("loading next scheduled session failed")
		}
	}

	// Window opened: Idle -> Reserved.
	if c.state == StateIdle && c.sess != nil && c.sess.Contains(now) {
		c.transitionLocked(ctx, StateReserved, store.StatusReserved)
	}
}

// Authenticate claims the room for connID on behalf of userUID. It succeeds
// only while the matching session is Reserved (or Active with a released
// claim) and strictly before end_time; at or past end_time the deadline wins
// even over a correct hash.
func (c *Controller) Authenticate(ctx context.Context, connID, userUID string, now time.Time) (Snapshot, error) {
	c.mu.Lock()
	snap, err := c.authenticateLocked(ctx, connID, userUID, now)
	evs := c.takeQueuedLocked()
	c.mu.Unlock()
	c.publish(ctx, evs)
	return snap, err
}

func (c *Controller) authenticateLocked(ctx context.Context, connID, userUID string, now time.Time) (Snapshot, error) {
	if c.sess == nil || (c.state != StateReserved && c.state != StateActive) {
		return Snapshot{}, &AuthError{Reason: "no reserved session"}
	}
	if !now.Before(c.sess.End) {
		return Snapshot{}, &AuthError{Reason: "session ended"}
	}
	if c.sess.UserUID != userUID {
		return Snapshot{}, &AuthError{Reason: "session mismatch"}
	}

	if c.state == StateActive {
		if c.owner != "" && c.owner != connID {
			return Snapshot{}, ErrOwnershipHeld
		}
		// Reclaim after a disconnect; the session never stopped.
		c.owner = connID
		return c.snapshotLocked(), nil
	}

	c.owner = connID
	c.transitionLocked(ctx, StateActive, store.StatusActive)
	return c.snapshotLocked(), nil
}

// Release drops connID's ownership claim. Client disconnect and session
// lifetime are fully decoupled: the session continues until end time.
func (c *Controller) Release(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner == connID {
		c.owner = ""
	}
}

// Snapshot returns a consistent point-in-time read of the room.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{RoomID: c.roomID, State: c.state, Owned: c.owner != ""}
	if c.sess != nil {
		copied := *c.sess
		snap.Session = &copied
	}
	return snap
}

// endLocked applies the non-cancellable Ended transition and immediately
// returns the room to Idle so the next booking can load within the same tick.
func (c *Controller) endLocked(ctx context.Context, now time.Time) {
	ended := c.sess
	c.state = StateEnded
	c.persistLocked(ctx, ended.ID, store.StatusEnded)
	metrics.SessionTransitionsTotal.WithLabelValues(string(StateEnded)).Inc()
	c.publishLocked(ended.ID, store.StatusEnded)
	c.log.Info().
		Str("session_id", ended.ID).
		Time("end", ended.End).
		Msg("session ended")

	c.sess = nil
	c.owner = ""
	c.state = StateIdle
	metrics.SessionState.Set(0)
	c.showLocked(ctx, c.idleCommands())
}

// transitionLocked moves Reserved/Active state, persists the status and
// triggers the matching display instructions.
func (c *Controller) transitionLocked(ctx context.Context, to State, status store.SessionStatus) {
	c.state = to
	c.sess.Status = status
	c.persistLocked(ctx, c.sess.ID, status)
	metrics.SessionTransitionsTotal.WithLabelValues(string(to)).Inc()
	switch to {
	case StateReserved:
		metrics.SessionState.Set(1)
	case StateActive:
		metrics.SessionState.Set(2)
	}
	c.publishLocked(c.sess.ID, status)
	c.log.Info().
		Str("session_id", c.sess.ID).
		Str("state", string(to)).
		Msg("session transition")
	c.showLocked(ctx, c.stateCommandsLocked())
}

func (c *Controller) persistLocked(ctx context.Context, sessionID string, status store.SessionStatus) {
	if err := c.repo.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		c.log.Error().
			Err(err).
			Str("session_id", sessionID).
			Str("status", string(status)).
			Msg("persisting session status failed")
	}
}

// publishLocked only queues; the event leaves the controller after the mutex
// is released.
func (c *Controller) publishLocked(sessionID string, status store.SessionStatus) {
	c.queued = append(c.queued, bus.Event{
		Kind:      bus.KindSessionChanged,
		SessionID: sessionID,
		Status:    string(status),
	})
}

func (c *Controller) takeQueuedLocked() []bus.Event {
	evs := c.queued
	c.queued = nil
	return evs
}

func (c *Controller) publish(ctx context.Context, evs []bus.Event) {
	for _, ev := range evs {
		c.bus.Publish(ctx, ev)
	}
}

// onLinkUp resynchronizes the display: the current state's instructions are
// re-sent idempotently. This is not a state transition.
func (c *Controller) OnLinkUp(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linkUp = true
	c.showLocked(ctx, c.stateCommandsLocked())
}

func (c *Controller) OnLinkDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linkUp = false
}

// showLocked hands display instructions to a single painting worker without
// blocking the state machine. Batches are latest-wins: a transition occurring
// while an older batch is on the wire replaces the queued batch, so the LCD
// always converges on the current state and batches never interleave. While
// the link is down the side effect is suppressed; the LinkUp resync repaints
// the display instead. Display failures are logged, never fatal.
func (c *Controller) showLocked(ctx context.Context, cmds []string) {
	if !c.linkUp || len(cmds) == 0 {
		return
	}
	c.nextShow = cmds
	if c.painting {
		return
	}
	c.painting = true
	go c.paint(ctx)
}

// paint drains nextShow batch by batch and exits once nothing is queued.
func (c *Controller) paint(ctx context.Context) {
	for {
		c.mu.Lock()
		cmds := c.nextShow
		c.nextShow = nil
		if len(cmds) == 0 {
			c.painting = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		for _, cmd := range cmds {
			if _, err := c.display.SendCommand(ctx, cmd); err != nil {
				c.log.Warn().Err(err).Str("cmd", cmd).Msg("display command failed")
				break
			}
		}
	}
}

func (c *Controller) stateCommandsLocked() []string {
	switch c.state {
	case StateReserved:
		return []string{
			"LCDTXT,2",
			fmt.Sprintf("LCDTXT,0,0,Session,%s", c.sess.ID),
			"LCDTXT,0,1,Verify to start",
			"LCDRGB,255,255,255",
			"BUZZER,0",
		}
	case StateActive:
		return []string{
			"LCDTXT,2",
			fmt.Sprintf("LCDTXT,0,0,In use,%s", c.sess.UserUID),
			fmt.Sprintf("LCDTXT,0,1,Until,%s", c.sess.End.Format("15:04")),
			"LCDRGB,0,255,0",
			"BUZZER,1",
		}
	default:
		return c.idleCommands()
	}
}

func (c *Controller) idleCommands() []string {
	line2 := "No bookings"
	if c.sess != nil {
		line2 = fmt.Sprintf("Next,%s", c.sess.Start.Format("15:04"))
	}
	return []string{
		"LCDTXT,2",
		fmt.Sprintf("LCDTXT,0,0,Room,%s", c.roomID),
		"LCDTXT,0,1," + line2,
		"LCDRGB,255,255,255",
		"BUZZER,0",
	}
}

// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a queried row does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionStatus is the lifecycle status persisted on a session row. Only the
// status column is ever written by this core.
type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusReserved  SessionStatus = "reserved"
	StatusActive    SessionStatus = "active"
	StatusEnded     SessionStatus = "ended"
)

// Session mirrors one sessions row. The window [Start, End) is fixed at
// booking time and never extended.
type Session struct {
	ID      string
	RoomID  string
	UserUID string
	Start   time.Time
	End     time.Time
	Status  SessionStatus
}

// Contains reports whether now falls inside the session window.
func (s Session) Contains(now time.Time) bool {
	return !now.Before(s.Start) && now.Before(s.End)
}

// Overlaps reports whether two session windows intersect. Adjacent windows
// (End == other.Start) do not overlap.
func (s Session) Overlaps(other Session) bool {
	return s.Start.Before(other.End) && other.Start.Before(s.End)
}

// User mirrors one users row; read-only reference data for this core.
type User struct {
	UID        string
	Username   string
	Hash       string
	HashExpiry *time.Time
}

// Repo presents the higher-level row operations to the controller and the
// access server, keeping SQL in one place.
type Repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// UserByHash looks a user up by their presented hash. Expiry is not checked
// here; callers own the policy (and the clock).
func (r *Repo) UserByHash(ctx context.Context, hash string) (*User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT uid, username, hash, hash_expiry FROM users WHERE hash = ?`, hash)

	var u User
	var expiry sql.NullInt64
	if err := row.Scan(&u.UID, &u.Username, &u.Hash, &expiry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: user by hash: %w", err)
	}
	if expiry.Valid {
		t := time.Unix(expiry.Int64, 0)
		u.HashExpiry = &t
	}
	return &u, nil
}

// NextScheduled returns the earliest scheduled session for the room whose
// window has not yet fully passed, or ErrNotFound.
func (r *Repo) NextScheduled(ctx context.Context, roomID string, now time.Time) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT session_id, room_id, user_uid, start_time, end_time, status
		 FROM sessions
		 WHERE room_id = ? AND status = ? AND end_time > ?
		 ORDER BY start_time ASC
		 LIMIT 1`,
		roomID, StatusScheduled, now.Unix())
	return scanSession(row)
}

// SessionByID fetches a single session row.
func (r *Repo) SessionByID(ctx context.Context, sessionID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT session_id, room_id, user_uid, start_time, end_time, status
		 FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// UpdateSessionStatus writes the one field this core owns.
func (r *Repo) UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE session_id = ?`, status, sessionID)
	if err != nil {
		return fmt.Errorf("store: update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update session status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertUser is a helper for local tools and tests. In production the
// organisation's booking system manages the users table.
func (r *Repo) UpsertUser(ctx context.Context, u User) error {
	var expiry any
	if u.HashExpiry != nil {
		expiry = u.HashExpiry.Unix()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (uid, username, hash, hash_expiry) VALUES (?, ?, ?, ?)
		 ON CONFLICT(uid) DO UPDATE SET
			username = excluded.username,
			hash = excluded.hash,
			hash_expiry = excluded.hash_expiry`,
		u.UID, u.Username, u.Hash, expiry)
	if err != nil {
		return fmt.Errorf("store: upsert user: %w", err)
	}
	return nil
}

// CreateSession is a helper for local tools and tests; sessions are normally
// created upstream.
func (r *Repo) CreateSession(ctx context.Context, s Session) error {
	if s.Status == "" {
		s.Status = StatusScheduled
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, room_id, user_uid, start_time, end_time, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.RoomID, s.UserUID, s.Start.Unix(), s.End.Unix(), s.Status)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var start, end int64
	if err := row.Scan(&s.ID, &s.RoomID, &s.UserUID, &start, &end, &s.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	s.Start = time.Unix(start, 0)
	s.End = time.Unix(end, 0)
	return &s, nil
}

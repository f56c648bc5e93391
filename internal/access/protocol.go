// SPDX-License-Identifier: MIT

package access

import (
	"time"

	"github.com/roomkit/roomd/internal/session"
)

// Request is one client message, sent as a single JSON line.
type Request struct {
	Type   string `json:"type"` // "auth" | "status" | "presence"
	Hash   string `json:"hash,omitempty"`
	Secret string `json:"secret,omitempty"`
}

const (
	typeAuth     = "auth"
	typeStatus   = "status"
	typePresence = "presence"
)

// Response is one server message, sent as a single JSON line.
type Response struct {
	Type  string `json:"type"` // "auth_result" | "session" | "presence_ack" | "error"
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	SessionID string     `json:"session_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

func snapshotResponse(typ string, ok bool, snap session.Snapshot) Response {
	resp := Response{Type: typ, OK: ok, Status: string(snap.State)}
	if snap.Session != nil {
		resp.SessionID = snap.Session.ID
		start, end := snap.Session.Start, snap.Session.End
		resp.StartTime = &start
		resp.EndTime = &end
	}
	return resp
}

// SPDX-License-Identifier: MIT

package link

import "errors"

var (
	// ErrLinkDown is returned by SendCommand when the link is down; callers
	// fail fast instead of queuing indefinitely.
	ErrLinkDown = errors.New("link: link down")

	// ErrTimeout is returned when no response arrived within the command
	// deadline. The command is not retried automatically.
	ErrTimeout = errors.New("link: command timeout")

	// ErrClosed is returned when the client has been shut down.
	ErrClosed = errors.New("link: client closed")
)

// CommandError is a failure the peer reported explicitly (R,<code!=0>,<error>).
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string {
	return "link: command failed: " + e.Reason
}

// SPDX-License-Identifier: MIT

package link

import (
	"context"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// SerialDial returns a DialFunc that opens the named serial port. Opening the
// port resets most Arduino-style boards; the peer announces readiness with its
// own boot log lines, so no settling delay is applied here.
func SerialDial(port string, baud int) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mode := &serial.Mode{BaudRate: baud}
		p, err := serial.Open(port, mode)
		if err != nil {
			return nil, fmt.Errorf("link: open %s: %w", port, err)
		}
		return p, nil
	}
}

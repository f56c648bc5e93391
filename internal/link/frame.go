// SPDX-License-Identifier: MIT

package link

import (
	"fmt"
	"strconv"
	"strings"
)

// FrameKind classifies an inbound line from the peer.
type FrameKind int

const (
	// FrameHeartbeat is the liveness reply "P,0,ALIVE".
	FrameHeartbeat FrameKind = iota
	// FrameResponse is a command response "R,<code>,<msg>".
	FrameResponse
	// FrameLog is a log line "L,<type>,<module>,<text>".
	FrameLog
)

// Frame is one parsed line of the wire protocol. Only the fields relevant to
// the Kind are populated.
type Frame struct {
	Kind FrameKind
	Raw  string

	// FrameResponse
	Code int
	Msg  string

	// FrameLog
	LogType int
	Module  string
	Text    string
}

const (
	heartbeatProbe = "PING"
	heartbeatReply = "P,0,ALIVE"

	moduleSensor = "SENS"
	moduleUI     = "UI"
)

// ParseFrame parses a single trimmed line. Unparseable lines return an error;
// callers drop and count them, they are never fatal.
func ParseFrame(line string) (Frame, error) {
	if line == heartbeatReply {
		return Frame{Kind: FrameHeartbeat, Raw: line}, nil
	}

	switch {
	case strings.HasPrefix(line, "R,"):
		parts := strings.SplitN(line, ",", 3)
		if len(parts) < 2 {
			return Frame{}, fmt.Errorf("link: short response frame %q", line)
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return Frame{}, fmt.Errorf("link: bad response code in %q: %w", line, err)
		}
		msg := ""
		if len(parts) == 3 {
			msg = strings.TrimSpace(parts[2])
		}
		return Frame{Kind: FrameResponse, Raw: line, Code: code, Msg: msg}, nil

	case strings.HasPrefix(line, "L,"):
		parts := strings.SplitN(line, ",", 4)
		if len(parts) < 4 {
			return Frame{}, fmt.Errorf("link: short log frame %q", line)
		}
		logType, err := strconv.Atoi(parts[1])
		if err != nil {
			return Frame{}, fmt.Errorf("link: bad log type in %q: %w", line, err)
		}
		return Frame{
			Kind:    FrameLog,
			Raw:     line,
			LogType: logType,
			Module:  strings.TrimSpace(parts[2]),
			Text:    strings.TrimSpace(parts[3]),
		}, nil
	}

	return Frame{}, fmt.Errorf("link: unrecognised frame %q", line)
}

// SensorReading extracts the sensor name and value from a SENS log frame
// (text "NAME,value..."). ok is false for any other frame.
func (f Frame) SensorReading() (name, value string, ok bool) {
	if f.Kind != FrameLog || f.Module != moduleSensor {
		return "", "", false
	}
	parts := strings.SplitN(f.Text, ",", 2)
	name = strings.TrimSpace(parts[0])
	if name == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		value = strings.TrimSpace(parts[1])
	}
	return name, value, true
}

// UIEvent extracts the component name and value from a UI log frame
// (e.g. "BUTTON,R"). ok is false for any other frame.
func (f Frame) UIEvent() (component, value string, ok bool) {
	if f.Kind != FrameLog || f.Module != moduleUI {
		return "", "", false
	}
	parts := strings.SplitN(f.Text, ",", 2)
	component = strings.TrimSpace(parts[0])
	if component == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		value = strings.TrimSpace(parts[1])
	}
	return component, value, true
}

// internal/model/terminator.go
package model

import (
	"bytes"
	"fmt"
	"strings"
)

// Terminator encodes the end-of-message convention of one instrument. It is
// used both to frame outgoing commands and to decide when an accumulating
// response buffer is complete.
type Terminator string

const (
	TermNone Terminator = "none"
	TermCR   Terminator = "CR"
	TermLF   Terminator = "LF"
	TermCRLF Terminator = "CRLF"
)

// ParseTerminator converts a terminating_char registry value. An absent
// (empty) value means no terminator: the transport must be self-delimiting.
func ParseTerminator(s string) (Terminator, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return TermNone, nil
	case "CR":
		return TermCR, nil
	case "LF":
		return TermLF, nil
	case "CRLF":
		return TermCRLF, nil
	default:
		return TermNone, fmt.Errorf("unknown terminating_char: %q", s)
	}
}

// Sequence returns the raw terminator bytes, empty for TermNone.
func (t Terminator) Sequence() []byte {
	switch t {
	case TermCR:
		return []byte("\r")
	case TermLF:
		return []byte("\n")
	case TermCRLF:
		return []byte("\r\n")
	default:
		return nil
	}
}

// Frame appends the terminator to an outgoing command.
func (t Terminator) Frame(command string) []byte {
	return append([]byte(command), t.Sequence()...)
}

// IsComplete reports whether buf ends with the terminator. With TermNone a
// single successful transport read is treated as a complete response, so
// IsComplete is unconditionally true.
func (t Terminator) IsComplete(buf []byte) bool {
	seq := t.Sequence()
	if len(seq) == 0 {
		return true
	}
	return bytes.HasSuffix(buf, seq)
}

// Strip removes the trailing terminator from a received payload. For
// TermNone any trailing CR/LF bytes are dropped, matching instruments that
// pad replies with line endings the caller did not ask for.
func (t Terminator) Strip(buf []byte) string {
	seq := t.Sequence()
	if len(seq) == 0 {
		return strings.TrimRight(string(buf), "\r\n")
	}
	return string(bytes.TrimSuffix(buf, seq))
}

package ws

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Opcode identifies a frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether the opcode is a control frame.
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("opcode(0x%x)", byte(o))
}

// Close status codes used by the server.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseNoStatus      = 1005
	CloseTryAgainLater = 1013
)

const (
	maxControlPayload = 125

	// DefaultMaxPayload bounds client frames; the server never expects large ones.
	DefaultMaxPayload = 64 << 10
)

// ErrProtocol matches frames that violate the protocol.
var ErrProtocol = errors.New("ws: protocol error")

// Frame is one decoded client frame with the mask already removed.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Payload []byte
}

// AppendFrame appends an unmasked server frame to dst.
func AppendFrame(dst []byte, fin bool, op Opcode, payload []byte) []byte {
	b0 := byte(op)
	if fin {
		b0 |= 0x80
	}
	dst = append(dst, b0)

	n := len(payload)
	switch {
	case n <= 125:
		dst = append(dst, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, 126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, 127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	return append(dst, payload...)
}

// ReadFrame reads one client frame. Client frames must be masked.
func ReadFrame(r io.Reader, maxPayload int64) (Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Fin:    hdr[0]&0x80 != 0,
		Opcode: Opcode(hdr[0] & 0x0F),
	}
	if hdr[0]&0x70 != 0 {
		return Frame{}, fmt.Errorf("%w: reserved bits set", ErrProtocol)
	}
	if hdr[1]&0x80 == 0 {
		return Frame{}, fmt.Errorf("%w: unmasked client frame", ErrProtocol)
	}

	length := int64(hdr[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		u := binary.BigEndian.Uint64(ext[:])
		if u > 1<<62 {
			return Frame{}, fmt.Errorf("%w: length %d", ErrProtocol, u)
		}
		length = int64(u)
	}

	if f.Opcode.IsControl() {
		if !f.Fin {
			return Frame{}, fmt.Errorf("%w: fragmented %s frame", ErrProtocol, f.Opcode)
		}
		if length > maxControlPayload {
			return Frame{}, fmt.Errorf("%w: %s payload %d bytes", ErrProtocol, f.Opcode, length)
		}
	}
	if maxPayload > 0 && length > maxPayload {
		return Frame{}, fmt.Errorf("%w: payload %d exceeds %d", ErrProtocol, length, maxPayload)
	}

	var mask [4]byte
	if _, err := io.ReadFull(r, mask[:]); err != nil {
		return Frame{}, err
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, err
	}
	for i := range f.Payload {
		f.Payload[i] ^= mask[i%4]
	}
	return f, nil
}

// closePayload builds a close frame body. Code 0 yields an empty body.
func closePayload(code int, reason string) []byte {
	if code == 0 {
		return nil
	}
	if n := maxControlPayload - 2; len(reason) > n {
		// Cut on a rune boundary so the reason stays valid UTF-8.
		for n > 0 && !utf8.RuneStart(reason[n]) {
			n--
		}
		reason = reason[:n]
	}
	b := binary.BigEndian.AppendUint16(nil, uint16(code))
	return append(b, reason...)
}

// parseClose decodes a close frame body.
func parseClose(payload []byte) (int, string, error) {
	switch {
	case len(payload) == 0:
		return CloseNoStatus, "", nil
	case len(payload) == 1:
		return 0, "", fmt.Errorf("%w: 1-byte close payload", ErrProtocol)
	}
	code := int(binary.BigEndian.Uint16(payload))
	if !validWireCode(code) {
		return 0, "", fmt.Errorf("%w: close code %d not allowed on the wire", ErrProtocol, code)
	}
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return 0, "", fmt.Errorf("%w: close reason is not UTF-8", ErrProtocol)
	}
	return code, string(reason), nil
}

// validWireCode reports whether a peer may send code in a close frame.
// 1005, 1006 and 1015 are reserved for local use.
func validWireCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1003, code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

package server

import (
	"errors"
	"fmt"
)

// Kind classifies failures at the connection boundary.
type Kind int

const (
	KindUnknown Kind = iota
	// KindSensor is an unusable reading. Ignored; the loop keeps polling.
	KindSensor
	// KindHandshake is a refused upgrade. Ends that connection attempt only.
	KindHandshake
	// KindTransport is a failed send or a closed channel. Ends the connection.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindSensor:
		return "sensor"
	case KindHandshake:
		return "handshake"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is a classified connection failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

var errInvalidReading = errors.New("no valid distance")

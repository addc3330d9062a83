package sensor

import (
	"sync"
	"time"
)

// FakeSensor is a test double that returns scripted readings.
type FakeSensor struct {
	mu sync.Mutex

	// Readings contains scripted distances to return.
	// Each call to MeasureDistance consumes the next reading.
	Readings []Distance

	// index tracks current position in Readings
	index int

	// calls counts MeasureDistance invocations
	calls int

	// closed tracks if Close was called
	closed bool
}

// NewFakeSensor creates a FakeSensor with the given readings.
func NewFakeSensor(readings ...Distance) *FakeSensor {
	return &FakeSensor{Readings: readings}
}

// MeasureDistance returns the next scripted reading.
// If readings are exhausted, returns the last reading repeatedly.
func (f *FakeSensor) MeasureDistance() Distance {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if len(f.Readings) == 0 {
		return Invalid
	}

	d := f.Readings[f.index]
	if f.index < len(f.Readings)-1 {
		f.index++
	}
	return d
}

// Calls returns how many readings were taken.
func (f *FakeSensor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Close marks the sensor as closed.
func (f *FakeSensor) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (f *FakeSensor) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// FakePins records trigger activity and returns scripted echo widths.
type FakePins struct {
	// Widths are returned by PulseWidth in order; the last one repeats.
	Widths []time.Duration

	// EchoError, if set, is returned by PulseWidth.
	EchoError error

	// TriggerError, if set, is returned by SetTrigger.
	TriggerError error

	// Trigger records every SetTrigger level.
	Trigger []bool

	// Timeouts records the timeout passed to each PulseWidth call.
	Timeouts []time.Duration

	Closed bool

	index int
}

// SetTrigger records the level.
func (f *FakePins) SetTrigger(high bool) error {
	if f.TriggerError != nil {
		return f.TriggerError
	}
	f.Trigger = append(f.Trigger, high)
	return nil
}

// PulseWidth returns the next scripted width.
func (f *FakePins) PulseWidth(timeout time.Duration) (time.Duration, error) {
	f.Timeouts = append(f.Timeouts, timeout)
	if f.EchoError != nil {
		return 0, f.EchoError
	}
	if len(f.Widths) == 0 {
		return 0, ErrNoEcho
	}
	w := f.Widths[f.index]
	if f.index < len(f.Widths)-1 {
		f.index++
	}
	return w, nil
}

// Close marks the pins as closed.
func (f *FakePins) Close() error {
	f.Closed = true
	return nil
}

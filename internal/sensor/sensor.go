// Package sensor provides distance readings from an ultrasonic ranger.
// The GPIO implementation drives trigger/echo lines via the Linux GPIO character device,
// the serial implementation reads UART modules, and fakes allow testing without hardware.
package sensor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Distance is a reading in centimeters. Non-positive values mean no usable echo.
type Distance float64

// Invalid is returned when no echo arrived within the timeout.
const Invalid Distance = -1

// Valid reports whether the reading carries a distance.
func (d Distance) Valid() bool {
	return d > 0
}

func (d Distance) String() string {
	if !d.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("%.2fcm", float64(d))
}

// ErrNoEcho is returned by Pins.PulseWidth when the echo did not start or end in time.
var ErrNoEcho = errors.New("sensor: no echo within timeout")

// Sensor produces one distance reading per call. A call blocks for at most
// the configured echo timeout and never retries.
type Sensor interface {
	MeasureDistance() Distance

	// Close releases sensor resources.
	Close() error
}

// Pins is the raw trigger/echo primitive of an HC-SR04 style ranger.
type Pins interface {
	// SetTrigger drives the trigger line.
	SetTrigger(high bool) error

	// PulseWidth waits for the echo line to go high and measures how long it stays high.
	// Returns ErrNoEcho if either phase exceeds timeout.
	PulseWidth(timeout time.Duration) (time.Duration, error)

	// Close releases the lines.
	Close() error
}

// Timing holds the trigger sequence and conversion constants.
type Timing struct {
	Settle              time.Duration // trigger held low before the pulse
	Pulse               time.Duration // trigger high time
	EchoTimeout         time.Duration
	SpeedOfSoundCMPerUS float64
}

// FromPulse converts a round-trip echo width into a one-way distance.
func FromPulse(width time.Duration, speedCMPerUS float64) Distance {
	if width <= 0 {
		return Invalid
	}
	us := float64(width) / float64(time.Microsecond)
	return Distance(us * speedCMPerUS / 2)
}

// Ultrasonic adapts a Pins implementation into a Sensor.
type Ultrasonic struct {
	pins   Pins
	timing Timing
	sleep  func(time.Duration)
	log    *slog.Logger
}

// NewUltrasonic creates a sensor over the given pins.
func NewUltrasonic(pins Pins, timing Timing, log *slog.Logger) *Ultrasonic {
	if log == nil {
		log = slog.Default()
	}
	return &Ultrasonic{
		pins:   pins,
		timing: timing,
		sleep:  time.Sleep,
		log:    log.With("component", "sensor"),
	}
}

// MeasureDistance fires one trigger pulse and times the echo.
// This call blocks the calling goroutine; it never yields mid-measurement.
func (u *Ultrasonic) MeasureDistance() Distance {
	if err := u.trigger(); err != nil {
		u.log.Warn("trigger failed", "error", err)
		return Invalid
	}

	width, err := u.pins.PulseWidth(u.timing.EchoTimeout)
	if err != nil {
		if !errors.Is(err, ErrNoEcho) {
			u.log.Warn("echo read failed", "error", err)
		}
		return Invalid
	}

	return FromPulse(width, u.timing.SpeedOfSoundCMPerUS)
}

func (u *Ultrasonic) trigger() error {
	if err := u.pins.SetTrigger(false); err != nil {
		return err
	}
	u.sleep(u.timing.Settle)
	if err := u.pins.SetTrigger(true); err != nil {
		return err
	}
	u.sleep(u.timing.Pulse)
	return u.pins.SetTrigger(false)
}

// Close releases the underlying pins.
func (u *Ultrasonic) Close() error {
	return u.pins.Close()
}

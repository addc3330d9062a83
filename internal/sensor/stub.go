//go:build !linux

package sensor

import (
	"errors"
	"time"
)

// GPIOPins is not available on non-Linux platforms.
type GPIOPins struct{}

// NewGPIOPins returns an error on non-Linux platforms.
func NewGPIOPins(chipName string, triggerPin, echoPin int) (*GPIOPins, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// SetTrigger is not implemented on non-Linux platforms.
func (p *GPIOPins) SetTrigger(high bool) error {
	return errors.New("gpio: not supported")
}

// PulseWidth is not implemented on non-Linux platforms.
func (p *GPIOPins) PulseWidth(timeout time.Duration) (time.Duration, error) {
	return 0, errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (p *GPIOPins) Close() error {
	return nil
}

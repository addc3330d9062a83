//go:build linux

package sensor

import (
	"fmt"
	"runtime"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOPins drives an HC-SR04 style ranger using the Linux GPIO character device.
type GPIOPins struct {
	chip    *gpiocdev.Chip
	trigger *gpiocdev.Line
	echo    *gpiocdev.Line
}

// NewGPIOPins requests the trigger line as output (low) and the echo line as input.
func NewGPIOPins(chipName string, triggerPin, echoPin int) (*GPIOPins, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	trigger, err := chip.RequestLine(triggerPin, gpiocdev.AsOutput(0))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request trigger pin %d: %w", triggerPin, err)
	}

	echo, err := chip.RequestLine(echoPin, gpiocdev.AsInput, gpiocdev.WithPullDown)
	if err != nil {
		trigger.Close()
		chip.Close()
		return nil, fmt.Errorf("request echo pin %d: %w", echoPin, err)
	}

	return &GPIOPins{
		chip:    chip,
		trigger: trigger,
		echo:    echo,
	}, nil
}

// SetTrigger drives the trigger line.
func (p *GPIOPins) SetTrigger(high bool) error {
	v := 0
	if high {
		v = 1
	}
	if err := p.trigger.SetValue(v); err != nil {
		return fmt.Errorf("set trigger: %w", err)
	}
	return nil
}

// PulseWidth busy-waits on the echo line. Both the wait for the rising edge and
// the high phase are bounded by timeout. The goroutine stays on its OS thread
// for the duration so the scheduler cannot stretch the measured width.
func (p *GPIOPins) PulseWidth(timeout time.Duration) (time.Duration, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	deadline := time.Now().Add(timeout)
	for {
		v, err := p.echo.Value()
		if err != nil {
			return 0, fmt.Errorf("read echo: %w", err)
		}
		if v == 1 {
			break
		}
		if time.Now().After(deadline) {
			return 0, ErrNoEcho
		}
	}

	start := time.Now()
	deadline = start.Add(timeout)
	for {
		v, err := p.echo.Value()
		if err != nil {
			return 0, fmt.Errorf("read echo: %w", err)
		}
		if v == 0 {
			return time.Since(start), nil
		}
		if time.Now().After(deadline) {
			return 0, ErrNoEcho
		}
	}
}

// Close releases GPIO resources.
// The trigger line is reconfigured to input with pull-down (matching Pi boot
// defaults) before closing so it is not left driven.
func (p *GPIOPins) Close() error {
	var errs []error

	if p.trigger != nil {
		if err := p.trigger.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure trigger pin: %w", err))
		}
		if err := p.trigger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close trigger pin: %w", err))
		}
	}
	if p.echo != nil {
		if err := p.echo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close echo pin: %w", err))
		}
	}
	if p.chip != nil {
		if err := p.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

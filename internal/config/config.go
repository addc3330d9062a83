// Package config holds the daemon configuration as a single immutable value.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/piece-counter/internal/logic"
)

// Variant selects the application message format sent to the client.
type Variant string

const (
	// VariantCounts sends one frame per detection: the counter triple as a JSON array.
	VariantCounts Variant = "counts"
	// VariantRecords sends one frame per counter per detection: a labelled, timestamped record.
	VariantRecords Variant = "records"
)

// ParseVariant converts a flag value into a Variant.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantCounts, VariantRecords:
		return Variant(s), nil
	}
	return "", fmt.Errorf("unknown message variant %q (want %q or %q)", s, VariantCounts, VariantRecords)
}

// InitialCounters returns the counter values a new connection starts from.
func (v Variant) InitialCounters() logic.Counters {
	if v == VariantCounts {
		return logic.Counters{0, 1, 2}
	}
	return logic.Counters{}
}

// Defaults.
const (
	DefaultListenAddr          = ":8080"
	DefaultHTTPAddr            = ":8081"
	DefaultChip                = "gpiochip0"
	DefaultTriggerPin          = 23 // BCM
	DefaultEchoPin             = 24 // BCM
	DefaultSerialBaud          = 9600
	DefaultThresholdCM         = 10.0
	DefaultSpeedOfSoundCMPerUS = 0.0343
	DefaultTriggerSettle       = 2 * time.Millisecond
	DefaultTriggerPulse        = 10 * time.Microsecond
	DefaultEchoTimeout         = 30 * time.Millisecond
	DefaultSerialTimeout       = 150 * time.Millisecond
	DefaultPollInterval        = 200 * time.Millisecond
	DefaultHandshakeTimeout    = 5 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultNetworkEnvFile      = "/run/pi-helper.env"
)

// Config contains everything the server and sensor need. It is passed by value.
type Config struct {
	ListenAddr string // WebSocket listener
	HTTPAddr   string // status page; empty disables

	Chip       string
	TriggerPin int
	EchoPin    int

	SerialPort    string // non-empty selects the UART sensor instead of GPIO
	SerialBaud    int
	SerialTimeout time.Duration

	ThresholdCM         float64
	SpeedOfSoundCMPerUS float64
	TriggerSettle       time.Duration
	TriggerPulse        time.Duration
	EchoTimeout         time.Duration
	PollInterval        time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	Variant Variant

	Broker         string // MQTT mirror; empty disables
	NetworkEnvFile string
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		ListenAddr:          DefaultListenAddr,
		HTTPAddr:            DefaultHTTPAddr,
		Chip:                DefaultChip,
		TriggerPin:          DefaultTriggerPin,
		EchoPin:             DefaultEchoPin,
		SerialBaud:          DefaultSerialBaud,
		SerialTimeout:       DefaultSerialTimeout,
		ThresholdCM:         DefaultThresholdCM,
		SpeedOfSoundCMPerUS: DefaultSpeedOfSoundCMPerUS,
		TriggerSettle:       DefaultTriggerSettle,
		TriggerPulse:        DefaultTriggerPulse,
		EchoTimeout:         DefaultEchoTimeout,
		PollInterval:        DefaultPollInterval,
		HandshakeTimeout:    DefaultHandshakeTimeout,
		WriteTimeout:        DefaultWriteTimeout,
		Variant:             VariantRecords,
		NetworkEnvFile:      DefaultNetworkEnvFile,
	}
}

// Validate checks that the configuration values are usable.
func (c Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	if c.ThresholdCM <= 0 {
		errs = append(errs, fmt.Errorf("threshold must be positive, got %v", c.ThresholdCM))
	}
	if c.SpeedOfSoundCMPerUS <= 0 {
		errs = append(errs, fmt.Errorf("speed of sound must be positive, got %v", c.SpeedOfSoundCMPerUS))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %v", c.PollInterval))
	}
	if c.EchoTimeout <= 0 {
		errs = append(errs, fmt.Errorf("echo timeout must be positive, got %v", c.EchoTimeout))
	}
	if c.TriggerSettle < 0 || c.TriggerPulse <= 0 {
		errs = append(errs, fmt.Errorf("invalid trigger timing: settle=%v pulse=%v", c.TriggerSettle, c.TriggerPulse))
	}
	if c.HandshakeTimeout <= 0 || c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("timeouts must be positive: handshake=%v write=%v", c.HandshakeTimeout, c.WriteTimeout))
	}
	if _, err := ParseVariant(string(c.Variant)); err != nil {
		errs = append(errs, err)
	}
	if c.SerialPort == "" {
		if c.TriggerPin < 0 || c.EchoPin < 0 {
			errs = append(errs, fmt.Errorf("invalid pins: trigger=%d echo=%d", c.TriggerPin, c.EchoPin))
		} else if c.TriggerPin == c.EchoPin {
			errs = append(errs, fmt.Errorf("trigger and echo must be different pins, both are %d", c.TriggerPin))
		}
	} else if c.SerialBaud <= 0 || c.SerialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid serial settings: baud=%d timeout=%v", c.SerialBaud, c.SerialTimeout))
	}

	return errors.Join(errs...)
}

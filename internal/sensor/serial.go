package sensor

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

// maxScanBytes bounds how much input one measurement inspects before giving up.
const maxScanBytes = 64

// serialPort is the subset of serial.Port the sensor needs.
type serialPort interface {
	io.ReadCloser
	ResetInputBuffer() error
}

// SerialSensor reads UART ultrasonic modules (A02YYUW, JSN-SR04T mode 2 and similar)
// that stream 4-byte frames: 0xFF, distance high byte, distance low byte, checksum.
// Distances on the wire are millimeters.
type SerialSensor struct {
	port serialPort
	log  *slog.Logger
}

// OpenSerial opens the UART at path. Reads time out after timeout, which bounds
// a single measurement.
func OpenSerial(path string, baud int, timeout time.Duration, log *slog.Logger) (*SerialSensor, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	return newSerialSensor(port, log), nil
}

func newSerialSensor(port serialPort, log *slog.Logger) *SerialSensor {
	if log == nil {
		log = slog.Default()
	}
	return &SerialSensor{port: port, log: log.With("component", "serial-sensor")}
}

// MeasureDistance discards buffered input and returns the next complete frame.
func (s *SerialSensor) MeasureDistance() Distance {
	if err := s.port.ResetInputBuffer(); err != nil {
		s.log.Warn("reset input failed", "error", err)
		return Invalid
	}

	var sc frameScanner
	buf := make([]byte, 8)
	seen := 0
	for seen < maxScanBytes {
		n, err := s.port.Read(buf)
		if err != nil {
			if err != io.EOF {
				s.log.Warn("serial read failed", "error", err)
			}
			return Invalid
		}
		if n == 0 {
			// Read timeout.
			return Invalid
		}
		for _, b := range buf[:n] {
			if mm, ok := sc.feed(b); ok {
				if mm == 0 {
					return Invalid
				}
				return Distance(float64(mm) / 10)
			}
		}
		seen += n
	}
	return Invalid
}

// Close closes the port.
func (s *SerialSensor) Close() error {
	return s.port.Close()
}

// frameScanner assembles 0xFF-headed 4-byte frames from a byte stream,
// resynchronising on checksum mismatch.
type frameScanner struct {
	buf [4]byte
	n   int
}

func (f *frameScanner) feed(b byte) (int, bool) {
	if f.n == 0 && b != 0xFF {
		return 0, false
	}
	f.buf[f.n] = b
	f.n++
	if f.n < len(f.buf) {
		return 0, false
	}

	f.n = 0
	if f.buf[0]+f.buf[1]+f.buf[2] != f.buf[3] {
		for i := 1; i < len(f.buf); i++ {
			if f.buf[i] == 0xFF {
				f.n = copy(f.buf[:], f.buf[i:])
				break
			}
		}
		return 0, false
	}
	return int(f.buf[1])<<8 | int(f.buf[2]), true
}

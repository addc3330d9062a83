package sensor

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

type fakePort struct {
	r        io.Reader
	resets   int
	resetErr error
	readErr  error
	closed   bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	n, err := p.r.Read(b)
	if err == io.EOF {
		// go.bug.st/serial reports a read timeout as (0, nil).
		return n, nil
	}
	return n, err
}

func (p *fakePort) ResetInputBuffer() error {
	p.resets++
	return p.resetErr
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func frame(mm int) []byte {
	h, l := byte(mm>>8), byte(mm)
	return []byte{0xFF, h, l, 0xFF + h + l}
}

func TestSerialSensorFrame(t *testing.T) {
	port := &fakePort{r: bytes.NewReader(frame(95))}
	s := newSerialSensor(port, nil)

	d := s.MeasureDistance()
	if d != 9.5 {
		t.Errorf("distance: got %v, want 9.5", d)
	}
	if port.resets != 1 {
		t.Errorf("resets: got %d, want 1", port.resets)
	}
}

func TestSerialSensorSkipsGarbage(t *testing.T) {
	stream := append([]byte{0x12, 0x34}, frame(1234)...)
	port := &fakePort{r: bytes.NewReader(stream)}
	s := newSerialSensor(port, nil)

	if d := s.MeasureDistance(); d != 123.4 {
		t.Errorf("distance: got %v, want 123.4", d)
	}
}

func TestSerialSensorBadChecksumResyncs(t *testing.T) {
	bad := []byte{0xFF, 0x01, 0xFF, 0x00}
	stream := append(bad, frame(300)...)
	port := &fakePort{r: bytes.NewReader(stream)}
	s := newSerialSensor(port, nil)

	if d := s.MeasureDistance(); d != 30 {
		t.Errorf("distance: got %v, want 30", d)
	}
}

func TestSerialSensorTimeout(t *testing.T) {
	port := &fakePort{r: bytes.NewReader([]byte{0xFF, 0x00})}
	s := newSerialSensor(port, nil)

	if d := s.MeasureDistance(); d != Invalid {
		t.Errorf("expected Invalid, got %v", d)
	}
}

func TestSerialSensorZeroIsInvalid(t *testing.T) {
	port := &fakePort{r: bytes.NewReader(frame(0))}
	s := newSerialSensor(port, nil)

	if d := s.MeasureDistance(); d != Invalid {
		t.Errorf("expected Invalid, got %v", d)
	}
}

func TestSerialSensorErrors(t *testing.T) {
	port := &fakePort{r: bytes.NewReader(frame(100)), resetErr: errors.New("ioctl")}
	if d := newSerialSensor(port, nil).MeasureDistance(); d != Invalid {
		t.Errorf("reset failure: expected Invalid, got %v", d)
	}

	port = &fakePort{r: bytes.NewReader(frame(100)), readErr: errors.New("unplugged")}
	if d := newSerialSensor(port, nil).MeasureDistance(); d != Invalid {
		t.Errorf("read failure: expected Invalid, got %v", d)
	}
}

func TestSerialSensorNoHeaderGivesUp(t *testing.T) {
	port := &fakePort{r: bytes.NewReader(bytes.Repeat([]byte{0x01}, 1000))}
	s := newSerialSensor(port, nil)

	if d := s.MeasureDistance(); d != Invalid {
		t.Errorf("expected Invalid, got %v", d)
	}
}

func TestSerialSensorClose(t *testing.T) {
	port := &fakePort{r: bytes.NewReader(nil)}
	s := newSerialSensor(port, nil)
	s.Close()
	if !port.closed {
		t.Error("port should be closed")
	}
}

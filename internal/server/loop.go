package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sweeney/piece-counter/internal/config"
	"github.com/sweeney/piece-counter/internal/logic"
	"github.com/sweeney/piece-counter/internal/message"
	"github.com/sweeney/piece-counter/internal/sensor"
	"github.com/sweeney/piece-counter/internal/status"
	"github.com/sweeney/piece-counter/internal/ws"
)

// FrameSender is the outbound side of an upgraded connection.
// *ws.Conn implements it.
type FrameSender interface {
	Send(ctx context.Context, payload []byte) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// loop is the SERVING state of one connection: poll, detect, encode, send,
// wait. All counting state lives here and dies with the connection.
type loop struct {
	sensor   sensor.Sensor
	detector *logic.Detector
	variant  config.Variant
	interval time.Duration
	out      FrameSender
	log      *slog.Logger
	tracker  *status.Tracker
	events   chan<- logic.Event // mirror queue, may be nil
	now      func() time.Time
}

// run polls until ctx is cancelled or the channel fails. Sensor errors are
// absorbed; the returned error is ctx.Err() or a KindTransport *Error.
func (l *loop) run(ctx context.Context) error {
	timer := time.NewTimer(l.interval)
	timer.Stop()

	for {
		if err := l.step(ctx); err != nil {
			if KindOf(err) != KindSensor {
				return err
			}
		}

		timer.Reset(l.interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.out.Done():
			timer.Stop()
			cause := l.out.Err()
			if cause == nil {
				cause = ws.ErrClosed
			}
			return &Error{Kind: KindTransport, Op: "receive", Err: cause}
		}
	}
}

// step takes one reading and delivers the frames of any resulting event in
// order. A failed send abandons the remaining frames.
func (l *loop) step(ctx context.Context) error {
	d := l.sensor.MeasureDistance()
	now := l.now()

	ev := l.detector.Process(logic.Input{DistanceCM: float64(d), Valid: d.Valid(), Time: now})
	l.tracker.Reading(float64(d), d.Valid(), l.detector.State(), l.detector.Counters(), now)
	l.log.Debug("reading", "distance", d, "edge", l.detector.State())

	if ev == nil {
		if !d.Valid() {
			return &Error{Kind: KindSensor, Op: "measure", Err: errInvalidReading}
		}
		return nil
	}

	l.tracker.Detected()
	l.log.Info("piece detected",
		"sequence", ev.Sequence,
		"distance", d,
		"counters", ev.Counters[:],
	)
	l.mirror(*ev)

	frames, err := message.Encode(l.variant, *ev)
	if err != nil {
		return &Error{Kind: KindTransport, Op: "encode", Err: err}
	}
	for i, f := range frames {
		if err := l.out.Send(ctx, f); err != nil {
			l.tracker.SendFailed()
			return &Error{Kind: KindTransport, Op: fmt.Sprintf("send frame %d/%d", i+1, len(frames)), Err: err}
		}
		l.tracker.FrameSent()
	}
	return nil
}

func (l *loop) mirror(ev logic.Event) {
	if l.events == nil {
		return
	}
	select {
	case l.events <- ev:
	default:
		l.log.Warn("mirror queue full, dropping event", "sequence", ev.Sequence)
	}
}

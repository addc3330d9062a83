// Package server accepts dashboard connections, upgrades them and runs one
// polling loop per connection against the shared distance sensor.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sweeney/piece-counter/internal/config"
	"github.com/sweeney/piece-counter/internal/logic"
	"github.com/sweeney/piece-counter/internal/sensor"
	"github.com/sweeney/piece-counter/internal/status"
	"github.com/sweeney/piece-counter/internal/ws"
)

// mirrorQueue bounds detections waiting for the mirror.
const mirrorQueue = 64

var pastDeadline = time.Unix(1, 0)

// Mirror receives a copy of every detection. mqtt.Publisher implements it.
type Mirror interface {
	Publish(event logic.Event) error
}

// Options carry the optional collaborators of a Server.
type Options struct {
	Logger  *slog.Logger
	Tracker *status.Tracker
	Mirror  Mirror
	Now     func() time.Time
}

// SessionInfo describes one open connection.
type SessionInfo struct {
	ID     string
	Remote string
	State  status.ConnState
	Since  time.Time
}

// Server owns the listener, the session registry and the sensor lease.
type Server struct {
	cfg     config.Config
	sensor  sensor.Sensor
	log     *slog.Logger
	tracker *status.Tracker
	mirror  Mirror
	now     func() time.Time

	// lease holds a token while a connection owns the sensor.
	lease    chan struct{}
	sessions *xsync.MapOf[string, SessionInfo]
}

// New creates a Server. The sensor is shared by every connection but polled
// by at most one of them at a time.
func New(cfg config.Config, s sensor.Sensor, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = status.NewTracker(now(), status.Config{})
	}

	srv := &Server{
		cfg:      cfg,
		sensor:   s,
		log:      log,
		tracker:  tracker,
		mirror:   opts.Mirror,
		now:      now,
		lease:    make(chan struct{}, 1),
		sessions: xsync.NewMapOf[string, SessionInfo](),
	}
	return srv
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits for every
// connection to close and for the mirror to publish what they queued. It
// returns nil on cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", "addr", ln.Addr().String(), "variant", s.cfg.Variant)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var (
		conns    sync.WaitGroup
		events   chan logic.Event
		mirrored chan struct{}
	)
	if s.mirror != nil {
		events = make(chan logic.Event, mirrorQueue)
		mirrored = make(chan struct{})
		go func() {
			defer close(mirrored)
			s.runMirror(events)
		}()
	}

	var acceptErr error
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("accept", "error", err)
				continue
			}
			acceptErr = fmt.Errorf("accept: %w", err)
			break
		}

		s.tracker.ConnAccepted()
		conns.Add(1)
		go func() {
			defer conns.Done()
			s.handleConn(ctx, nc, events)
		}()
	}

	ln.Close()
	conns.Wait()
	// No session can queue a detection any more.
	if events != nil {
		close(events)
		<-mirrored
	}
	return acceptErr
}

// Sessions returns the open connections, oldest first.
func (s *Server) Sessions() []SessionInfo {
	var out []SessionInfo
	s.sessions.Range(func(_ string, info SessionInfo) bool {
		out = append(out, info)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

func (s *Server) setState(info *SessionInfo, state status.ConnState) {
	info.State = state
	s.sessions.Store(info.ID, *info)
}

// handleConn runs one connection through HANDSHAKING, SERVING and CLOSED.
func (s *Server) handleConn(ctx context.Context, nc net.Conn, events chan<- logic.Event) {
	info := SessionInfo{
		ID:     uuid.NewString(),
		Remote: nc.RemoteAddr().String(),
		Since:  s.now(),
	}
	log := s.log.With("session", info.ID, "remote", info.Remote)
	s.setState(&info, status.ConnHandshaking)
	defer s.sessions.Delete(info.ID)

	nc.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	abort := context.AfterFunc(ctx, func() { nc.SetDeadline(pastDeadline) })
	br := bufio.NewReader(nc)
	req, err := ws.Handshake(br, nc)
	abort()
	if err != nil {
		s.tracker.HandshakeFailed()
		log.Warn("connection refused", "error", &Error{Kind: KindHandshake, Op: "upgrade", Err: err})
		nc.Close()
		return
	}
	nc.SetDeadline(time.Time{})

	conn := ws.NewConn(nc, br, ws.Options{WriteTimeout: s.cfg.WriteTimeout, Logger: log})
	defer conn.Close()

	log.Info("client connected", "path", req.Path, "user_agent", req.UserAgent)

	select {
	case s.lease <- struct{}{}:
	default:
		s.tracker.RejectedBusy()
		log.Info("sensor busy, turning client away")
		conn.CloseWithStatus(ws.CloseTryAgainLater, "sensor busy")
		return
	}

	s.setState(&info, status.ConnServing)
	s.tracker.SetSession(info.ID, info.Remote, status.ConnServing, info.Since)
	// The tracker goes idle only once the lease is free again.
	defer func() {
		<-s.lease
		s.tracker.EndSession(info.ID)
	}()

	l := &loop{
		sensor:   s.sensor,
		detector: logic.NewDetector(s.cfg.ThresholdCM, s.cfg.Variant.InitialCounters()),
		variant:  s.cfg.Variant,
		interval: s.cfg.PollInterval,
		out:      conn,
		log:      log,
		tracker:  s.tracker,
		events:   events,
		now:      s.now,
	}
	err = l.run(ctx)

	switch {
	case ctx.Err() != nil:
		conn.CloseWithStatus(ws.CloseGoingAway, "server shutting down")
		log.Info("client disconnected", "reason", "shutdown", "events", l.detector.Events())
	case errors.Is(err, ws.ErrRemoteClosed):
		log.Info("client disconnected", "reason", "closed by client", "events", l.detector.Events())
	default:
		log.Info("client disconnected", "error", err, "events", l.detector.Events())
	}
}

// runMirror forwards detections to the mirror off the connection goroutines
// so a slow broker never delays polling.
// It returns once events is closed and drained.
func (s *Server) runMirror(events <-chan logic.Event) {
	for ev := range events {
		s.publish(ev)
	}
}

func (s *Server) publish(ev logic.Event) {
	if err := s.mirror.Publish(ev); err != nil {
		s.log.Warn("mirror publish failed", "sequence", ev.Sequence, "error", err)
	}
}

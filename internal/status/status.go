// Package status provides a thread-safe status tracker for the piece-counter daemon.
// It is written by the connection loop and read by HTTP handlers and MQTT system events.
package status

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sweeney/piece-counter/internal/logic"
)

// ConnState is the lifecycle state of the active client connection.
type ConnState string

const (
	ConnIdle        ConnState = "IDLE"
	ConnHandshaking ConnState = "HANDSHAKING"
	ConnServing     ConnState = "SERVING"
)

// NetworkInfo contains network state as reported by the host's network helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	ListenAddr  string
	HTTPAddr    string
	Sensor      string // "gpio" or the serial device path
	ThresholdCM float64
	PollMs      int64
	Variant     string
	Broker      string
}

// Session describes the connection currently holding the sensor.
type Session struct {
	ID     string
	Remote string
	State  ConnState
	Since  time.Time
}

// Totals are process-lifetime counters.
type Totals struct {
	Accepted          int64
	HandshakeFailures int64
	RejectedBusy      int64
	Detections        int64
	FramesSent        int64
	SendFailures      int64
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Session       Session
	Edge          logic.State
	Counters      logic.Counters
	LastDistance  float64
	LastValid     bool
	LastReading   time.Time
	Totals        Totals
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex; the totals are
// lock-free counters so the hot paths never contend with readers.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot

	accepted          *xsync.Counter
	handshakeFailures *xsync.Counter
	rejectedBusy      *xsync.Counter
	detections        *xsync.Counter
	framesSent        *xsync.Counter
	sendFailures      *xsync.Counter
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Session:   Session{State: ConnIdle},
			Edge:      logic.StateOutside,
			StartTime: startTime,
			Config:    cfg,
		},
		accepted:          xsync.NewCounter(),
		handshakeFailures: xsync.NewCounter(),
		rejectedBusy:      xsync.NewCounter(),
		detections:        xsync.NewCounter(),
		framesSent:        xsync.NewCounter(),
		sendFailures:      xsync.NewCounter(),
	}
}

// ConnAccepted counts an accepted TCP connection.
func (t *Tracker) ConnAccepted() { t.accepted.Inc() }

// HandshakeFailed counts a refused upgrade.
func (t *Tracker) HandshakeFailed() { t.handshakeFailures.Inc() }

// RejectedBusy counts a client turned away because another one holds the sensor.
func (t *Tracker) RejectedBusy() { t.rejectedBusy.Inc() }

// FrameSent counts a delivered frame.
func (t *Tracker) FrameSent() { t.framesSent.Inc() }

// SendFailed counts a failed frame send.
func (t *Tracker) SendFailed() { t.sendFailures.Inc() }

// SetSession records the connection holding the sensor.
func (t *Tracker) SetSession(id, remote string, state ConnState, now time.Time) {
	t.mu.Lock()
	t.snap.Session = Session{ID: id, Remote: remote, State: state, Since: now}
	t.mu.Unlock()
}

// EndSession returns to idle if id is still the recorded session.
func (t *Tracker) EndSession(id string) {
	t.mu.Lock()
	if t.snap.Session.ID == id {
		t.snap.Session = Session{State: ConnIdle}
		t.snap.Edge = logic.StateOutside
	}
	t.mu.Unlock()
}

// Reading records the latest sample and the detector state after it.
// Called from the connection loop on every poll.
func (t *Tracker) Reading(distanceCM float64, valid bool, edge logic.State, counters logic.Counters, at time.Time) {
	t.mu.Lock()
	if valid {
		t.snap.LastDistance = distanceCM
	}
	t.snap.LastValid = valid
	t.snap.LastReading = at
	t.snap.Edge = edge
	t.snap.Counters = counters
	t.mu.Unlock()
}

// Detected counts a detection.
func (t *Tracker) Detected() { t.detections.Inc() }

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()

	s.Totals = Totals{
		Accepted:          t.accepted.Value(),
		HandshakeFailures: t.handshakeFailures.Value(),
		RejectedBusy:      t.rejectedBusy.Value(),
		Detections:        t.detections.Value(),
		FramesSent:        t.framesSent.Value(),
		SendFailures:      t.sendFailures.Value(),
	}
	s.Now = time.Now()
	return s
}

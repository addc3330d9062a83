package status

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/piece-counter/internal/logic"
)

func TestNewTracker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{PollMs: 200, ThresholdCM: 10, Broker: "tcp://localhost:1883", HTTPAddr: ":8081"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.PollMs != 200 {
		t.Errorf("Config.PollMs: got %d, want 200", snap.Config.PollMs)
	}
	if snap.Session.State != ConnIdle {
		t.Errorf("Session.State: got %q, want IDLE", snap.Session.State)
	}
	if snap.Edge != logic.StateOutside {
		t.Errorf("Edge: got %q, want OUTSIDE", snap.Edge)
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
}

func TestSessionLifecycle(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tr.SetSession("a", "10.0.0.5:5000", ConnHandshaking, now)
	if got := tr.Snapshot().Session.State; got != ConnHandshaking {
		t.Fatalf("state: got %q, want HANDSHAKING", got)
	}

	tr.SetSession("a", "10.0.0.5:5000", ConnServing, now)
	tr.Reading(4.5, true, logic.StateInside, logic.Counters{1, 2, 3}, now)

	snap := tr.Snapshot()
	if snap.Session.Remote != "10.0.0.5:5000" {
		t.Errorf("Remote: got %q", snap.Session.Remote)
	}
	if snap.Edge != logic.StateInside {
		t.Errorf("Edge: got %q, want INSIDE", snap.Edge)
	}

	// A stale id must not clear a newer session.
	tr.EndSession("b")
	if got := tr.Snapshot().Session.State; got != ConnServing {
		t.Errorf("state after stale EndSession: got %q, want SERVING", got)
	}

	tr.EndSession("a")
	snap = tr.Snapshot()
	if snap.Session.State != ConnIdle || snap.Session.ID != "" {
		t.Errorf("session after EndSession: %+v", snap.Session)
	}
	if snap.Edge != logic.StateOutside {
		t.Errorf("Edge after EndSession: got %q, want OUTSIDE", snap.Edge)
	}
	if snap.Counters != (logic.Counters{1, 2, 3}) {
		t.Errorf("counters should survive the session: got %v", snap.Counters)
	}
}

func TestReadingKeepsLastValidDistance(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.Reading(12.5, true, logic.StateOutside, logic.Counters{}, time.Now())
	tr.Reading(-1, false, logic.StateOutside, logic.Counters{}, time.Now())

	snap := tr.Snapshot()
	if snap.LastDistance != 12.5 {
		t.Errorf("LastDistance: got %v, want 12.5", snap.LastDistance)
	}
	if snap.LastValid {
		t.Error("expected LastValid=false after invalid reading")
	}
}

func TestTotals(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.ConnAccepted()
	tr.ConnAccepted()
	tr.HandshakeFailed()
	tr.RejectedBusy()
	tr.Detected()
	tr.FrameSent()
	tr.FrameSent()
	tr.FrameSent()
	tr.SendFailed()

	got := tr.Snapshot().Totals
	want := Totals{Accepted: 2, HandshakeFailures: 1, RejectedBusy: 1, Detections: 1, FramesSent: 3, SendFailures: 1}
	if got != want {
		t.Errorf("Totals: got %+v, want %+v", got, want)
	}
}

func TestSetMQTTConnected(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.SetMQTTConnected(true)
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}

	tr.SetMQTTConnected(false)
	if tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=false")
	}
}

func TestSetNetwork(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	if tr.Snapshot().Network != nil {
		t.Error("expected nil Network initially")
	}

	tr.SetNetwork(&NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected"})
	snap := tr.Snapshot()
	if snap.Network == nil || snap.Network.IP != "192.168.1.42" {
		t.Errorf("Network: got %+v", snap.Network)
	}
}

func TestSnapshotUptime(t *testing.T) {
	start := time.Now().Add(-90 * time.Second)
	tr := NewTracker(start, Config{})

	if up := tr.Snapshot().Uptime(); up < 90*time.Second {
		t.Errorf("Uptime: got %v, want >= 90s", up)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Reading(float64(j), true, logic.StateInside, logic.Counters{i, j, 0}, time.Now())
				tr.FrameSent()
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = tr.Snapshot()
			}
		}()
	}
	wg.Wait()

	if got := tr.Snapshot().Totals.FramesSent; got != 800 {
		t.Errorf("FramesSent: got %d, want 800", got)
	}
}

func TestFormatJSON(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, Config{ListenAddr: ":8080", Variant: "records", ThresholdCM: 10, PollMs: 200})
	tr.SetSession("s1", "10.0.0.9:4000", ConnServing, start)
	tr.Reading(3.25, true, logic.StateInside, logic.Counters{1, 2, 3}, start)
	tr.Detected()

	var out StatusJSON
	if err := json.Unmarshal(FormatJSON(tr.Snapshot()), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	s := out.Status
	if s.Connection.State != "SERVING" || s.Connection.ID != "s1" {
		t.Errorf("connection: %+v", s.Connection)
	}
	if s.Edge != "INSIDE" {
		t.Errorf("edge: got %q", s.Edge)
	}
	if len(s.Counters) != 3 || s.Counters[2] != 3 {
		t.Errorf("counters: got %v", s.Counters)
	}
	if s.LastDistance == nil || *s.LastDistance != 3.25 {
		t.Errorf("last_distance_cm: got %v", s.LastDistance)
	}
	if s.Totals.Detections != 1 {
		t.Errorf("detections: got %d", s.Totals.Detections)
	}
	if s.Event != "" {
		t.Errorf("event should be empty for web output, got %q", s.Event)
	}
	if s.Network != nil {
		t.Error("network should be omitted when unknown")
	}
	if s.Config.Variant != "records" {
		t.Errorf("config.variant: got %q", s.Config.Variant)
	}
}

func TestFormatJSONNoReading(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	var raw map[string]map[string]any
	if err := json.Unmarshal(FormatJSON(tr.Snapshot()), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, ok := raw["status"]["last_distance_cm"]
	if !ok {
		t.Fatal("last_distance_cm key missing")
	}
	if v != nil {
		t.Errorf("last_distance_cm: got %v, want null", v)
	}
}

func TestFormatStatusEvent(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.SetNetwork(&NetworkInfo{Type: "ethernet", IP: "10.0.0.2"})

	var out StatusJSON
	if err := json.Unmarshal(FormatStatusEvent(tr.Snapshot(), "SHUTDOWN", "SIGTERM"), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status.Event != "SHUTDOWN" || out.Status.Reason != "SIGTERM" {
		t.Errorf("event/reason: got %q/%q", out.Status.Event, out.Status.Reason)
	}
	if out.Status.Network == nil || out.Status.Network.Type != "ethernet" {
		t.Errorf("network: got %+v", out.Status.Network)
	}
}

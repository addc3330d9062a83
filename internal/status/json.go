package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Connection    SessionJSON  `json:"connection"`
	Edge          string       `json:"edge"`
	Counters      []int        `json:"counters"`
	LastDistance  *float64     `json:"last_distance_cm"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Totals        TotalsJSON   `json:"totals"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// SessionJSON describes the active client.
type SessionJSON struct {
	State  string `json:"state"`
	ID     string `json:"id,omitempty"`
	Remote string `json:"remote,omitempty"`
	Since  string `json:"since,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// TotalsJSON is the JSON representation of lifetime totals.
type TotalsJSON struct {
	Accepted          int64 `json:"accepted"`
	HandshakeFailures int64 `json:"handshake_failures"`
	RejectedBusy      int64 `json:"rejected_busy"`
	Detections        int64 `json:"detections"`
	FramesSent        int64 `json:"frames_sent"`
	SendFailures      int64 `json:"send_failures"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	ListenAddr  string  `json:"listen_addr"`
	HTTPAddr    string  `json:"http_addr"`
	Sensor      string  `json:"sensor"`
	ThresholdCM float64 `json:"threshold_cm"`
	PollMs      int64   `json:"poll_ms"`
	Variant     string  `json:"variant"`
	Broker      string  `json:"broker,omitempty"`
}

func buildInner(snap Snapshot) StatusInner {
	session := SessionJSON{State: string(snap.Session.State)}
	if session.State == "" {
		session.State = string(ConnIdle)
	}
	if snap.Session.ID != "" {
		session.ID = snap.Session.ID
		session.Remote = snap.Session.Remote
		session.Since = snap.Session.Since.UTC().Format(time.RFC3339)
	}

	inner := StatusInner{
		Connection:    session,
		Edge:          string(snap.Edge),
		Counters:      snap.Counters[:],
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Totals: TotalsJSON{
			Accepted:          snap.Totals.Accepted,
			HandshakeFailures: snap.Totals.HandshakeFailures,
			RejectedBusy:      snap.Totals.RejectedBusy,
			Detections:        snap.Totals.Detections,
			FramesSent:        snap.Totals.FramesSent,
			SendFailures:      snap.Totals.SendFailures,
		},
		Config: ConfigJSON{
			ListenAddr:  snap.Config.ListenAddr,
			HTTPAddr:    snap.Config.HTTPAddr,
			Sensor:      snap.Config.Sensor,
			ThresholdCM: snap.Config.ThresholdCM,
			PollMs:      snap.Config.PollMs,
			Variant:     snap.Config.Variant,
			Broker:      snap.Config.Broker,
		},
	}
	if snap.LastValid {
		d := snap.LastDistance
		inner.LastDistance = &d
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}

package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/piece-counter/internal/message"
	"github.com/sweeney/piece-counter/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"label": func(i int) string {
		if i < 0 || i >= len(message.PieceTypes) {
			return "?"
		}
		return string(message.PieceTypes[i])
	},
	"clock": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.Format(message.DateLayout + " " + message.TimeLayout)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>Piece Counter</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.inside { color: green; font-weight: bold; }
.outside { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Piece Counter</h1>

<h2>Dashboard</h2>
<table>
<tr><th>Client</th><td id="client" class="{{if eq .Session.State "SERVING"}}connected{{else}}disconnected{{end}}">{{.Session.State}}{{if .Session.Remote}} ({{.Session.Remote}}){{end}}</td></tr>
<tr><th>Zone</th><td id="edge" class="{{if eq .Edge "INSIDE"}}inside{{else}}outside{{end}}">{{.Edge}}</td></tr>
<tr><th>Last distance</th><td>{{if .LastValid}}{{printf "%.1f" .LastDistance}} cm{{else}}no echo{{end}}</td></tr>
<tr><th>Last reading</th><td>{{clock .LastReading}}</td></tr>
</table>

<h2>Counters</h2>
<table>
{{range $i, $c := .Counters}}<tr><th>{{label $i}}</th><td id="counter-{{$i}}">{{$c}}</td></tr>
{{end}}</table>

<h2>Totals</h2>
<table>
<tr><th>Detections</th><td>{{.Totals.Detections}}</td></tr>
<tr><th>Connections</th><td>{{.Totals.Accepted}}</td></tr>
<tr><th>Handshake failures</th><td>{{.Totals.HandshakeFailures}}</td></tr>
<tr><th>Turned away (busy)</th><td>{{.Totals.RejectedBusy}}</td></tr>
<tr><th>Frames sent</th><td>{{.Totals.FramesSent}}</td></tr>
<tr><th>Send failures</th><td>{{.Totals.SendFailures}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}disabled{{end}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Listen</th><td>{{.Config.ListenAddr}}</td></tr>
<tr><th>Sensor</th><td>{{.Config.Sensor}}</td></tr>
<tr><th>Threshold</th><td>{{.Config.ThresholdCM}} cm</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}} ms</td></tr>
<tr><th>Variant</th><td>{{.Config.Variant}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}

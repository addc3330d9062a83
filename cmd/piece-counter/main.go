// Command piece-counter watches an ultrasonic distance sensor and streams piece
// counts to a dashboard over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/phsym/console-slog"

	"github.com/sweeney/piece-counter/internal/config"
	"github.com/sweeney/piece-counter/internal/mqtt"
	"github.com/sweeney/piece-counter/internal/sensor"
	"github.com/sweeney/piece-counter/internal/server"
	"github.com/sweeney/piece-counter/internal/status"
	"github.com/sweeney/piece-counter/internal/web"
)

// options is everything the command line can set.
type options struct {
	cfg           config.Config
	logFormat     string
	logLevel      string
	printDistance bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "piece-counter: %v\n", err)
		os.Exit(2)
	}

	log, err := newLogger(os.Stderr, opts.logFormat, opts.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "piece-counter: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(log)

	if err := run(opts, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	def := config.Default()
	fs := flag.NewFlagSet("piece-counter", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var o options
	c := &o.cfg
	fs.StringVar(&c.ListenAddr, "listen", def.ListenAddr, "WebSocket listen address")
	fs.StringVar(&c.HTTPAddr, "http", def.HTTPAddr, "HTTP status address (empty to disable)")
	fs.StringVar(&c.Chip, "chip", def.Chip, "GPIO chip")
	fs.IntVar(&c.TriggerPin, "pin-trigger", def.TriggerPin, "BCM pin wired to the sensor trigger")
	fs.IntVar(&c.EchoPin, "pin-echo", def.EchoPin, "BCM pin wired to the sensor echo")
	fs.StringVar(&c.SerialPort, "serial", "", "UART sensor device (empty uses GPIO)")
	fs.IntVar(&c.SerialBaud, "baud", def.SerialBaud, "UART sensor baud rate")
	fs.DurationVar(&c.SerialTimeout, "serial-timeout", def.SerialTimeout, "UART read timeout per measurement")
	fs.Float64Var(&c.ThresholdCM, "threshold", def.ThresholdCM, "Detection threshold in centimetres")
	fs.Float64Var(&c.SpeedOfSoundCMPerUS, "speed-of-sound", def.SpeedOfSoundCMPerUS, "Speed of sound in cm/µs")
	fs.DurationVar(&c.TriggerSettle, "trigger-settle", def.TriggerSettle, "Trigger low time before a pulse")
	fs.DurationVar(&c.TriggerPulse, "trigger-pulse", def.TriggerPulse, "Trigger pulse width")
	fs.DurationVar(&c.EchoTimeout, "echo-timeout", def.EchoTimeout, "Echo wait bound")
	fs.DurationVar(&c.PollInterval, "poll", def.PollInterval, "Sensor polling interval")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", def.HandshakeTimeout, "Upgrade handshake bound")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", def.WriteTimeout, "Per-frame write bound")
	fs.StringVar(&c.Broker, "broker", "", "MQTT broker to mirror detections to (empty to disable)")
	fs.StringVar(&c.NetworkEnvFile, "network-env", def.NetworkEnvFile, "Network info file written by pi-helper")
	variant := fs.String("variant", string(def.Variant), `Message format: "counts" or "records"`)
	fs.StringVar(&o.logFormat, "log-format", "console", `Log format: "console" or "json"`)
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.BoolVar(&o.printDistance, "print-distance", false, "Take one reading, print it and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	v, err := config.ParseVariant(*variant)
	if err != nil {
		return options{}, err
	}
	c.Variant = v

	if err := c.Validate(); err != nil {
		return options{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return o, nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	switch strings.ToLower(format) {
	case "console":
		return slog.New(console.NewHandler(w, &console.HandlerOptions{Level: lvl})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: lvl,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					a.Key = "ts"
				}
				return a
			},
		})), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func openSensor(cfg config.Config, log *slog.Logger) (sensor.Sensor, error) {
	if cfg.SerialPort != "" {
		s, err := sensor.OpenSerial(cfg.SerialPort, cfg.SerialBaud, cfg.SerialTimeout, log)
		if err != nil {
			return nil, fmt.Errorf("init serial sensor: %w", err)
		}
		return s, nil
	}

	pins, err := sensor.NewGPIOPins(cfg.Chip, cfg.TriggerPin, cfg.EchoPin)
	if err != nil {
		return nil, fmt.Errorf("init gpio: %w", err)
	}
	return sensor.NewUltrasonic(pins, sensor.Timing{
		Settle:              cfg.TriggerSettle,
		Pulse:               cfg.TriggerPulse,
		EchoTimeout:         cfg.EchoTimeout,
		SpeedOfSoundCMPerUS: cfg.SpeedOfSoundCMPerUS,
	}, log), nil
}

func sensorLabel(cfg config.Config) string {
	if cfg.SerialPort != "" {
		return cfg.SerialPort
	}
	return fmt.Sprintf("gpio %s trigger=%d echo=%d", cfg.Chip, cfg.TriggerPin, cfg.EchoPin)
}

func run(opts options, log *slog.Logger) error {
	cfg := opts.cfg

	s, err := openSensor(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn("release sensor", "error", err)
		}
	}()

	if opts.printDistance {
		fmt.Println(s.MeasureDistance())
		return nil
	}

	tracker := status.NewTracker(time.Now(), status.Config{
		ListenAddr:  cfg.ListenAddr,
		HTTPAddr:    cfg.HTTPAddr,
		Sensor:      sensorLabel(cfg),
		ThresholdCM: cfg.ThresholdCM,
		PollMs:      cfg.PollInterval.Milliseconds(),
		Variant:     string(cfg.Variant),
		Broker:      cfg.Broker,
	})
	if net := readNetworkInfo(cfg.NetworkEnvFile); net != nil {
		tracker.SetNetwork(net)
	}

	var (
		publisher  mqtt.Publisher
		mqttStatus mqtt.ConnectionStatus
		srvOpts    = server.Options{Logger: log, Tracker: tracker}
	)
	if cfg.Broker != "" {
		p, err := mqtt.NewRealPublisher(cfg.Broker, mqtt.Options{
			Logger:             log.With("component", "mqtt"),
			OnConnectionChange: tracker.SetMQTTConnected,
		})
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer p.Close()
		publisher, mqttStatus, srvOpts.Mirror = p, p, p
		tracker.SetMQTTConnected(p.IsConnected())
		publishSystem(publisher, tracker, log, mqtt.EventStartup, "")
	}

	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info("http status server listening", "addr", cfg.HTTPAddr)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	log.Info("started",
		"sensor", sensorLabel(cfg),
		"threshold_cm", cfg.ThresholdCM,
		"poll", cfg.PollInterval,
		"variant", cfg.Variant,
		"broker", cfg.Broker,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return serve(server.New(cfg, s, srvOpts), ln, publisher, mqttStatus, tracker, log, sigCh)
}

// serve runs the WebSocket server until a signal arrives, then waits for every
// connection to close and announces the shutdown.
func serve(srv *server.Server, ln net.Listener, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, log *slog.Logger, sig <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	select {
	case s := <-sig:
		log.Info("shutting down", "signal", s)
		cancel()
		err := <-errc
		if mqttStatus != nil {
			tracker.SetMQTTConnected(mqttStatus.IsConnected())
		}
		publishSystem(publisher, tracker, log, mqtt.EventShutdown, signalName(s))
		return err

	case err := <-errc:
		return err
	}
}

func publishSystem(publisher mqtt.Publisher, tracker *status.Tracker, log *slog.Logger, event, reason string) {
	if publisher == nil {
		return
	}
	snap := tracker.Snapshot()
	err := publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
	if err != nil {
		log.Warn("publish system event", "event", event, "error", err)
		return
	}
	log.Info("published system event", "event", event)
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// pi-helper variable names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

// readNetworkInfo loads the pi-helper env file. A missing file or one without
// a network status yields nil.
func readNetworkInfo(path string) *status.NetworkInfo {
	if path == "" {
		return nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return nil
	}
	s := env[envNetworkStatus]
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       env[envNetworkType],
		IP:         env[envNetworkIP],
		Status:     s,
		Gateway:    env[envNetworkGateway],
		WifiStatus: env[envNetworkWifiStatus],
		SSID:       env[envNetworkWifiSSID],
	}
}

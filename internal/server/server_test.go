package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/piece-counter/internal/config"
	"github.com/sweeney/piece-counter/internal/logic"
	"github.com/sweeney/piece-counter/internal/message"
	"github.com/sweeney/piece-counter/internal/mqtt"
	"github.com/sweeney/piece-counter/internal/sensor"
	"github.com/sweeney/piece-counter/internal/status"
	"github.com/sweeney/piece-counter/internal/ws"
)

func testConfig(variant config.Variant) config.Config {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Variant = variant
	cfg.PollInterval = 5 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	return cfg
}

type running struct {
	srv     *Server
	addr    string
	tracker *status.Tracker
	cancel  context.CancelFunc
	errc    chan error
}

func start(t *testing.T, cfg config.Config, s sensor.Sensor, opts Options) *running {
	t.Helper()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	require.NoError(t, err)

	if opts.Tracker == nil {
		opts.Tracker = status.NewTracker(testNow, status.Config{})
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		srv:     New(cfg, s, opts),
		addr:    ln.Addr().String(),
		tracker: opts.Tracker,
		cancel:  cancel,
		errc:    make(chan error, 1),
	}
	go func() { r.errc <- r.srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.errc:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return r
}

func (r *running) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial("ws://"+r.addr+"/", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { c.Close() })
	return c
}

func (r *running) waitServing(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.tracker.Snapshot().Session.State == status.ConnServing
	}, 2*time.Second, time.Millisecond)
}

func (r *running) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.tracker.Snapshot().Session.State == status.ConnIdle && len(r.srv.Sessions()) == 0
	}, 2*time.Second, time.Millisecond)
}

func readText(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	return string(data)
}

func TestServeRecordsVariant(t *testing.T) {
	r := start(t, testConfig(config.VariantRecords), sensor.NewFakeSensor(15, 8, 8, 12, 6, 40), Options{})
	c := r.dial(t)

	wantTypes := []message.PieceType{message.PieceLarge, message.PieceMedium, message.PieceSmall}
	for event := 1; event <= 2; event++ {
		for i, typ := range wantTypes {
			rec, err := message.DecodeRecord([]byte(readText(t, c)))
			require.NoError(t, err)
			assert.Equal(t, typ, rec.Type)
			assert.Equal(t, event*(i+1), rec.Quantity)
			assert.Equal(t, "04/05/2026", rec.Date)
			assert.Equal(t, "09:08:07", rec.Time)
		}
	}

	// Nothing beyond the two detections.
	c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := c.ReadMessage()
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "expected read timeout, got %v", err)

	assert.Equal(t, int64(6), r.tracker.Snapshot().Totals.FramesSent)
}

func TestServeCountsVariant(t *testing.T) {
	r := start(t, testConfig(config.VariantCounts), sensor.NewFakeSensor(sensor.Invalid, sensor.Invalid, 5), Options{})
	c := r.dial(t)

	counters, err := message.DecodeCounts([]byte(readText(t, c)))
	require.NoError(t, err)
	assert.Equal(t, [3]int{1, 3, 5}, [3]int(counters))
}

func TestServeMalformedHandshake(t *testing.T) {
	s := sensor.NewFakeSensor(5)
	r := start(t, testConfig(config.VariantRecords), s, Options{})

	nc, err := net.Dial("tcp", r.addr)
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write([]byte("GET / HTTP/1.1\r\nHost: counter\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Version: 13\r\n\r\n"))
	require.NoError(t, err)

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(nc)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "missing Sec-WebSocket-Key", string(body))

	// Nothing follows the error response: no frames, then EOF.
	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		return r.tracker.Snapshot().Totals.HandshakeFailures == 1
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, s.Calls(), "sensor must not be polled for a refused connection")

	// The accept loop keeps serving.
	c := r.dial(t)
	assert.Equal(t, `{"quantidade":1,"tipo":"Grande","data":"04/05/2026","hora":"09:08:07"}`, readText(t, c))
}

func TestServeSecondClientIsBusy(t *testing.T) {
	r := start(t, testConfig(config.VariantRecords), sensor.NewFakeSensor(50), Options{})
	r.dial(t)
	r.waitServing(t)

	second := r.dial(t)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, ws.CloseTryAgainLater, ce.Code)

	assert.Equal(t, int64(1), r.tracker.Snapshot().Totals.RejectedBusy)
	assert.Equal(t, status.ConnServing, r.tracker.Snapshot().Session.State)
}

func TestServeReconnectStartsFreshCounters(t *testing.T) {
	r := start(t, testConfig(config.VariantCounts), sensor.NewFakeSensor(30, 4), Options{})

	first := r.dial(t)
	assert.Equal(t, "[1,3,5]", readText(t, first))
	require.NoError(t, first.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	r.waitIdle(t)

	// The sensor still reads 4 cm; a new connection starts OUTSIDE with initial counters.
	second := r.dial(t)
	assert.Equal(t, "[1,3,5]", readText(t, second))
}

func TestServeShutdownClosesClients(t *testing.T) {
	r := start(t, testConfig(config.VariantRecords), sensor.NewFakeSensor(50), Options{})
	c := r.dial(t)
	r.waitServing(t)

	r.cancel()

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, ws.CloseGoingAway, ce.Code)

	select {
	case err := <-r.errc:
		assert.NoError(t, err)
		r.errc <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServeMirrorsDetections(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	r := start(t, testConfig(config.VariantCounts), sensor.NewFakeSensor(30, 2, 30, 2), Options{Mirror: pub})
	c := r.dial(t)

	readText(t, c)
	readText(t, c)

	require.Eventually(t, func() bool { return len(pub.Published()) == 2 }, 2*time.Second, time.Millisecond)
	evs := pub.Published()
	assert.Equal(t, 1, evs[0].Sequence)
	assert.Equal(t, 2, evs[1].Sequence)
	assert.Equal(t, 2.0, evs[1].DistanceCM)
}

func TestServeMirrorFailureDoesNotAffectClient(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.PublishError = errors.New("broker down")
	r := start(t, testConfig(config.VariantCounts), sensor.NewFakeSensor(30, 2), Options{Mirror: pub})
	c := r.dial(t)

	assert.Equal(t, "[1,3,5]", readText(t, c))
}

// slowMirror records sequences after a fixed publish delay.
type slowMirror struct {
	delay time.Duration
	mu    sync.Mutex
	seqs  []int
}

func (m *slowMirror) Publish(ev logic.Event) error {
	time.Sleep(m.delay)
	m.mu.Lock()
	m.seqs = append(m.seqs, ev.Sequence)
	m.mu.Unlock()
	return nil
}

func (m *slowMirror) sequences() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.seqs...)
}

func TestServeShutdownPublishesQueuedDetections(t *testing.T) {
	var readings []sensor.Distance
	for i := 0; i < 30; i++ {
		readings = append(readings, 30, 2)
	}
	cfg := testConfig(config.VariantCounts)
	cfg.PollInterval = time.Millisecond
	mirror := &slowMirror{delay: 5 * time.Millisecond}

	r := start(t, cfg, sensor.NewFakeSensor(readings...), Options{Mirror: mirror})
	r.dial(t)

	// Shut down while the session is still detecting and the mirror lags.
	require.Eventually(t, func() bool {
		return r.tracker.Snapshot().Totals.Detections >= 3
	}, 2*time.Second, time.Millisecond)
	r.cancel()

	select {
	case err := <-r.errc:
		assert.NoError(t, err)
		r.errc <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	detections := int(r.tracker.Snapshot().Totals.Detections)
	seqs := mirror.sequences()
	require.Len(t, seqs, detections, "every queued detection is published before Serve returns")
	for i, seq := range seqs {
		assert.Equal(t, i+1, seq)
	}
}

// flakyConn fails every write after the first allowed ones.
type flakyConn struct {
	net.Conn
	mu      sync.Mutex
	allowed int
}

func (f *flakyConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowed == 0 {
		return 0, errLinkDown
	}
	f.allowed--
	return f.Conn.Write(p)
}

func TestServeSendFailureMidEventClosesConnection(t *testing.T) {
	cfg := testConfig(config.VariantRecords)
	tracker := status.NewTracker(testNow, status.Config{})
	srv := New(cfg, sensor.NewFakeSensor(15, 5), Options{Logger: discardLogger(), Tracker: tracker, Now: func() time.Time { return testNow }})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	handled := make(chan struct{})
	go func() {
		defer close(handled)
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		// The 101 response and the first frame get through.
		srv.handleConn(context.Background(), &flakyConn{Conn: nc, allowed: 2}, nil)
	}()

	c, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/", nil)
	require.NoError(t, err)
	defer c.Close()

	first := readText(t, c)
	rec, err := message.DecodeRecord([]byte(first))
	require.NoError(t, err)
	assert.Equal(t, message.PieceLarge, rec.Type)

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	require.Error(t, err)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "connection should be closed, got %v", err)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("connection handler did not exit")
	}

	totals := tracker.Snapshot().Totals
	assert.Equal(t, int64(1), totals.FramesSent)
	assert.Equal(t, int64(1), totals.SendFailures)
	assert.Equal(t, status.ConnIdle, tracker.Snapshot().Session.State)
	assert.Empty(t, srv.Sessions())
}

func TestListenAndServeBadAddress(t *testing.T) {
	cfg := testConfig(config.VariantRecords)
	cfg.ListenAddr = "127.0.0.1:99999"
	srv := New(cfg, sensor.NewFakeSensor(), Options{Logger: discardLogger()})

	err := srv.ListenAndServe(context.Background())
	assert.Error(t, err)
}

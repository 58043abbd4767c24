package server

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/alertbus/decode"
	"github.com/c360/alertbus/decode/additional"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/metric"
	"github.com/c360/alertbus/normalize"
	"github.com/c360/alertbus/scheduler"
	"github.com/c360/alertbus/wire"
)

type queued struct {
	producer string
	msg      *idmef.Message
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	got      []queued
	refusals int
	err      error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, producer string, msg *idmef.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.refusals > 0 {
		f.refusals--
		return scheduler.ErrBackpressure
	}
	f.got = append(f.got, queued{producer: producer, msg: msg})
	return nil
}

func (f *fakeEnqueuer) messages() []queued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queued(nil), f.got...)
}

func newTestServer(t *testing.T, cfg Config, target Enqueuer, opts ...Option) *Server {
	t.Helper()
	reg := decode.NewRegistry(nil)
	require.NoError(t, reg.Register(additional.SubTag, additional.New()))
	local := &idmef.Analyzer{AnalyzerID: "manager", Class: "Manager"}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	opts = append([]Option{WithLogger(logger)}, opts...)
	return New(cfg, reg, normalize.New(local), target, opts...)
}

func writeAlert(t *testing.T, w *wire.Writer, id string) {
	t.Helper()
	payload, err := wire.EncodeAlert(&idmef.Alert{
		MessageID:  id,
		Analyzer:   &idmef.Analyzer{AnalyzerID: "sensor"},
		CreateTime: &idmef.Time{Sec: 100},
	})
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(wire.TagAlert, payload))
	require.NoError(t, w.WriteEnd(time.Time{}))
}

// serveAsync runs HandleConn on the server end of a pipe and returns the
// client end plus a channel closed when the handler returns
func serveAsync(s *Server) (net.Conn, <-chan struct{}) {
	client, srv := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.HandleConn(context.Background(), srv)
	}()
	return client, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection handler did not return")
	}
}

func TestHandleConn_DeliversMessagesWithOneProducer(t *testing.T) {
	target := &fakeEnqueuer{}
	s := newTestServer(t, Config{}, target)

	client, done := serveAsync(s)
	w := wire.NewWriter(client)
	writeAlert(t, w, "1")
	writeAlert(t, w, "2")
	require.NoError(t, client.Close())
	waitDone(t, done)

	got := target.messages()
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].msg.MessageID())
	assert.Equal(t, "2", got[1].msg.MessageID())
	assert.NotEmpty(t, got[0].producer)
	assert.Equal(t, got[0].producer, got[1].producer)

	// terminal analyzer is the local manager
	assert.Equal(t, "manager", got[0].msg.Analyzer().Terminal().AnalyzerID)
	assert.Zero(t, s.Connections())
}

func TestHandleConn_ProducersDifferPerConnection(t *testing.T) {
	target := &fakeEnqueuer{}
	s := newTestServer(t, Config{}, target)

	for _, id := range []string{"a", "b"} {
		client, done := serveAsync(s)
		writeAlert(t, wire.NewWriter(client), id)
		require.NoError(t, client.Close())
		waitDone(t, done)
	}

	got := target.messages()
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].producer, got[1].producer)
}

func TestHandleConn_DecodeErrorKeepsConnection(t *testing.T) {
	target := &fakeEnqueuer{}
	s := newTestServer(t, Config{}, target)

	client, done := serveAsync(s)
	w := wire.NewWriter(client)
	require.NoError(t, w.WriteFrame(wire.TagAlert, []byte{0xff, 0x00, 0x13}))
	require.NoError(t, w.WriteEnd(time.Time{}))
	writeAlert(t, w, "after-bad")
	require.NoError(t, client.Close())
	waitDone(t, done)

	got := target.messages()
	require.Len(t, got, 1)
	assert.Equal(t, "after-bad", got[0].msg.MessageID())
}

func TestHandleConn_OversizeFrameDropsConnection(t *testing.T) {
	target := &fakeEnqueuer{}
	registry := metric.NewMetricsRegistry()
	s := newTestServer(t, Config{MaxFrameSize: 8}, target, WithMetrics(registry))

	client, done := serveAsync(s)
	go func() {
		// the handler hangs up after the header, so this write fails
		_ = wire.NewWriter(client).WriteFrame(wire.TagAlert, make([]byte, 64))
	}()
	waitDone(t, done)

	assert.Empty(t, target.messages())
	_, err := client.Write([]byte{0})
	assert.Error(t, err, "server side closed the pipe")
}

func TestHandleConn_RetriesOnBackpressure(t *testing.T) {
	target := &fakeEnqueuer{refusals: 3}
	s := newTestServer(t, Config{BackpressureWait: time.Millisecond}, target)

	client, done := serveAsync(s)
	writeAlert(t, wire.NewWriter(client), "held")
	require.NoError(t, client.Close())
	waitDone(t, done)

	got := target.messages()
	require.Len(t, got, 1)
	assert.Equal(t, "held", got[0].msg.MessageID())
}

func TestHandleConn_RateLimitHoldsMessages(t *testing.T) {
	target := &fakeEnqueuer{}
	registry := metric.NewMetricsRegistry()
	s := newTestServer(t, Config{MessagesPerSecond: 20}, target, WithMetrics(registry))
	assert.Equal(t, 1, s.cfg.MessageBurst)

	client, done := serveAsync(s)
	start := time.Now()
	w := wire.NewWriter(client)
	for _, id := range []string{"1", "2", "3"} {
		writeAlert(t, w, id)
	}
	require.NoError(t, client.Close())
	waitDone(t, done)

	// one token up front, then one every 50ms
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	require.Len(t, target.messages(), 3)

	var m dto.Metric
	require.NoError(t, registry.CoreMetrics().RateLimited.Write(&m))
	assert.Equal(t, float64(2), m.GetCounter().GetValue())
}

func TestHandleConn_GroupLimitKeepsConnection(t *testing.T) {
	target := &fakeEnqueuer{}
	s := newTestServer(t, Config{MaxGroupFrames: 2}, target)

	client, done := serveAsync(s)
	w := wire.NewWriter(client)
	writeAlert(t, w, "ok")
	payload, err := wire.EncodeAlert(&idmef.Alert{MessageID: "flood", CreateTime: &idmef.Time{Sec: 1}})
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(wire.TagAlert, payload))
	for i := 0; i < 50; i++ {
		require.NoError(t, w.WriteProprietary(200, []byte("x")))
	}
	require.NoError(t, w.WriteEnd(time.Time{}))
	writeAlert(t, w, "after")
	require.NoError(t, client.Close())
	waitDone(t, done)

	got := target.messages()
	require.Len(t, got, 2)
	assert.Equal(t, "ok", got[0].msg.MessageID())
	assert.Equal(t, "after", got[1].msg.MessageID())
}

func TestHandleConn_StopsWhenSchedulerStopped(t *testing.T) {
	target := &fakeEnqueuer{err: scheduler.ErrStopped}
	s := newTestServer(t, Config{}, target)

	client, done := serveAsync(s)
	go func() {
		w := wire.NewWriter(client)
		payload, _ := wire.EncodeAlert(&idmef.Alert{MessageID: "x", CreateTime: &idmef.Time{Sec: 1}})
		_ = w.WriteFrame(wire.TagAlert, payload)
		_ = w.WriteEnd(time.Time{})
	}()
	waitDone(t, done)
	assert.Empty(t, target.messages())
}

func TestServer_StartStop(t *testing.T) {
	target := &fakeEnqueuer{}
	s := newTestServer(t, Config{Listen: "127.0.0.1:0"}, target)
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start")

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	writeAlert(t, wire.NewWriter(conn), "tcp-1")

	require.Eventually(t, func() bool { return len(target.messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.Connections())

	// an idle connection does not hold up Stop
	require.NoError(t, s.Stop(5*time.Second))
	assert.Zero(t, s.Connections())
	require.NoError(t, s.Stop(time.Second), "second stop is a no-op")

	_, err = net.DialTimeout("tcp", s.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
	assert.Error(t, s.Start(context.Background()), "no restart after stop")
}

func TestServer_StartRejectsBadAddress(t *testing.T) {
	s := newTestServer(t, Config{Listen: "256.0.0.1:bad"}, &fakeEnqueuer{})
	assert.Error(t, s.Start(context.Background()))
}

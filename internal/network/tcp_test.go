package network

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openfms/rpcproxy/internal/event"
)

type chunk struct {
	data      []byte
	endStream bool
}

type recordingFilter struct {
	callbacks ReadFilterCallbacks
	chunks    chan chunk
	onData    func(data []byte, endStream bool)
}

func newRecordingFilter() *recordingFilter {
	return &recordingFilter{chunks: make(chan chunk, 16)}
}

func (f *recordingFilter) OnNewConnection() FilterStatus { return Continue }

func (f *recordingFilter) OnData(data []byte, endStream bool) FilterStatus {
	f.chunks <- chunk{data: data, endStream: endStream}
	if f.onData != nil {
		f.onData(data, endStream)
	}
	return StopIteration
}

func (f *recordingFilter) InitializeReadFilterCallbacks(cb ReadFilterCallbacks) {
	f.callbacks = cb
}

type recordingCallbacks struct {
	mu     sync.Mutex
	events []ConnectionEvent
	above  int
	below  int
	notify chan string
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{notify: make(chan string, 16)}
}

func (r *recordingCallbacks) OnEvent(ev ConnectionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.notify <- ev.String()
}

func (r *recordingCallbacks) OnAboveWriteBufferHighWatermark() {
	r.mu.Lock()
	r.above++
	r.mu.Unlock()
	r.notify <- "above"
}

func (r *recordingCallbacks) OnBelowWriteBufferLowWatermark() {
	r.mu.Lock()
	r.below++
	r.mu.Unlock()
	r.notify <- "below"
}

func (r *recordingCallbacks) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-r.notify:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

type harness struct {
	loop      *event.Loop
	conn      *TCPConnection
	peer      net.Conn
	filter    *recordingFilter
	callbacks *recordingCallbacks
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, opts TCPOptions) *harness {
	t.Helper()
	server, client := net.Pipe()
	loop := event.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	h := &harness{
		loop:      loop,
		conn:      NewTCPConnection("conn-test", server, loop, opts),
		peer:      client,
		filter:    newRecordingFilter(),
		callbacks: newRecordingCallbacks(),
		cancel:    cancel,
	}
	h.conn.SetReadFilter(h.filter)
	h.conn.AddConnectionCallbacks(h.callbacks)
	h.conn.EnableHalfClose(true)
	h.run(t, h.conn.Start)

	t.Cleanup(func() {
		_ = client.Close()
		cancel()
	})
	return h
}

// run executes fn on the dispatcher and waits for it.
func (h *harness) run(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	h.loop.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not run posted event")
	}
}

func (h *harness) nextChunk(t *testing.T) chunk {
	t.Helper()
	select {
	case c := <-h.filter.chunks:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data")
		return chunk{}
	}
}

func TestTCPConnection_DeliversReadsToFilter(t *testing.T) {
	h := newHarness(t, TCPOptions{})

	go func() { _, _ = h.peer.Write([]byte("hello")) }()

	c := h.nextChunk(t)
	assert.Equal(t, []byte("hello"), c.data)
	assert.False(t, c.endStream)
}

func TestTCPConnection_HalfCloseDeliversEndStream(t *testing.T) {
	h := newHarness(t, TCPOptions{})

	require.NoError(t, h.peer.Close())

	c := h.nextChunk(t)
	assert.Nil(t, c.data)
	assert.True(t, c.endStream)
	assert.Equal(t, StateOpen, h.conn.State())
}

func TestTCPConnection_WritePreservesOrder(t *testing.T) {
	h := newHarness(t, TCPOptions{})

	h.run(t, func() {
		h.conn.Write([]byte("one,"), false)
		h.conn.Write([]byte("two,"), false)
		h.conn.Write([]byte("three"), false)
	})

	buf := make([]byte, len("one,two,three"))
	_, err := io.ReadFull(h.peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "one,two,three", string(buf))
}

func TestTCPConnection_FlushWriteClosesAfterDrain(t *testing.T) {
	h := newHarness(t, TCPOptions{})

	h.run(t, func() {
		h.conn.Write([]byte("bye"), false)
		h.conn.Close(FlushWrite)
	})

	data, err := io.ReadAll(h.peer)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))
	h.callbacks.expect(t, "local_close")
	assert.Equal(t, StateClosed, h.conn.State())
}

func TestTCPConnection_NoFlushClosesImmediately(t *testing.T) {
	h := newHarness(t, TCPOptions{})

	h.run(t, func() {
		h.conn.Close(NoFlush)
		assert.Equal(t, StateClosed, h.conn.State())
		h.conn.Write([]byte("ignored"), false)
	})
	h.callbacks.expect(t, "local_close")

	data, _ := io.ReadAll(h.peer)
	assert.Empty(t, data)
}

func TestTCPConnection_WatermarksFireOnceEachWay(t *testing.T) {
	h := newHarness(t, TCPOptions{})

	h.run(t, func() {
		h.conn.SetBufferLimits(4)
		h.conn.Write([]byte("0123456789"), false)
	})
	h.callbacks.expect(t, "above")

	buf := make([]byte, 10)
	_, err := io.ReadFull(h.peer, buf)
	require.NoError(t, err)
	h.callbacks.expect(t, "below")

	h.callbacks.mu.Lock()
	defer h.callbacks.mu.Unlock()
	assert.Equal(t, 1, h.callbacks.above)
	assert.Equal(t, 1, h.callbacks.below)
}

func TestTCPConnection_ReadDisableNests(t *testing.T) {
	h := newHarness(t, TCPOptions{})

	h.run(t, func() {
		h.conn.ReadDisable(true)
		h.conn.ReadDisable(true)
		h.conn.ReadDisable(false)
		assert.Equal(t, 1, h.conn.readDisableCount)
		h.conn.ReadDisable(false)
		h.conn.ReadDisable(false)
		assert.Equal(t, 0, h.conn.readDisableCount)
	})

	go func() { _, _ = h.peer.Write([]byte("x")) }()
	assert.Equal(t, []byte("x"), h.nextChunk(t).data)
}

func TestTCPConnection_IdleTimeoutClosesLocally(t *testing.T) {
	h := newHarness(t, TCPOptions{IdleTimeout: 50 * time.Millisecond})

	h.callbacks.expect(t, "local_close")
	assert.Equal(t, StateClosed, h.conn.State())
}

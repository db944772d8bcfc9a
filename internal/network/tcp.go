package network

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"openfms/rpcproxy/internal/event"
)

const defaultReadBufferSize = 16 * 1024

// TCPOptions tunes a TCPConnection.
type TCPOptions struct {
	ReadBufferSize int
	// IdleTimeout closes the connection when nothing is read for this long. Zero disables it.
	IdleTimeout time.Duration
}

// TCPConnection adapts a net.Conn to Connection. A reader goroutine and a
// writer goroutine move bytes; filters and callbacks only ever run on the
// dispatcher.
type TCPConnection struct {
	id          string
	conn        net.Conn
	dispatcher  event.Dispatcher
	log         *logrus.Entry
	readBufSize int
	idleTimeout time.Duration

	state atomic.Int32

	// Owned by the dispatcher goroutine.
	filter           ReadFilter
	callbacks        []ConnectionCallbacks
	halfClose        bool
	readDisableCount int

	// mu guards everything shared with the reader and writer goroutines.
	mu            sync.Mutex
	cond          *sync.Cond
	readDisabled  bool
	pending       [][]byte
	buffered      int
	highWatermark int
	lowWatermark  int
	aboveHigh     bool
	flushClose    bool
	stopped       bool
}

// NewTCPConnection wraps conn. Call Start on the dispatcher to begin I/O.
func NewTCPConnection(id string, conn net.Conn, dispatcher event.Dispatcher, opts TCPOptions) *TCPConnection {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	c := &TCPConnection{
		id:          id,
		conn:        conn,
		dispatcher:  dispatcher,
		readBufSize: opts.ReadBufferSize,
		idleTimeout: opts.IdleTimeout,
		log: logrus.WithFields(logrus.Fields{
			"conn_id": id,
			"remote":  conn.RemoteAddr().String(),
		}),
	}
	c.cond = sync.NewCond(&c.mu)
	c.state.Store(int32(StateOpen))
	return c
}

// SetReadFilter installs the filter that receives read data.
func (c *TCPConnection) SetReadFilter(f ReadFilter) {
	c.filter = f
	f.InitializeReadFilterCallbacks(c)
}

// Connection implements ReadFilterCallbacks.
func (c *TCPConnection) Connection() Connection { return c }

// Start notifies the read filter and launches the I/O goroutines. Dispatcher only.
func (c *TCPConnection) Start() {
	if c.filter != nil {
		c.filter.OnNewConnection()
	}
	go c.readLoop()
	go c.writeLoop()
}

func (c *TCPConnection) ID() string { return c.id }

func (c *TCPConnection) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *TCPConnection) State() ConnectionState { return ConnectionState(c.state.Load()) }

func (c *TCPConnection) Dispatcher() event.Dispatcher { return c.dispatcher }

func (c *TCPConnection) EnableHalfClose(enabled bool) { c.halfClose = enabled }

func (c *TCPConnection) AddConnectionCallbacks(cb ConnectionCallbacks) {
	c.callbacks = append(c.callbacks, cb)
}

func (c *TCPConnection) SetBufferLimits(limit uint32) {
	c.mu.Lock()
	c.highWatermark = int(limit)
	c.lowWatermark = int(limit / 2)
	c.mu.Unlock()
}

// Write implements Connection.
func (c *TCPConnection) Write(data []byte, endStream bool) {
	if c.State() != StateOpen {
		return
	}

	crossed := false
	c.mu.Lock()
	if len(data) > 0 {
		c.pending = append(c.pending, append([]byte(nil), data...))
		c.buffered += len(data)
		c.cond.Broadcast()
	}
	if !c.aboveHigh && c.highWatermark > 0 && c.buffered > c.highWatermark {
		c.aboveHigh = true
		crossed = true
	}
	c.mu.Unlock()

	if crossed {
		for _, cb := range c.snapshotCallbacks() {
			cb.OnAboveWriteBufferHighWatermark()
		}
	}
	if endStream {
		c.Close(FlushWrite)
	}
}

// Close implements Connection.
func (c *TCPConnection) Close(closeType CloseType) {
	state := c.State()
	if state == StateClosed {
		return
	}
	if closeType == NoFlush {
		c.closeSocket(LocalClose)
		return
	}
	if state == StateClosing {
		return
	}

	c.mu.Lock()
	drained := c.buffered == 0
	if !drained {
		c.flushClose = true
		c.cond.Broadcast()
	}
	c.mu.Unlock()

	if drained {
		c.closeSocket(LocalClose)
		return
	}
	c.state.Store(int32(StateClosing))
}

// ReadDisable implements Connection. Calls nest: reading resumes once every
// disable has been matched by an enable.
func (c *TCPConnection) ReadDisable(disable bool) {
	if c.State() == StateClosed {
		return
	}
	if disable {
		c.readDisableCount++
	} else {
		if c.readDisableCount == 0 {
			return
		}
		c.readDisableCount--
	}

	c.mu.Lock()
	c.readDisabled = c.readDisableCount > 0
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *TCPConnection) snapshotCallbacks() []ConnectionCallbacks {
	return append([]ConnectionCallbacks(nil), c.callbacks...)
}

func (c *TCPConnection) closeSocket(ev ConnectionEvent) {
	if c.State() == StateClosed {
		return
	}
	c.state.Store(int32(StateClosed))

	c.mu.Lock()
	c.stopped = true
	c.pending = nil
	c.buffered = 0
	c.cond.Broadcast()
	c.mu.Unlock()

	_ = c.conn.Close()
	c.log.WithField("event", ev.String()).Debug("connection closed")

	for _, cb := range c.snapshotCallbacks() {
		cb.OnEvent(ev)
	}
}

func (c *TCPConnection) readLoop() {
	buf := make([]byte, c.readBufSize)
	for {
		if !c.waitReadable() {
			return
		}
		if c.idleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.dispatcher.Post(func() { c.onRead(chunk) })
		}
		if err != nil {
			c.dispatcher.Post(func() { c.onReadError(err) })
			return
		}
	}
}

func (c *TCPConnection) waitReadable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.readDisabled && !c.stopped {
		c.cond.Wait()
	}
	return !c.stopped
}

func (c *TCPConnection) onRead(chunk []byte) {
	if c.State() != StateOpen || c.filter == nil {
		return
	}
	c.filter.OnData(chunk, false)
}

func (c *TCPConnection) onReadError(err error) {
	if c.State() == StateClosed {
		return
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		if c.halfClose && c.filter != nil {
			c.log.Trace("remote half-closed")
			if c.State() == StateOpen {
				c.filter.OnData(nil, true)
			}
			return
		}
		c.closeSocket(RemoteClose)
	case errors.As(err, &netErr) && netErr.Timeout():
		c.log.Info("idle timeout reached, closing connection")
		c.closeSocket(LocalClose)
	default:
		c.log.WithError(err).Debug("read error")
		c.closeSocket(RemoteClose)
	}
}

func (c *TCPConnection) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.pending) == 0 && !c.stopped {
			if c.flushClose {
				c.mu.Unlock()
				c.dispatcher.Post(func() { c.closeSocket(LocalClose) })
				return
			}
			c.cond.Wait()
		}
		if c.stopped {
			c.mu.Unlock()
			return
		}
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, b := range batch {
			if _, err := c.conn.Write(b); err != nil {
				c.dispatcher.Post(func() { c.onWriteError(err) })
				return
			}
			c.drained(len(b))
		}
	}
}

func (c *TCPConnection) drained(n int) {
	crossed := false
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.buffered -= n
	if c.aboveHigh && c.buffered <= c.lowWatermark {
		c.aboveHigh = false
		crossed = true
	}
	c.mu.Unlock()

	if crossed {
		c.dispatcher.Post(c.raiseBelowLowWatermark)
	}
}

func (c *TCPConnection) raiseBelowLowWatermark() {
	if c.State() == StateClosed {
		return
	}
	for _, cb := range c.snapshotCallbacks() {
		cb.OnBelowWriteBufferLowWatermark()
	}
}

func (c *TCPConnection) onWriteError(err error) {
	if c.State() == StateClosed {
		return
	}
	c.log.WithError(err).Debug("write error")
	c.closeSocket(RemoteClose)
}

package proxy

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"openfms/rpcproxy/internal/dubbo"
	"openfms/rpcproxy/internal/event"
	"openfms/rpcproxy/internal/network"
	"openfms/rpcproxy/internal/stats"
)

// fakeConnection records what the session asks of the transport. Close raises
// LocalClose synchronously, the way a NoFlush close does on a real socket.
type fakeConnection struct {
	loop      *event.Loop
	state     network.ConnectionState
	writes    [][]byte
	closes    []network.CloseType
	disables  []bool
	callbacks []network.ConnectionCallbacks
	halfClose bool
	limit     uint32
}

func (c *fakeConnection) ID() string { return "conn-test" }
func (c *fakeConnection) RemoteAddr() string { return "127.0.0.1:20880" }
func (c *fakeConnection) State() network.ConnectionState { return c.state }
func (c *fakeConnection) EnableHalfClose(enabled bool) { c.halfClose = enabled }
func (c *fakeConnection) SetBufferLimits(limit uint32) { c.limit = limit }
func (c *fakeConnection) ReadDisable(disable bool) { c.disables = append(c.disables, disable) }
func (c *fakeConnection) Dispatcher() event.Dispatcher { return c.loop }
func (c *fakeConnection) Connection() network.Connection { return c }

func (c *fakeConnection) AddConnectionCallbacks(cb network.ConnectionCallbacks) {
	c.callbacks = append(c.callbacks, cb)
}

func (c *fakeConnection) Write(data []byte, endStream bool) {
	if c.state != network.StateOpen {
		return
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	if endStream {
		c.Close(network.FlushWrite)
	}
}

func (c *fakeConnection) Close(closeType network.CloseType) {
	if c.state == network.StateClosed {
		return
	}
	c.closes = append(c.closes, closeType)
	c.state = network.StateClosed
	for _, cb := range c.callbacks {
		cb.OnEvent(network.LocalClose)
	}
}

type decodedFunc func(f *scriptedFilter, md *dubbo.MessageMetadata, ctx *dubbo.MessageContext) network.FilterStatus

// scriptedFilter runs a test-supplied function for each decoded message.
type scriptedFilter struct {
	cb        DecoderFilterCallbacks
	script    decodedFunc
	decoded   []*dubbo.MessageMetadata
	destroyed int
}

func (f *scriptedFilter) SetDecoderFilterCallbacks(cb DecoderFilterCallbacks) { f.cb = cb }

func (f *scriptedFilter) OnMessageDecoded(md *dubbo.MessageMetadata, ctx *dubbo.MessageContext) network.FilterStatus {
	f.decoded = append(f.decoded, md)
	if f.script == nil {
		return network.Continue
	}
	return f.script(f, md, ctx)
}

func (f *scriptedFilter) OnDestroy() { f.destroyed++ }

type heartbeatRecorder struct {
	conns []string
}

func (r *heartbeatRecorder) OnHeartbeat(connID string) { r.conns = append(r.conns, connID) }

type harness struct {
	t            *testing.T
	loop         *event.Loop
	conn         *fakeConnection
	cm           *ConnectionManager
	stats        *stats.Stats
	protocol     *dubbo.DubboProtocol
	deserializer *dubbo.CBORDeserializer
	heartbeats   *heartbeatRecorder

	// filters[i] holds the instances created at chain position i, one per message.
	filters [][]*scriptedFilter
}

// newHarness builds a session whose chain has one scripted filter per script.
func newHarness(t *testing.T, scripts ...decodedFunc) *harness {
	t.Helper()
	h := &harness{
		t:            t,
		loop:         event.NewLoop(),
		stats:        stats.New("test", prometheus.NewRegistry()),
		protocol:     dubbo.NewDubboProtocol(0),
		deserializer: dubbo.NewCBORDeserializer(),
		heartbeats:   &heartbeatRecorder{},
		filters:      make([][]*scriptedFilter, len(scripts)),
	}
	h.conn = &fakeConnection{loop: h.loop, state: network.StateOpen}

	chain := make(FilterChain, 0, len(scripts))
	for i, script := range scripts {
		i, script := i, script
		chain = append(chain, func(cb FilterChainFactoryCallbacks) {
			f := &scriptedFilter{script: script}
			h.filters[i] = append(h.filters[i], f)
			cb.AddDecoderFilter(f)
		})
	}

	cfg := &StaticConfig{Filters: chain, Metrics: h.stats, Limit: 4096}
	h.cm = NewConnectionManager(cfg, WithHeartbeatObserver(h.heartbeats))
	h.cm.InitializeReadFilterCallbacks(h.conn)
	return h
}

// run executes fn as one dispatcher event, so deferred deletes happen after it.
func (h *harness) run(fn func()) {
	h.loop.Post(fn)
	h.loop.RunPending()
}

func (h *harness) feed(data []byte, endStream bool) {
	h.run(func() { h.cm.OnData(data, endStream) })
}

func (h *harness) request(id int64, oneway bool) []byte {
	h.t.Helper()
	frame, err := dubbo.RequestFrame(h.protocol, h.deserializer, id, oneway,
		&dubbo.RPCInvocation{Service: "org.demo.Greeter", Method: "hello", Args: []interface{}{"world"}})
	require.NoError(h.t, err)
	return frame
}

func (h *harness) heartbeat(id int64) []byte {
	h.t.Helper()
	frame, err := dubbo.HeartbeatFrame(h.protocol, h.deserializer, id)
	require.NoError(h.t, err)
	return frame
}

// written decodes the header and result of the i-th write.
func (h *harness) written(i int) (*dubbo.MessageMetadata, *dubbo.RPCResult) {
	h.t.Helper()
	require.Greater(h.t, len(h.conn.writes), i)
	md, body, err := dubbo.ReadFrameHeader(h.protocol, h.conn.writes[i])
	require.NoError(h.t, err)
	result, err := h.deserializer.DeserializeRPCResult(body)
	require.NoError(h.t, err)
	return md, result
}

func (h *harness) chainAt(i int) []*scriptedFilter { return h.filters[i] }

func concat(frames ...[]byte) []byte {
	var out []byte
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

func count(c prometheus.Collector) float64 { return testutil.ToFloat64(c) }

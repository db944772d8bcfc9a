package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openfms/rpcproxy/internal/config"
	"openfms/rpcproxy/internal/dubbo"
	"openfms/rpcproxy/internal/filters/router"
	"openfms/rpcproxy/internal/presence"
)

// greeterUpstream answers every call with "<method> <first arg>".
type greeterUpstream struct {
	deserializer *dubbo.CBORDeserializer
	sent         chan string
}

func newGreeterUpstream() *greeterUpstream {
	return &greeterUpstream{deserializer: dubbo.NewCBORDeserializer(), sent: make(chan string, 8)}
}

func (u *greeterUpstream) Send(ctx context.Context, subject string, data []byte) error {
	u.sent <- subject
	return nil
}

func (u *greeterUpstream) Call(ctx context.Context, subject string, data []byte) (router.PendingCall, error) {
	md := dubbo.NewMessageMetadata()
	if err := u.deserializer.DeserializeRPCInvocation(data, md); err != nil {
		return nil, err
	}
	inv := md.Invocation()
	reply, err := u.deserializer.SerializeRPCResult(&dubbo.RPCResult{
		Type:  dubbo.ResponseWithValue,
		Value: inv.Method + " " + inv.Args[0].(string),
	})
	if err != nil {
		return nil, err
	}
	return readyCall(reply), nil
}

type readyCall []byte

func (c readyCall) Wait(context.Context) ([]byte, error) { return c, nil }
func (c readyCall) Cancel() {}

type syncStore struct {
	mu   sync.Mutex
	keys map[string]interface{}
}

func (s *syncStore) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = value
	return redis.NewStatusResult("OK", nil)
}

func (s *syncStore) Expire(ctx context.Context, key string, _ time.Duration) *redis.BoolCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return redis.NewBoolResult(ok, nil)
}

func (s *syncStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.keys, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (s *syncStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

type client struct {
	t            *testing.T
	conn         net.Conn
	protocol     *dubbo.DubboProtocol
	deserializer *dubbo.CBORDeserializer
}

func dial(t *testing.T, srv *TCPServer) *client {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, protocol: dubbo.NewDubboProtocol(0), deserializer: dubbo.NewCBORDeserializer()}
}

func (c *client) request(id int64, oneway bool, arg string) []byte {
	frame, err := dubbo.RequestFrame(c.protocol, c.deserializer, id, oneway,
		&dubbo.RPCInvocation{Service: "org.demo.Greeter", Method: "hello", Args: []interface{}{arg}})
	require.NoError(c.t, err)
	return frame
}

func (c *client) write(frames ...[]byte) {
	_, err := c.conn.Write(bytes.Join(frames, nil))
	require.NoError(c.t, err)
}

func (c *client) read() (*dubbo.MessageMetadata, *dubbo.RPCResult) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	header := make([]byte, dubbo.HeaderSize)
	_, err := io.ReadFull(c.conn, header)
	require.NoError(c.t, err)

	md := dubbo.NewMessageMetadata()
	n, err := c.protocol.DecodeHeader(header, md)
	require.NoError(c.t, err)
	body := make([]byte, n)
	_, err = io.ReadFull(c.conn, body)
	require.NoError(c.t, err)

	result, err := c.deserializer.DeserializeRPCResult(body)
	require.NoError(c.t, err)
	return md, result
}

func (c *client) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadAll(c.conn)
	require.NoError(c.t, err, "server closes the connection cleanly")
}

func newTestServer(t *testing.T, upstream router.Upstream, tracker *presence.Tracker) *TCPServer {
	t.Helper()
	cfg := &config.Config{Proxy: config.ProxyConfig{ListenAddr: "127.0.0.1:0"}}
	config.ApplyDefaults(cfg)
	require.NoError(t, cfg.Validate())

	srv, err := NewTCPServer(cfg, upstream, tracker, prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func TestServer_RelaysPipelinedCalls(t *testing.T) {
	srv := newTestServer(t, newGreeterUpstream(), nil)
	c := dial(t, srv)

	c.write(c.request(1, false, "alice"), c.request(2, false, "bob"))

	got := map[int64]interface{}{}
	for i := 0; i < 2; i++ {
		md, result := c.read()
		assert.Equal(t, dubbo.MessageTypeResponse, md.MessageType())
		assert.Equal(t, dubbo.ResponseStatusOk, md.ResponseStatus())
		got[md.RequestID()] = result.Value
	}
	assert.Equal(t, map[int64]interface{}{1: "hello alice", 2: "hello bob"}, got)
}

func TestServer_Heartbeat(t *testing.T) {
	srv := newTestServer(t, newGreeterUpstream(), nil)
	c := dial(t, srv)

	frame, err := dubbo.HeartbeatFrame(c.protocol, c.deserializer, 42)
	require.NoError(t, err)
	c.write(frame)

	md, _ := c.read()
	assert.Equal(t, int64(42), md.RequestID())
	assert.True(t, md.IsEvent())
	assert.Equal(t, dubbo.ResponseStatusOk, md.ResponseStatus())
}

func TestServer_OnewayThenHalfClose(t *testing.T) {
	upstream := newGreeterUpstream()
	srv := newTestServer(t, upstream, nil)
	c := dial(t, srv)

	c.write(c.request(1, true, "carol"))
	require.NoError(t, c.conn.(*net.TCPConn).CloseWrite())

	select {
	case subject := <-upstream.sent:
		assert.Equal(t, "rpc.org.demo.Greeter.hello", subject)
	case <-time.After(2 * time.Second):
		t.Fatal("oneway call never reached the upstream")
	}
	c.expectClosed()
}

func TestServer_DecodeErrorClosesConnection(t *testing.T) {
	srv := newTestServer(t, newGreeterUpstream(), nil)
	c := dial(t, srv)

	c.write(bytes.Repeat([]byte{0x00}, dubbo.HeaderSize))

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return len(srv.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_Presence(t *testing.T) {
	store := &syncStore{keys: map[string]interface{}{}}
	srv := newTestServer(t, newGreeterUpstream(), presence.NewTracker(store, "proxy-test", time.Minute))
	c := dial(t, srv)

	require.Eventually(t, func() bool { return store.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	store.mu.Lock()
	assert.Contains(t, store.keys, presence.Key(sessions[0].ConnID))
	store.mu.Unlock()

	c.conn.Close()
	assert.Eventually(t, func() bool { return store.len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StopReleasesSessionsThatMissTheDrain(t *testing.T) {
	store := &syncStore{keys: map[string]interface{}{}}
	srv := newTestServer(t, newGreeterUpstream(), presence.NewTracker(store, "proxy-test", time.Minute))
	srv.drain = 0
	c := dial(t, srv)

	require.Eventually(t, func() bool {
		return store.len() == 1 && len(srv.Sessions()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	srv.Stop()

	assert.Empty(t, srv.Sessions())
	assert.Equal(t, float64(0), testutil.ToFloat64(srv.stats.CxActive))
	assert.Eventually(t, func() bool { return store.len() == 0 }, 2*time.Second, 10*time.Millisecond)
	c.expectClosed()
}

func TestServer_RefusesConnectionsWhileStopping(t *testing.T) {
	srv := newTestServer(t, newGreeterUpstream(), nil)
	srv.Stop()

	local, remote := net.Pipe()
	defer remote.Close()
	srv.serve(local)

	assert.Empty(t, srv.Sessions())
	assert.Equal(t, float64(0), testutil.ToFloat64(srv.stats.CxTotal))
	require.NoError(t, remote.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_Admin(t *testing.T) {
	srv := newTestServer(t, newGreeterUpstream(), nil)
	handler := srv.AdminHandler()
	c := dial(t, srv)

	c.write(c.request(1, false, "dave"))
	c.read()
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	connID := srv.Sessions()[0].ConnID

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","proxy_id":"proxy-01","connections":1}`, rec.Body.String())

	rec = get("/connections")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), connID)
	assert.Contains(t, rec.Body.String(), `"state":"open"`)

	assert.Equal(t, http.StatusNotFound, get("/connections/conn-missing").Code)

	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "rpcproxy_dubbo_request_total 1"))
	assert.True(t, strings.Contains(rec.Body.String(), "rpcproxy_dubbo_cx_active 1"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/connections/"+connID, nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	c.expectClosed()
	assert.Eventually(t, func() bool { return len(srv.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBuildFilterChain(t *testing.T) {
	cfg := &config.Config{Filters: []string{"allowlist", "router"}}
	config.ApplyDefaults(cfg)

	chain, err := BuildFilterChain(cfg, newGreeterUpstream())
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	_, err = BuildFilterChain(cfg, nil)
	assert.Error(t, err)

	cfg.Filters = []string{"ratelimit"}
	_, err = BuildFilterChain(cfg, newGreeterUpstream())
	assert.Error(t, err)
}

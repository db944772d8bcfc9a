// Package server accepts downstream connections and gives each one its own
// event loop, transport and connection manager.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"openfms/rpcproxy/internal/config"
	"openfms/rpcproxy/internal/event"
	"openfms/rpcproxy/internal/filters/router"
	"openfms/rpcproxy/internal/network"
	"openfms/rpcproxy/internal/presence"
	"openfms/rpcproxy/internal/proxy"
	"openfms/rpcproxy/internal/stats"
)

const (
	presenceTimeout = 2 * time.Second
	shutdownGrace   = 5 * time.Second
	forceCloseGrace = time.Second
)

// TCPServer handles downstream RPC connections
type TCPServer struct {
	config   *config.Config
	proxy    *proxy.StaticConfig
	stats    *stats.Stats
	registry *prometheus.Registry
	presence *presence.Tracker
	listener net.Listener
	admin    *http.Server
	sessions sync.Map // map[string]*Session
	wg       sync.WaitGroup
	mu       sync.Mutex
	closing  bool
	drain    time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	log      *logrus.Entry
}

// Session is one downstream connection as seen by the server.
type Session struct {
	ConnID   string
	ClientIP string
	OpenedAt time.Time

	raw     net.Conn
	conn    *network.TCPConnection
	manager *proxy.ConnectionManager
	loop    *event.Loop
}

// ActiveMessages is the number of in-flight messages on the session.
func (s *Session) ActiveMessages() int { return s.manager.ActiveMessages() }

// State is the transport state of the session.
func (s *Session) State() network.ConnectionState { return s.conn.State() }

// NewTCPServer creates a server. tracker may be nil to disable presence.
// Metrics are registered on registry and served by the admin endpoint.
func NewTCPServer(cfg *config.Config, upstream router.Upstream, tracker *presence.Tracker, registry *prometheus.Registry) (*TCPServer, error) {
	chain, err := BuildFilterChain(cfg, upstream)
	if err != nil {
		return nil, err
	}

	st := stats.New(cfg.Metrics.Namespace, registry)
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		config: cfg,
		proxy: &proxy.StaticConfig{
			Filters:     chain,
			Metrics:     st,
			MaxBodySize: cfg.Dubbo.MaxBodySize,
			Limit:       cfg.Connection.BufferLimit,
		},
		stats:    st,
		registry: registry,
		presence: tracker,
		drain:    shutdownGrace,
		ctx:      ctx,
		cancel:   cancel,
		log:      logrus.WithField("proxy_id", cfg.Proxy.ID),
	}, nil
}

// Start starts the TCP listener and, if configured, the admin server
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", s.config.Proxy.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Proxy.ListenAddr, err)
	}
	s.listener = listener
	s.log.WithField("addr", listener.Addr().String()).Info("rpc listener started")

	if s.config.Proxy.AdminAddr != "" {
		s.startAdminServer()
	}

	go s.acceptLoop()
	return nil
}

// Addr is the bound listener address.
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and drains every session. Sessions still open
// after the drain period are closed without flushing so their messages are
// reset and their presence is released.
func (s *TCPServer) Stop() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	if s.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = s.admin.Shutdown(ctx)
		cancel()
	}

	s.closeSessions(network.FlushWrite)
	if !s.waitSessions(s.drain) {
		s.log.Warn("sessions did not drain in time, closing without flush")
		s.closeSessions(network.NoFlush)
		if !s.waitSessions(forceCloseGrace) {
			s.log.Warn("sessions did not close in time, closing sockets")
		}
	}

	s.cancel()
	s.sessions.Range(func(_, value interface{}) bool {
		value.(*Session).raw.Close()
		return true
	})
	s.wg.Wait()
}

func (s *TCPServer) closeSessions(closeType network.CloseType) {
	s.sessions.Range(func(_, value interface{}) bool {
		session := value.(*Session)
		session.loop.Post(func() { session.conn.Close(closeType) })
		return true
	})
}

// waitSessions reports whether every session loop returned within timeout.
func (s *TCPServer) waitSessions(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Sessions returns a snapshot of the live sessions.
func (s *TCPServer) Sessions() []*Session {
	var out []*Session
	s.sessions.Range(func(_, value interface{}) bool {
		out = append(out, value.(*Session))
		return true
	})
	return out
}

// Session looks up a live session.
func (s *TCPServer) Session(connID string) (*Session, bool) {
	value, ok := s.sessions.Load(connID)
	if !ok {
		return nil, false
	}
	return value.(*Session), true
}

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.WithError(err).Info("listener closed")
			return
		}
		s.serve(conn)
	}
}

func (s *TCPServer) serve(raw net.Conn) {
	connID := "conn-" + shortuuid.New()
	loop := event.NewLoop()
	conn := network.NewTCPConnection(connID, raw, loop, network.TCPOptions{
		ReadBufferSize: s.config.Connection.ReadBufferSize,
		IdleTimeout:    s.config.Connection.IdleTimeout(),
	})
	manager := proxy.NewConnectionManager(s.proxy, proxy.WithHeartbeatObserver(s))
	conn.SetReadFilter(manager)

	session := &Session{
		ConnID:   connID,
		ClientIP: raw.RemoteAddr().String(),
		OpenedAt: time.Now(),
		raw:      raw,
		conn:     conn,
		manager:  manager,
		loop:     loop,
	}
	// Registered after the manager so its reset sweep runs first on close.
	conn.AddConnectionCallbacks(&sessionCallbacks{server: s, session: session})

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		raw.Close()
		return
	}
	s.wg.Add(1)
	s.sessions.Store(connID, session)
	s.mu.Unlock()

	s.stats.CxTotal.Inc()
	s.stats.CxActive.Inc()
	s.log.WithFields(logrus.Fields{"conn_id": connID, "remote": session.ClientIP}).Info("connection accepted")

	s.withPresence(func(ctx context.Context, t *presence.Tracker) error {
		return t.Register(ctx, connID, session.ClientIP)
	})

	loop.Post(conn.Start)
	go func() {
		defer s.wg.Done()
		loop.Run(s.ctx)
	}()
}

// OnHeartbeat implements proxy.HeartbeatObserver by extending the presence lease.
func (s *TCPServer) OnHeartbeat(connID string) {
	s.withPresence(func(ctx context.Context, t *presence.Tracker) error {
		return t.Touch(ctx, connID)
	})
}

func (s *TCPServer) cleanupSession(session *Session, ev network.ConnectionEvent) {
	s.sessions.Delete(session.ConnID)
	s.stats.CxActive.Dec()
	s.log.WithFields(logrus.Fields{
		"conn_id": session.ConnID,
		"event":   ev.String(),
		"uptime":  time.Since(session.OpenedAt).Round(time.Millisecond),
	}).Info("connection closed")

	s.withPresence(func(ctx context.Context, t *presence.Tracker) error {
		return t.Unregister(ctx, session.ConnID)
	})
	session.loop.Exit()
}

// withPresence runs fn off the dispatcher with a bounded timeout.
func (s *TCPServer) withPresence(fn func(ctx context.Context, t *presence.Tracker) error) {
	if s.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := fn(ctx, s.presence); err != nil {
			s.log.WithError(err).Warn("presence update failed")
		}
	}()
}

type sessionCallbacks struct {
	server  *TCPServer
	session *Session
}

func (c *sessionCallbacks) OnEvent(ev network.ConnectionEvent) {
	c.server.cleanupSession(c.session, ev)
}

func (c *sessionCallbacks) OnAboveWriteBufferHighWatermark() {}

func (c *sessionCallbacks) OnBelowWriteBufferLowWatermark() {}

package server

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openfms/rpcproxy/internal/network"
)

type sessionView struct {
	ConnID         string    `json:"conn_id"`
	ClientIP       string    `json:"client_ip"`
	State          string    `json:"state"`
	ActiveMessages int       `json:"active_messages"`
	OpenedAt       time.Time `json:"opened_at"`
}

func viewOf(s *Session) sessionView {
	return sessionView{
		ConnID:         s.ConnID,
		ClientIP:       s.ClientIP,
		State:          s.State().String(),
		ActiveMessages: s.ActiveMessages(),
		OpenedAt:       s.OpenedAt,
	}
}

// AdminHandler serves health, connection listing and metrics.
func (s *TCPServer) AdminHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/connections", s.handleConnections)
	r.GET("/connections/:id", s.handleConnection)
	r.DELETE("/connections/:id", s.handleCloseConnection)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	return r
}

func (s *TCPServer) startAdminServer() {
	s.admin = &http.Server{
		Addr:    s.config.Proxy.AdminAddr,
		Handler: s.AdminHandler(),
	}
	s.log.WithField("addr", s.config.Proxy.AdminAddr).Info("admin server listening")

	go func() {
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("admin server error")
		}
	}()
}

func (s *TCPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"proxy_id":    s.config.Proxy.ID,
		"connections": len(s.Sessions()),
	})
}

func (s *TCPServer) handleConnections(c *gin.Context) {
	sessions := s.Sessions()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].OpenedAt.Before(sessions[j].OpenedAt)
	})

	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, viewOf(session))
	}
	c.JSON(http.StatusOK, views)
}

func (s *TCPServer) handleConnection(c *gin.Context) {
	session, ok := s.Session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	c.JSON(http.StatusOK, viewOf(session))
}

// handleCloseConnection drains a connection: pending replies are flushed first.
func (s *TCPServer) handleCloseConnection(c *gin.Context) {
	session, ok := s.Session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	session.loop.Post(func() { session.conn.Close(network.FlushWrite) })
	c.JSON(http.StatusAccepted, gin.H{"status": "closing"})
}

// Package proxy implements the per-connection session of the dubbo proxy: it
// feeds read bytes to the decoder, tracks every in-flight message and tears
// them down when the connection goes away.
package proxy

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"openfms/rpcproxy/internal/dubbo"
	"openfms/rpcproxy/internal/network"
	"openfms/rpcproxy/internal/stats"
)

// HeartbeatObserver is told about every keepalive answered on a connection.
type HeartbeatObserver interface {
	OnHeartbeat(connID string)
}

// Option configures a ConnectionManager.
type Option func(*ConnectionManager)

// WithHeartbeatObserver registers o for keepalive notifications.
func WithHeartbeatObserver(o HeartbeatObserver) Option {
	return func(cm *ConnectionManager) { cm.heartbeats = o }
}

// ConnectionManager is the read filter that owns one downstream session.
// All methods run on the connection's dispatcher.
type ConnectionManager struct {
	config       Config
	stats        *stats.Stats
	protocol     dubbo.Protocol
	deserializer dubbo.Deserializer
	decoder      *dubbo.Decoder
	heartbeats   HeartbeatObserver

	readCallbacks network.ReadFilterCallbacks
	requestBuffer bytes.Buffer
	messages      *messageRegistry

	stopped    bool
	halfClosed bool

	log *logrus.Entry
}

// NewConnectionManager creates a session for one connection.
func NewConnectionManager(config Config, opts ...Option) *ConnectionManager {
	cm := &ConnectionManager{
		config:       config,
		stats:        config.Stats(),
		protocol:     config.CreateProtocol(),
		deserializer: config.CreateDeserializer(),
		messages:     newMessageRegistry(),
		log:          logrus.WithField("component", "dubbo_proxy"),
	}
	for _, opt := range opts {
		opt(cm)
	}
	cm.decoder = dubbo.NewDecoder(cm.protocol, cm.deserializer, cm)
	return cm
}

func (cm *ConnectionManager) connection() network.Connection {
	return cm.readCallbacks.Connection()
}

// ActiveMessages is the number of messages currently linked. Safe from any goroutine.
func (cm *ConnectionManager) ActiveMessages() int {
	return int(cm.messages.live.Load())
}

// OnNewConnection implements network.ReadFilter.
func (cm *ConnectionManager) OnNewConnection() network.FilterStatus {
	return network.Continue
}

// InitializeReadFilterCallbacks implements network.ReadFilter.
func (cm *ConnectionManager) InitializeReadFilterCallbacks(cb network.ReadFilterCallbacks) {
	cm.readCallbacks = cb
	conn := cb.Connection()
	conn.AddConnectionCallbacks(cm)
	conn.EnableHalfClose(true)
	conn.SetBufferLimits(cm.config.BufferLimit())
	cm.log = cm.log.WithFields(logrus.Fields{
		"conn_id":       conn.ID(),
		"remote":        conn.RemoteAddr(),
		"protocol":      cm.protocol.Name(),
		"serialization": cm.deserializer.Name(),
	})
}

// OnData implements network.ReadFilter. The session always consumes the whole
// chunk, so it returns StopIteration.
func (cm *ConnectionManager) OnData(data []byte, endStream bool) network.FilterStatus {
	cm.requestBuffer.Write(data)
	cm.dispatch()

	if endStream {
		cm.log.WithField("active", cm.messages.size()).Debug("dubbo: downstream half-closed")

		if cm.stopped {
			if front := cm.messages.front(); front != nil && front.metadata != nil &&
				front.metadata.MessageType() == dubbo.MessageTypeOneway {
				cm.log.Debug("dubbo: waiting for oneway request to finish before closing")
				cm.halfClosed = true
				return network.StopIteration
			}
		}

		cm.ResetAllMessages(false)
		cm.connection().Close(network.FlushWrite)
	}
	return network.StopIteration
}

func (cm *ConnectionManager) dispatch() {
	if cm.requestBuffer.Len() == 0 {
		cm.log.Trace("dubbo: request buffer is empty")
		return
	}
	if cm.stopped {
		cm.log.Trace("dubbo: decoding is paused")
		return
	}

	for cm.connection().State() == network.StateOpen {
		status, err := cm.decoder.OnData(&cm.requestBuffer)
		if err != nil {
			if dubbo.IsDecodeError(err) {
				cm.log.WithError(err).Warn("dubbo: closing connection on decode error")
				cm.stats.RequestDecodingError.Inc()
			} else {
				cm.log.WithError(err).Error("dubbo: closing connection on unexpected decoder failure")
			}
			cm.connection().Close(network.NoFlush)
			cm.requestBuffer.Reset()
			cm.ResetAllMessages(true)
			return
		}

		switch status {
		case dubbo.DecodePause:
			cm.stopped = true
			return
		case dubbo.DecodeUnderflow:
			return
		}
	}
}

// ContinueDecoding resumes a paused session and honors a pending half-close
// once nothing is holding decoding back.
func (cm *ConnectionManager) ContinueDecoding() {
	cm.log.WithField("buffered", cm.requestBuffer.Len()).Trace("dubbo: continue decoding")
	cm.stopped = false
	cm.dispatch()

	if !cm.stopped && cm.halfClosed {
		cm.log.Debug("dubbo: closing half-closed connection")
		cm.ResetAllMessages(false)
		cm.connection().Close(network.FlushWrite)
	}
}

// NewDecoderEventHandler implements dubbo.DecoderCallbacks. It is the only
// place ActiveMessages are created.
func (cm *ConnectionManager) NewDecoderEventHandler() dubbo.DecoderEventHandler {
	m := newActiveMessage(cm)
	m.createFilterChain()
	cm.messages.insert(m)
	return m
}

// OnHeartbeat implements dubbo.DecoderCallbacks. The keepalive is answered
// in place and never becomes an ActiveMessage.
func (cm *ConnectionManager) OnHeartbeat(md *dubbo.MessageMetadata) {
	cm.stats.RequestEvent.Inc()

	conn := cm.connection()
	if conn.State() != network.StateOpen {
		cm.log.Debug("dubbo: dropping heartbeat on closed connection")
		return
	}

	md.SetResponseStatus(dubbo.ResponseStatusOk)
	md.SetMessageType(dubbo.MessageTypeResponse)
	md.SetEventFlag(true)

	var buf bytes.Buffer
	if err := (dubbo.HeartbeatResponse{}).Encode(md, cm.protocol, cm.deserializer, &buf); err != nil {
		cm.log.WithError(err).Error("dubbo: cannot encode heartbeat reply")
		return
	}
	conn.Write(buf.Bytes(), false)

	if cm.heartbeats != nil {
		cm.heartbeats.OnHeartbeat(conn.ID())
	}
}

// SendLocalReply encodes response for md and writes it downstream.
func (cm *ConnectionManager) SendLocalReply(md *dubbo.MessageMetadata, response dubbo.DirectResponse, endStream bool) {
	conn := cm.connection()
	if conn.State() != network.StateOpen {
		return
	}

	var buf bytes.Buffer
	result, err := response.Encode(md, cm.protocol, cm.deserializer, &buf)
	if err != nil {
		cm.log.WithError(err).Error("dubbo: cannot encode local reply")
		cm.stats.LocalResponseError.Inc()
		if endStream {
			conn.Close(network.FlushWrite)
		}
		return
	}
	conn.Write(buf.Bytes(), endStream)

	switch result {
	case dubbo.SuccessReply:
		cm.stats.LocalResponseSuccess.Inc()
	case dubbo.ErrorReply:
		cm.stats.LocalResponseError.Inc()
	case dubbo.Exception:
		cm.stats.LocalResponseBusinessException.Inc()
	default:
		panic(fmt.Sprintf("dubbo: unexpected local reply outcome %v", result))
	}
}

// DeferredMessage unlinks m now and destroys it once the current event has
// returned. Messages that are no longer linked are ignored.
func (cm *ConnectionManager) DeferredMessage(m *ActiveMessage) {
	if !cm.messages.remove(m) {
		return
	}
	cm.connection().Dispatcher().DeferredDelete(m)
}

// ResetAllMessages resets messages oldest first until none is left.
// localReset only selects the counter.
func (cm *ConnectionManager) ResetAllMessages(localReset bool) {
	if !cm.messages.empty() {
		cm.log.WithFields(logrus.Fields{
			"active": cm.messages.size(),
			"local":  localReset,
		}).Debug("dubbo: resetting active messages")
	}

	for !cm.messages.empty() {
		if localReset {
			cm.stats.CxDestroyLocalWithActiveRq.Inc()
		} else {
			cm.stats.CxDestroyRemoteWithActiveRq.Inc()
		}

		front := cm.messages.front()
		front.OnReset()
		// OnReset is expected to unlink front; make sure the sweep advances.
		if front.inserted {
			cm.DeferredMessage(front)
		}
	}
}

// OnEvent implements network.ConnectionCallbacks.
func (cm *ConnectionManager) OnEvent(ev network.ConnectionEvent) {
	cm.log.WithField("event", ev.String()).Debug("dubbo: connection event")
	cm.ResetAllMessages(ev == network.LocalClose)
}

// OnAboveWriteBufferHighWatermark implements network.ConnectionCallbacks.
func (cm *ConnectionManager) OnAboveWriteBufferHighWatermark() {
	cm.stats.FlowControlPausedReading.Inc()
	cm.connection().ReadDisable(true)
}

// OnBelowWriteBufferLowWatermark implements network.ConnectionCallbacks.
func (cm *ConnectionManager) OnBelowWriteBufferLowWatermark() {
	cm.stats.FlowControlResumedReading.Inc()
	cm.connection().ReadDisable(false)
}

package proxy

import (
	"bytes"
	"time"

	"github.com/sirupsen/logrus"

	"openfms/rpcproxy/internal/dubbo"
	"openfms/rpcproxy/internal/event"
	"openfms/rpcproxy/internal/network"
)

// ActiveMessage is one in-flight exchange on a connection. The registry owns
// it; parent is a non-owning back-reference used to request removal.
type ActiveMessage struct {
	parent   *ConnectionManager
	handle   uint64
	inserted bool

	metadata *dubbo.MessageMetadata
	context  *dubbo.MessageContext
	filters  []*activeDecoderFilter

	counted           bool
	localResponseSent bool
	createdAt         time.Time
	log               *logrus.Entry
}

func newActiveMessage(parent *ConnectionManager) *ActiveMessage {
	return &ActiveMessage{
		parent:    parent,
		createdAt: time.Now(),
		log:       parent.log,
	}
}

func (m *ActiveMessage) createFilterChain() {
	m.parent.config.FilterFactory().CreateFilterChain(m)
}

// AddDecoderFilter implements FilterChainFactoryCallbacks.
func (m *ActiveMessage) AddDecoderFilter(filter DecoderFilter) {
	wrapper := &activeDecoderFilter{parent: m, filter: filter, index: len(m.filters)}
	filter.SetDecoderFilterCallbacks(wrapper)
	m.filters = append(m.filters, wrapper)
}

// OnMessageBegin implements dubbo.DecoderEventHandler.
func (m *ActiveMessage) OnMessageBegin(md *dubbo.MessageMetadata) network.FilterStatus {
	m.metadata = md
	m.log = m.log.WithFields(logrus.Fields{
		"stream_id":  m.handle,
		"request_id": md.RequestID(),
	})

	st := m.parent.stats
	st.Request.Inc()
	switch md.MessageType() {
	case dubbo.MessageTypeRequest:
		st.RequestTwoWay.Inc()
	case dubbo.MessageTypeOneway:
		st.RequestOneway.Inc()
	}
	st.RequestActive.Inc()
	m.counted = true
	return network.Continue
}

// OnMessageDecoded implements dubbo.DecoderEventHandler.
func (m *ActiveMessage) OnMessageDecoded(md *dubbo.MessageMetadata, ctx *dubbo.MessageContext) network.FilterStatus {
	m.metadata = md
	m.context = ctx
	m.parent.stats.RequestDecodingSuccess.Inc()
	return m.applyDecoderFilters(0)
}

// applyDecoderFilters runs the chain from filter index start. Iteration ends
// early once the message has been answered or removed.
func (m *ActiveMessage) applyDecoderFilters(start int) network.FilterStatus {
	if m.localResponseSent || !m.inserted {
		return network.Continue
	}
	for i := start; i < len(m.filters); i++ {
		status := m.filters[i].filter.OnMessageDecoded(m.metadata, m.context)
		if m.localResponseSent || !m.inserted {
			break
		}
		if status == network.StopIteration {
			return network.StopIteration
		}
	}
	return network.Continue
}

// OnReset is the reset notification delivered by the connection's sweep.
func (m *ActiveMessage) OnReset() {
	m.log.Debug("dubbo: message reset")
	m.parent.DeferredMessage(m)
}

// Destroy implements event.DeferredDeletable.
func (m *ActiveMessage) Destroy() {
	for _, f := range m.filters {
		f.filter.OnDestroy()
	}
	if m.counted {
		m.parent.stats.RequestActive.Dec()
		m.counted = false
	}
}

func (m *ActiveMessage) finish() {
	m.parent.DeferredMessage(m)
}

func (m *ActiveMessage) sendLocalReply(response dubbo.DirectResponse, endStream bool) {
	m.parent.SendLocalReply(m.metadata, response, endStream)
	m.localResponseSent = true
	m.finish()
}

func (m *ActiveMessage) upstreamResponse(body []byte) {
	cm := m.parent
	st := cm.stats
	conn := cm.connection()
	if conn.State() != network.StateOpen {
		m.finish()
		return
	}

	result, err := cm.deserializer.DeserializeRPCResult(body)
	if err != nil {
		st.ResponseError.Inc()
		m.log.WithError(err).Warn("dubbo: undecodable upstream response")
		m.sendLocalReply(dubbo.NewAppException(dubbo.ResponseStatusBadResponse, "invalid upstream response"), false)
		return
	}

	m.metadata.SetMessageType(dubbo.MessageTypeResponse)
	m.metadata.SetResponseStatus(dubbo.ResponseStatusOk)
	m.metadata.SetEventFlag(false)

	var buf bytes.Buffer
	if err := cm.protocol.Encode(&buf, m.metadata, body); err != nil {
		st.ResponseError.Inc()
		m.log.WithError(err).Warn("dubbo: cannot encode upstream response")
		m.sendLocalReply(dubbo.NewAppException(dubbo.ResponseStatusBadResponse, "%v", err), false)
		return
	}
	conn.Write(buf.Bytes(), false)

	st.Response.Inc()
	if result.HasException() {
		st.ResponseBusinessException.Inc()
	} else {
		st.ResponseSuccess.Inc()
	}
	m.log.WithField("latency", time.Since(m.createdAt)).Trace("dubbo: response relayed")
	m.finish()
}

// activeDecoderFilter binds a filter to its position in the message's chain.
type activeDecoderFilter struct {
	parent *ActiveMessage
	filter DecoderFilter
	index  int
}

func (f *activeDecoderFilter) StreamID() uint64 { return f.parent.handle }

func (f *activeDecoderFilter) Connection() network.Connection { return f.parent.parent.connection() }

func (f *activeDecoderFilter) Dispatcher() event.Dispatcher {
	return f.parent.parent.connection().Dispatcher()
}

func (f *activeDecoderFilter) Metadata() *dubbo.MessageMetadata { return f.parent.metadata }

func (f *activeDecoderFilter) ContinueDecoding() {
	if f.parent.applyDecoderFilters(f.index+1) == network.Continue {
		f.parent.parent.ContinueDecoding()
	}
}

func (f *activeDecoderFilter) SendLocalReply(response dubbo.DirectResponse, endStream bool) {
	f.parent.sendLocalReply(response, endStream)
}

func (f *activeDecoderFilter) UpstreamResponse(body []byte) {
	f.parent.upstreamResponse(body)
}

func (f *activeDecoderFilter) Finish() {
	f.parent.finish()
}

func (f *activeDecoderFilter) ResetStream() {
	f.parent.log.Debug("dubbo: stream reset by filter")
	f.parent.finish()
}

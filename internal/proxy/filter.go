package proxy

import (
	"openfms/rpcproxy/internal/dubbo"
	"openfms/rpcproxy/internal/event"
	"openfms/rpcproxy/internal/network"
)

// DecoderFilterCallbacks is how a filter talks back to the message it serves.
// Every method must be called on the connection's dispatcher.
type DecoderFilterCallbacks interface {
	// StreamID is the registry handle of the message, unique per connection.
	StreamID() uint64
	Connection() network.Connection
	Dispatcher() event.Dispatcher
	Metadata() *dubbo.MessageMetadata
	// ContinueDecoding resumes the filter chain after this filter and, once the
	// chain has run to the end, resumes the connection's decoding.
	ContinueDecoding()
	// SendLocalReply answers the message without an upstream and completes it.
	SendLocalReply(response dubbo.DirectResponse, endStream bool)
	// UpstreamResponse relays an upstream payload as the message's response and completes it.
	UpstreamResponse(body []byte)
	// Finish completes a message that needs no response.
	Finish()
	// ResetStream abandons the message.
	ResetStream()
}

// DecoderFilter processes one decoded message. Returning StopIteration
// pauses both the chain and the connection's decoding until ContinueDecoding.
type DecoderFilter interface {
	SetDecoderFilterCallbacks(cb DecoderFilterCallbacks)
	OnMessageDecoded(md *dubbo.MessageMetadata, ctx *dubbo.MessageContext) network.FilterStatus
	// OnDestroy is called once the message has been removed and its turn is over.
	OnDestroy()
}

// FilterChainFactoryCallbacks receives the filters of a new message.
type FilterChainFactoryCallbacks interface {
	AddDecoderFilter(filter DecoderFilter)
}

// FilterFactory adds one configured filter to a message's chain.
type FilterFactory func(cb FilterChainFactoryCallbacks)

// FilterChainFactory builds the fixed per-message pipeline.
type FilterChainFactory interface {
	CreateFilterChain(cb FilterChainFactoryCallbacks)
}

// FilterChain is a FilterChainFactory applying factories in order.
type FilterChain []FilterFactory

func (c FilterChain) CreateFilterChain(cb FilterChainFactoryCallbacks) {
	for _, factory := range c {
		factory(cb)
	}
}

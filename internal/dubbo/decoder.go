package dubbo

import (
	"bytes"
	"fmt"

	"openfms/rpcproxy/internal/network"
)

// DecodeStatus is the outcome of one Decoder.OnData call.
type DecodeStatus int

const (
	// DecodeComplete means one message was decoded and handed to its handler.
	DecodeComplete DecodeStatus = iota
	// DecodeUnderflow means more bytes are needed.
	DecodeUnderflow
	// DecodePause means a handler asked to stop pulling input.
	DecodePause
)

func (s DecodeStatus) String() string {
	switch s {
	case DecodeComplete:
		return "complete"
	case DecodeUnderflow:
		return "underflow"
	case DecodePause:
		return "pause"
	default:
		return fmt.Sprintf("DecodeStatus(%d)", int(s))
	}
}

// DecoderEventHandler receives the events of one message.
type DecoderEventHandler interface {
	// OnMessageBegin is called once the header has been parsed.
	OnMessageBegin(md *MessageMetadata) network.FilterStatus
	// OnMessageDecoded is called once the whole frame is available.
	OnMessageDecoded(md *MessageMetadata, ctx *MessageContext) network.FilterStatus
}

// DecoderCallbacks is implemented by the owner of the decoder.
type DecoderCallbacks interface {
	// NewDecoderEventHandler is called when a new message head is recognized.
	NewDecoderEventHandler() DecoderEventHandler
	// OnHeartbeat is called for event-flagged requests; no handler is created for them.
	OnHeartbeat(md *MessageMetadata)
}

type decoderState int

const (
	stateWaitHeader decoderState = iota
	stateMessageBegin
	stateWaitBody
)

// Decoder incrementally decodes frames from a growing buffer. The buffer is
// only consumed once a whole frame is available, so a partial frame stays in
// place between calls.
type Decoder struct {
	protocol     Protocol
	deserializer Deserializer
	callbacks    DecoderCallbacks

	state    decoderState
	metadata *MessageMetadata
	bodySize int
	handler  DecoderEventHandler
}

// NewDecoder creates a decoder reporting to callbacks.
func NewDecoder(protocol Protocol, deserializer Deserializer, callbacks DecoderCallbacks) *Decoder {
	return &Decoder{
		protocol:     protocol,
		deserializer: deserializer,
		callbacks:    callbacks,
	}
}

// OnData tries to decode the next message from buf. A non-nil error is always
// a *DecodeError and leaves the decoder unusable.
func (d *Decoder) OnData(buf *bytes.Buffer) (DecodeStatus, error) {
	if d.state == stateWaitHeader {
		if buf.Len() < HeaderSize {
			return DecodeUnderflow, nil
		}

		md := NewMessageMetadata()
		bodySize, err := d.protocol.DecodeHeader(buf.Bytes()[:HeaderSize], md)
		if err != nil {
			return 0, &DecodeError{Err: err}
		}
		if !md.IsEvent() && md.SerializationType() != d.deserializer.Type() {
			return 0, &DecodeError{Err: fmt.Errorf("%w: got %s, want %s",
				ErrUnsupportedSerialization, md.SerializationType(), d.deserializer.Type())}
		}

		d.metadata = md
		d.bodySize = bodySize
		if md.IsEvent() {
			d.state = stateWaitBody
		} else {
			d.handler = d.callbacks.NewDecoderEventHandler()
			d.state = stateMessageBegin
		}
	}

	if d.state == stateMessageBegin {
		d.state = stateWaitBody
		if d.handler.OnMessageBegin(d.metadata) == network.StopIteration {
			return DecodePause, nil
		}
	}

	frameSize := HeaderSize + d.bodySize
	if buf.Len() < frameSize {
		return DecodeUnderflow, nil
	}

	frame := make([]byte, frameSize)
	copy(frame, buf.Next(frameSize))

	md, handler := d.metadata, d.handler
	d.reset()

	if md.IsEvent() {
		if md.MessageType() == MessageTypeRequest || md.MessageType() == MessageTypeOneway {
			d.callbacks.OnHeartbeat(md)
		}
		return DecodeComplete, nil
	}

	ctx := &MessageContext{Frame: frame, Body: frame[HeaderSize:]}
	if md.IsRequest() {
		if err := d.deserializer.DeserializeRPCInvocation(ctx.Body, md); err != nil {
			return 0, &DecodeError{Err: err}
		}
	}

	if handler.OnMessageDecoded(md, ctx) == network.StopIteration {
		return DecodePause, nil
	}
	return DecodeComplete, nil
}

func (d *Decoder) reset() {
	d.state = stateWaitHeader
	d.metadata = nil
	d.bodySize = 0
	d.handler = nil
}

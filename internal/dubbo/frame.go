package dubbo

import "bytes"

// RequestFrame encodes a complete request frame, as a downstream client would send it.
func RequestFrame(p Protocol, d Deserializer, id int64, oneway bool, inv *RPCInvocation) ([]byte, error) {
	body, err := d.SerializeRPCInvocation(inv)
	if err != nil {
		return nil, err
	}

	md := NewMessageMetadata()
	if err := md.SetRequestID(id); err != nil {
		return nil, err
	}
	if oneway {
		md.SetMessageType(MessageTypeOneway)
	} else {
		md.SetMessageType(MessageTypeRequest)
	}
	md.SetSerializationType(d.Type())

	var buf bytes.Buffer
	if err := p.Encode(&buf, md, body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HeartbeatFrame encodes an event-flagged keepalive request with an empty body.
func HeartbeatFrame(p Protocol, d Deserializer, id int64) ([]byte, error) {
	md := NewMessageMetadata()
	if err := md.SetRequestID(id); err != nil {
		return nil, err
	}
	md.SetMessageType(MessageTypeRequest)
	md.SetEventFlag(true)
	md.SetSerializationType(d.Type())

	var buf bytes.Buffer
	if err := p.Encode(&buf, md, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadFrameHeader decodes the header at the start of frame.
func ReadFrameHeader(p Protocol, frame []byte) (*MessageMetadata, []byte, error) {
	md := NewMessageMetadata()
	n, err := p.DecodeHeader(frame, md)
	if err != nil {
		return nil, nil, err
	}
	if len(frame) < HeaderSize+n {
		return nil, nil, ErrInvalidPayload
	}
	return md, frame[HeaderSize : HeaderSize+n], nil
}

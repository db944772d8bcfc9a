package dubbo

import (
	"bytes"
	"errors"
	"fmt"
)

// ResponseType is the outcome reported by a DirectResponse.
type ResponseType int

const (
	SuccessReply ResponseType = iota
	ErrorReply
	Exception
)

func (t ResponseType) String() string {
	switch t {
	case SuccessReply:
		return "success"
	case ErrorReply:
		return "error"
	case Exception:
		return "exception"
	default:
		return fmt.Sprintf("ResponseType(%d)", int(t))
	}
}

// DirectResponse is a reply produced by the proxy itself rather than by an upstream.
type DirectResponse interface {
	// Encode rewrites md into a response envelope and writes the frame into buf.
	Encode(md *MessageMetadata, protocol Protocol, deserializer Deserializer, buf *bytes.Buffer) (ResponseType, error)
}

// AppException replies with a non-Ok status; the message text travels as the exception.
type AppException struct {
	Status  ResponseStatus
	Message string
}

// NewAppException builds an error reply.
func NewAppException(status ResponseStatus, format string, args ...interface{}) *AppException {
	return &AppException{Status: status, Message: fmt.Sprintf(format, args...)}
}

func (e *AppException) Error() string {
	return fmt.Sprintf("dubbo: status %d: %s", e.Status, e.Message)
}

func (e *AppException) Encode(md *MessageMetadata, protocol Protocol, deserializer Deserializer, buf *bytes.Buffer) (ResponseType, error) {
	if e.Status == ResponseStatusOk {
		return 0, errors.New("dubbo: app exception requires a non-ok status")
	}
	md.SetResponseStatus(e.Status)
	md.SetMessageType(MessageTypeException)

	body, err := deserializer.SerializeRPCResult(&RPCResult{Type: ResponseWithException, Exception: e.Message})
	if err != nil {
		return 0, err
	}
	if err := protocol.Encode(buf, md, body); err != nil {
		return 0, err
	}
	return ErrorReply, nil
}

// BizException replies Ok with a business exception in the result.
type BizException struct {
	Message string
}

func (e *BizException) Encode(md *MessageMetadata, protocol Protocol, deserializer Deserializer, buf *bytes.Buffer) (ResponseType, error) {
	md.SetResponseStatus(ResponseStatusOk)
	md.SetMessageType(MessageTypeResponse)

	body, err := deserializer.SerializeRPCResult(&RPCResult{Type: ResponseWithException, Exception: e.Message})
	if err != nil {
		return 0, err
	}
	if err := protocol.Encode(buf, md, body); err != nil {
		return 0, err
	}
	return Exception, nil
}

// SuccessResponse replies Ok with a value.
type SuccessResponse struct {
	Value interface{}
}

func (r *SuccessResponse) Encode(md *MessageMetadata, protocol Protocol, deserializer Deserializer, buf *bytes.Buffer) (ResponseType, error) {
	md.SetResponseStatus(ResponseStatusOk)
	md.SetMessageType(MessageTypeResponse)

	result := &RPCResult{Type: ResponseWithValue, Value: r.Value}
	if r.Value == nil {
		result.Type = ResponseWithNullValue
	}
	body, err := deserializer.SerializeRPCResult(result)
	if err != nil {
		return 0, err
	}
	if err := protocol.Encode(buf, md, body); err != nil {
		return 0, err
	}
	return SuccessReply, nil
}

// HeartbeatResponse encodes the reply to a keepalive. md must already be an
// Ok, event-flagged Response; its serialization id is echoed unchanged.
type HeartbeatResponse struct{}

func (HeartbeatResponse) Encode(md *MessageMetadata, protocol Protocol, deserializer Deserializer, buf *bytes.Buffer) error {
	if md.MessageType() != MessageTypeResponse || !md.IsEvent() || md.ResponseStatus() != ResponseStatusOk {
		return fmt.Errorf("dubbo: heartbeat reply needs an ok event response, got %s event=%t status=%d",
			md.MessageType(), md.IsEvent(), md.ResponseStatus())
	}
	body, err := deserializer.SerializeRPCResult(&RPCResult{Type: ResponseWithNullValue})
	if err != nil {
		return err
	}
	return protocol.Encode(buf, md, body)
}

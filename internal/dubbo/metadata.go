package dubbo

import (
	"errors"
	"fmt"
)

// MessageType classifies one RPC unit.
type MessageType uint8

const (
	MessageTypeRequest MessageType = iota
	MessageTypeResponse
	MessageTypeOneway
	MessageTypeException
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "Request"
	case MessageTypeResponse:
		return "Response"
	case MessageTypeOneway:
		return "Oneway"
	case MessageTypeException:
		return "Exception"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// ResponseStatus is the status byte of a response header.
type ResponseStatus uint8

const (
	ResponseStatusOk                             ResponseStatus = 20
	ResponseStatusClientTimeout                  ResponseStatus = 30
	ResponseStatusServerTimeout                  ResponseStatus = 31
	ResponseStatusBadRequest                     ResponseStatus = 40
	ResponseStatusBadResponse                    ResponseStatus = 50
	ResponseStatusServiceNotFound                ResponseStatus = 60
	ResponseStatusServiceError                   ResponseStatus = 70
	ResponseStatusServerError                    ResponseStatus = 80
	ResponseStatusClientError                    ResponseStatus = 90
	ResponseStatusServerThreadpoolExhaustedError ResponseStatus = 100
)

// Valid reports whether s is one of the defined statuses.
func (s ResponseStatus) Valid() bool {
	switch s {
	case ResponseStatusOk, ResponseStatusClientTimeout, ResponseStatusServerTimeout,
		ResponseStatusBadRequest, ResponseStatusBadResponse, ResponseStatusServiceNotFound,
		ResponseStatusServiceError, ResponseStatusServerError, ResponseStatusClientError,
		ResponseStatusServerThreadpoolExhaustedError:
		return true
	}
	return false
}

// ErrRequestIDFinalized is returned when the correlation id is changed after
// the message kind has been set.
var ErrRequestIDFinalized = errors.New("dubbo: request id is final once the message type is set")

// MessageMetadata is the decoded envelope of one RPC unit. It is shared by
// the decoder, the active message, its filters and the heartbeat path; all of
// them run on the same dispatcher.
type MessageMetadata struct {
	messageType    MessageType
	typeSet        bool
	requestID      int64
	responseStatus ResponseStatus
	hasStatus      bool
	isEvent        bool
	serialization  SerializationType
	bodySize       int
	invocation     *RPCInvocation
}

// NewMessageMetadata returns empty metadata.
func NewMessageMetadata() *MessageMetadata {
	return &MessageMetadata{}
}

func (m *MessageMetadata) MessageType() MessageType { return m.messageType }

// HasMessageType reports whether the kind has been decided.
func (m *MessageMetadata) HasMessageType() bool { return m.typeSet }

func (m *MessageMetadata) SetMessageType(t MessageType) {
	m.messageType = t
	m.typeSet = true
}

func (m *MessageMetadata) RequestID() int64 { return m.requestID }

// SetRequestID sets the correlation id. It fails once the message type is set.
func (m *MessageMetadata) SetRequestID(id int64) error {
	if m.typeSet {
		return ErrRequestIDFinalized
	}
	m.requestID = id
	return nil
}

func (m *MessageMetadata) ResponseStatus() ResponseStatus { return m.responseStatus }

func (m *MessageMetadata) HasResponseStatus() bool { return m.hasStatus }

func (m *MessageMetadata) SetResponseStatus(s ResponseStatus) {
	m.responseStatus = s
	m.hasStatus = true
}

func (m *MessageMetadata) IsEvent() bool { return m.isEvent }

func (m *MessageMetadata) SetEventFlag(event bool) { m.isEvent = event }

func (m *MessageMetadata) SerializationType() SerializationType { return m.serialization }

func (m *MessageMetadata) SetSerializationType(t SerializationType) { m.serialization = t }

// BodySize is the payload length announced by the header.
func (m *MessageMetadata) BodySize() int { return m.bodySize }

func (m *MessageMetadata) SetBodySize(n int) { m.bodySize = n }

// Invocation is set for requests once the payload has been deserialized.
func (m *MessageMetadata) Invocation() *RPCInvocation { return m.invocation }

func (m *MessageMetadata) SetInvocation(inv *RPCInvocation) { m.invocation = inv }

// IsRequest reports whether the message expects to be handled as an inbound call.
func (m *MessageMetadata) IsRequest() bool {
	return m.messageType == MessageTypeRequest || m.messageType == MessageTypeOneway
}

// MessageContext carries the raw bytes of a fully decoded message.
type MessageContext struct {
	// Frame is the complete frame as received, header included.
	Frame []byte
	// Body is the payload slice of Frame.
	Body []byte
}

package dubbo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed length of a frame header.
	HeaderSize = 16
	// MagicNumber opens every frame.
	MagicNumber uint16 = 0xdabb

	// DefaultMaxBodySize bounds the body length field.
	DefaultMaxBodySize = 8 * 1024 * 1024

	flagRequest       byte = 0x80
	flagTwoWay        byte = 0x40
	flagEvent         byte = 0x20
	serializationMask byte = 0x1f
)

// Decode errors. Every one of them is fatal to the connection.
var (
	ErrInvalidMagic             = errors.New("dubbo: invalid magic number")
	ErrUnsupportedSerialization = errors.New("dubbo: unsupported serialization type")
	ErrBodyTooLarge             = errors.New("dubbo: body length exceeds limit")
	ErrInvalidResponseStatus    = errors.New("dubbo: invalid response status")
	ErrInvalidPayload           = errors.New("dubbo: invalid payload")
	ErrInvalidMessageType       = errors.New("dubbo: invalid message type")
)

// DecodeError wraps any failure to interpret the inbound byte stream.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode error: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err came from the decoder.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Protocol reads and writes frame headers.
type Protocol interface {
	Name() string
	// DecodeHeader parses exactly HeaderSize bytes into md and returns the body length.
	DecodeHeader(header []byte, md *MessageMetadata) (int, error)
	// Encode writes a header describing md followed by body.
	Encode(buf *bytes.Buffer, md *MessageMetadata, body []byte) error
}

// DubboProtocol implements Protocol for the 16 byte dubbo header:
// magic(2) flag(1) status(1) request id(8) body length(4), big endian.
type DubboProtocol struct {
	maxBodySize int
}

// NewDubboProtocol creates the protocol. maxBodySize <= 0 selects the default.
func NewDubboProtocol(maxBodySize int) *DubboProtocol {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	return &DubboProtocol{maxBodySize: maxBodySize}
}

// Name returns protocol identifier
func (p *DubboProtocol) Name() string {
	return "dubbo"
}

// DecodeHeader implements Protocol.
func (p *DubboProtocol) DecodeHeader(header []byte, md *MessageMetadata) (int, error) {
	if len(header) < HeaderSize {
		return 0, fmt.Errorf("%w: short header (%d bytes)", ErrInvalidPayload, len(header))
	}
	if magic := binary.BigEndian.Uint16(header[0:2]); magic != MagicNumber {
		return 0, fmt.Errorf("%w: 0x%04x", ErrInvalidMagic, magic)
	}

	flag := header[2]
	status := ResponseStatus(header[3])
	requestID := int64(binary.BigEndian.Uint64(header[4:12]))
	bodySize := binary.BigEndian.Uint32(header[12:16])

	if int64(bodySize) > int64(p.maxBodySize) {
		return 0, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, bodySize, p.maxBodySize)
	}

	serialization := SerializationType(flag & serializationMask)
	if !serialization.Known() {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedSerialization, serialization)
	}

	if err := md.SetRequestID(requestID); err != nil {
		return 0, err
	}
	md.SetSerializationType(serialization)
	md.SetEventFlag(flag&flagEvent != 0)
	md.SetBodySize(int(bodySize))

	if flag&flagRequest != 0 {
		if flag&flagTwoWay != 0 {
			md.SetMessageType(MessageTypeRequest)
		} else {
			md.SetMessageType(MessageTypeOneway)
		}
		return int(bodySize), nil
	}

	if !status.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidResponseStatus, status)
	}
	md.SetResponseStatus(status)
	if status == ResponseStatusOk {
		md.SetMessageType(MessageTypeResponse)
	} else {
		md.SetMessageType(MessageTypeException)
	}
	return int(bodySize), nil
}

// Encode implements Protocol.
func (p *DubboProtocol) Encode(buf *bytes.Buffer, md *MessageMetadata, body []byte) error {
	if len(body) > p.maxBodySize {
		return fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, len(body), p.maxBodySize)
	}

	if !md.HasMessageType() {
		return fmt.Errorf("%w: message type not set", ErrInvalidMessageType)
	}

	flag := byte(md.SerializationType()) & serializationMask
	var status byte
	switch md.MessageType() {
	case MessageTypeRequest:
		flag |= flagRequest | flagTwoWay
	case MessageTypeOneway:
		flag |= flagRequest
	case MessageTypeResponse, MessageTypeException:
		if !md.HasResponseStatus() {
			return fmt.Errorf("%w: response without status", ErrInvalidResponseStatus)
		}
		status = byte(md.ResponseStatus())
	default:
		return fmt.Errorf("%w: cannot encode %s", ErrInvalidMessageType, md.MessageType())
	}
	if md.IsEvent() {
		flag |= flagEvent
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint16(header[0:2], MagicNumber)
	header[2] = flag
	header[3] = status
	binary.BigEndian.PutUint64(header[4:12], uint64(md.RequestID()))
	binary.BigEndian.PutUint32(header[12:16], uint32(len(body)))

	buf.Write(header[:])
	buf.Write(body)
	return nil
}

package network

import "openfms/rpcproxy/internal/event"

// ConnectionState is the life-cycle state of a downstream connection.
type ConnectionState int32

const (
	StateOpen ConnectionState = iota
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseType selects whether buffered writes are flushed before the socket closes.
type CloseType int

const (
	FlushWrite CloseType = iota
	NoFlush
)

// ConnectionEvent is raised to ConnectionCallbacks when the socket goes away.
type ConnectionEvent int

const (
	RemoteClose ConnectionEvent = iota
	LocalClose
)

func (e ConnectionEvent) String() string {
	if e == LocalClose {
		return "local_close"
	}
	return "remote_close"
}

// FilterStatus tells the caller whether iteration should continue.
type FilterStatus int

const (
	Continue FilterStatus = iota
	StopIteration
)

// ConnectionCallbacks receive connection events and write buffer watermark
// crossings. Always invoked on the connection's dispatcher.
type ConnectionCallbacks interface {
	OnEvent(event ConnectionEvent)
	OnAboveWriteBufferHighWatermark()
	OnBelowWriteBufferLowWatermark()
}

// Connection is a downstream byte stream as seen by read filters.
type Connection interface {
	ID() string
	RemoteAddr() string
	State() ConnectionState
	// Write queues data; order across calls is preserved. When endStream is
	// set the connection closes once the data has been flushed.
	Write(data []byte, endStream bool)
	Close(closeType CloseType)
	// ReadDisable stops (true) or resumes (false) reading from the socket.
	ReadDisable(disable bool)
	EnableHalfClose(enabled bool)
	// SetBufferLimits sets the write buffer high watermark; the low watermark is half of it.
	SetBufferLimits(limit uint32)
	AddConnectionCallbacks(cb ConnectionCallbacks)
	Dispatcher() event.Dispatcher
}

// ReadFilterCallbacks is handed to a ReadFilter when it is installed.
type ReadFilterCallbacks interface {
	Connection() Connection
}

// ReadFilter consumes bytes read from a connection.
type ReadFilter interface {
	OnNewConnection() FilterStatus
	OnData(data []byte, endStream bool) FilterStatus
	InitializeReadFilterCallbacks(cb ReadFilterCallbacks)
}

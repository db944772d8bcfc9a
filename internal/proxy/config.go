package proxy

import (
	"openfms/rpcproxy/internal/dubbo"
	"openfms/rpcproxy/internal/stats"
)

// DefaultBufferLimit is the write buffer high watermark used when none is configured.
const DefaultBufferLimit uint32 = 1024 * 1024

// Config is what a ConnectionManager reads from its configuration.
type Config interface {
	FilterFactory() FilterChainFactory
	Stats() *stats.Stats
	CreateProtocol() dubbo.Protocol
	CreateDeserializer() dubbo.Deserializer
	// BufferLimit is the write buffer high watermark; the low watermark is half of it.
	BufferLimit() uint32
}

// StaticConfig is a Config built once at startup and shared by every connection.
type StaticConfig struct {
	Filters     FilterChain
	Metrics     *stats.Stats
	MaxBodySize int
	Limit       uint32
}

func (c *StaticConfig) FilterFactory() FilterChainFactory { return c.Filters }

func (c *StaticConfig) Stats() *stats.Stats { return c.Metrics }

func (c *StaticConfig) CreateProtocol() dubbo.Protocol {
	return dubbo.NewDubboProtocol(c.MaxBodySize)
}

func (c *StaticConfig) CreateDeserializer() dubbo.Deserializer {
	return dubbo.NewCBORDeserializer()
}

func (c *StaticConfig) BufferLimit() uint32 {
	if c.Limit == 0 {
		return DefaultBufferLimit
	}
	return c.Limit
}

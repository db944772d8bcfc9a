// Package allowlist rejects calls to services the proxy does not expose.
package allowlist

import (
	"github.com/sirupsen/logrus"

	"openfms/rpcproxy/internal/dubbo"
	"openfms/rpcproxy/internal/network"
	"openfms/rpcproxy/internal/proxy"
)

// Name is the filter name used in configuration.
const Name = "allowlist"

// Config lists the exposed services. An empty list exposes everything.
type Config struct {
	Services []string
}

// NewFactory returns the filter factory for cfg.
func NewFactory(cfg Config) proxy.FilterFactory {
	allowed := make(map[string]struct{}, len(cfg.Services))
	for _, s := range cfg.Services {
		allowed[s] = struct{}{}
	}
	return func(cb proxy.FilterChainFactoryCallbacks) {
		cb.AddDecoderFilter(&Filter{allowed: allowed})
	}
}

// Filter answers calls to unknown services with ServiceNotFound.
type Filter struct {
	allowed map[string]struct{}
	cb      proxy.DecoderFilterCallbacks
}

func (f *Filter) SetDecoderFilterCallbacks(cb proxy.DecoderFilterCallbacks) { f.cb = cb }

func (f *Filter) OnMessageDecoded(md *dubbo.MessageMetadata, _ *dubbo.MessageContext) network.FilterStatus {
	inv := md.Invocation()
	if len(f.allowed) == 0 || inv == nil {
		return network.Continue
	}
	if _, ok := f.allowed[inv.Service]; ok {
		return network.Continue
	}

	logrus.WithFields(logrus.Fields{
		"conn_id":    f.cb.Connection().ID(),
		"stream_id":  f.cb.StreamID(),
		"request_id": md.RequestID(),
		"service":    inv.Service,
	}).Info("allowlist: service not exposed")

	if md.MessageType() == dubbo.MessageTypeOneway {
		f.cb.ResetStream()
		return network.Continue
	}
	f.cb.SendLocalReply(dubbo.NewAppException(dubbo.ResponseStatusServiceNotFound,
		"service %s is not exposed", inv.Service), false)
	return network.Continue
}

func (f *Filter) OnDestroy() {}

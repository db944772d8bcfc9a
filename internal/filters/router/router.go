// Package router is the terminal filter of the chain. It forwards every
// request to an Upstream and relays the reply downstream.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"openfms/rpcproxy/internal/dubbo"
	"openfms/rpcproxy/internal/network"
	"openfms/rpcproxy/internal/proxy"
)

// Name is the filter name used in configuration.
const Name = "router"

const defaultTimeout = 3 * time.Second

// Config configures the router.
type Config struct {
	// SubjectPrefix is prepended to "<service>.<method>".
	SubjectPrefix string
	// Timeout bounds publishing and, for two-way calls, waiting for the reply.
	Timeout time.Duration
}

// NewFactory returns the filter factory adding a router bound to upstream.
func NewFactory(cfg Config, upstream Upstream) proxy.FilterFactory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return func(cb proxy.FilterChainFactoryCallbacks) {
		cb.AddDecoderFilter(&Filter{cfg: cfg, upstream: upstream})
	}
}

// Filter forwards one message. Upstream I/O runs on its own goroutine and
// every result is posted back to the connection's dispatcher.
type Filter struct {
	cfg      Config
	upstream Upstream
	cb       proxy.DecoderFilterCallbacks

	cancel    context.CancelFunc
	resumed   bool
	destroyed bool
	log       *logrus.Entry
}

func (f *Filter) SetDecoderFilterCallbacks(cb proxy.DecoderFilterCallbacks) {
	f.cb = cb
}

func (f *Filter) OnMessageDecoded(md *dubbo.MessageMetadata, msg *dubbo.MessageContext) network.FilterStatus {
	inv := md.Invocation()
	if !md.IsRequest() || inv == nil {
		f.cb.SendLocalReply(dubbo.NewAppException(dubbo.ResponseStatusBadRequest,
			"unexpected %s message", md.MessageType()), false)
		return network.Continue
	}

	f.log = logrus.WithFields(logrus.Fields{
		"conn_id":    f.cb.Connection().ID(),
		"stream_id":  f.cb.StreamID(),
		"request_id": md.RequestID(),
	})

	subject, err := f.cfg.Subject(inv)
	if err != nil {
		f.log.WithError(err).Warn("router: rejecting call")
		if md.MessageType() == dubbo.MessageTypeOneway {
			f.cb.ResetStream()
			return network.Continue
		}
		f.cb.SendLocalReply(dubbo.NewAppException(dubbo.ResponseStatusBadRequest,
			"invalid service or method name"), false)
		return network.Continue
	}

	f.log = f.log.WithField("subject", subject)

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	f.cancel = cancel

	if md.MessageType() == dubbo.MessageTypeOneway {
		go f.send(ctx, subject, msg.Body)
	} else {
		go f.call(ctx, subject, msg.Body)
	}
	// Decoding stays paused until the call has been published.
	return network.StopIteration
}

func (f *Filter) OnDestroy() {
	f.destroyed = true
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Filter) send(ctx context.Context, subject string, body []byte) {
	err := f.upstream.Send(ctx, subject, body)
	f.cb.Dispatcher().Post(func() {
		if f.destroyed {
			return
		}
		if err != nil {
			f.log.WithError(err).Warn("router: oneway call dropped")
		}
		f.cb.Finish()
		f.resume()
	})
}

func (f *Filter) call(ctx context.Context, subject string, body []byte) {
	dispatcher := f.cb.Dispatcher()

	pending, err := f.upstream.Call(ctx, subject, body)
	if err != nil {
		dispatcher.Post(func() { f.fail(err) })
		return
	}
	defer pending.Cancel()

	dispatcher.Post(func() {
		if !f.destroyed {
			f.resume()
		}
	})

	reply, err := pending.Wait(ctx)
	dispatcher.Post(func() {
		if err != nil {
			f.fail(err)
			return
		}
		if f.destroyed {
			return
		}
		f.cb.UpstreamResponse(reply)
	})
}

// fail answers the message with the status matching err. Dispatcher only.
func (f *Filter) fail(err error) {
	if f.destroyed {
		return
	}
	status := StatusFor(err)
	f.log.WithError(err).WithField("status", status).Warn("router: upstream call failed")
	f.cb.SendLocalReply(dubbo.NewAppException(status, "%v", err), false)
	f.resume()
}

func (f *Filter) resume() {
	if f.resumed {
		return
	}
	f.resumed = true
	f.cb.ContinueDecoding()
}

// StatusFor maps an upstream error to the response status sent downstream.
func StatusFor(err error) dubbo.ResponseStatus {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return dubbo.ResponseStatusServerTimeout
	case errors.Is(err, ErrNoResponders):
		return dubbo.ResponseStatusServiceNotFound
	default:
		return dubbo.ResponseStatusServiceError
	}
}

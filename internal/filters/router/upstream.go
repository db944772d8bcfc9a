package router

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// ErrNoResponders means nobody is subscribed to the subject of a call.
var ErrNoResponders = nats.ErrNoResponders

// Upstream carries calls to the services behind the proxy.
type Upstream interface {
	// Send publishes a oneway call and returns once it has left the process.
	Send(ctx context.Context, subject string, data []byte) error
	// Call publishes a two-way call. The reply is collected with PendingCall.Wait.
	Call(ctx context.Context, subject string, data []byte) (PendingCall, error)
}

// PendingCall is a published call awaiting its reply.
type PendingCall interface {
	Wait(ctx context.Context) ([]byte, error)
	Cancel()
}

// NATSUpstream implements Upstream with NATS request/reply.
type NATSUpstream struct {
	nc *nats.Conn
}

func NewNATSUpstream(nc *nats.Conn) *NATSUpstream {
	return &NATSUpstream{nc: nc}
}

func (u *NATSUpstream) Send(ctx context.Context, subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if err := u.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return u.nc.FlushWithContext(ctx)
}

func (u *NATSUpstream) Call(ctx context.Context, subject string, data []byte) (PendingCall, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	inbox := nats.NewInbox()
	sub, err := u.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", inbox, err)
	}
	if err := sub.AutoUnsubscribe(1); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	if err := u.nc.PublishRequest(subject, inbox, data); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("publish %s: %w", subject, err)
	}
	if err := u.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return &natsCall{sub: sub}, nil
}

type natsCall struct {
	sub *nats.Subscription
}

func (c *natsCall) Wait(ctx context.Context) ([]byte, error) {
	msg, err := c.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	// The server answers a request nobody listens to with an empty 503 status message.
	if len(msg.Data) == 0 && msg.Header.Get("Status") == "503" {
		return nil, ErrNoResponders
	}
	return msg.Data, nil
}

func (c *natsCall) Cancel() {
	// Already gone once the reply has been delivered.
	_ = c.sub.Unsubscribe()
}

// Package transport delivers serialized messages to a DC and returns the raw reply.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds one round trip when the caller sets none.
const DefaultTimeout = 15 * time.Second

// Client: Send blocks until the DC answers or fails; Close drops cached connections.
type Client interface {
	Send(ctx context.Context, dc int, payload []byte) ([]byte, error)
	Close() error
}

// Options for New.
type Options struct {
	Addrs       map[int]string
	Timeout     time.Duration
	InsecureTLS bool
}

// New builds a client by kind: "quic" (default), "http", "ws".
func New(kind string, opts Options) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "quic":
		tlsConfig := DefaultQUICClientTLS()
		tlsConfig.InsecureSkipVerify = opts.InsecureTLS
		return NewQUIC(opts.Addrs, tlsConfig, opts.Timeout), nil
	case "http":
		return NewHTTP(opts.Addrs, opts.Timeout), nil
	case "ws", "websocket":
		return NewWS(opts.Addrs, opts.Timeout), nil
	}
	return nil, fmt.Errorf("transport: unknown kind %q", kind)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func copyAddrs(addrs map[int]string) map[int]string {
	out := make(map[int]string, len(addrs))
	for k, v := range addrs {
		out[k] = v
	}
	return out
}

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"dev.c0redev.mtsession/internal/proto"
)

// ALPN protocol id for DC traffic over QUIC.
const ALPN = "mts/1"

var quicConfig = &quic.Config{
	MaxIdleTimeout:  30 * time.Second,
	KeepAlivePeriod: 10 * time.Second,
}

// DefaultQUICClientTLS TLS for QUIC client (ALPN mts/1, TLS 1.3).
func DefaultQUICClientTLS() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{ALPN},
	}
}

// ListenAddr QUIC listen on addr; tlsConfig with Certificates.
func ListenAddr(addr string, tlsConfig *tls.Config) (*quic.Listener, error) {
	if tlsConfig == nil {
		return nil, errors.New("transport: quic listener needs tls config")
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPN}
	}
	return quic.ListenAddr(addr, tlsConfig, quicConfig)
}

// QUIC: one connection per DC, one stream per request (request frame out, response frame back).
type QUIC struct {
	addrs   map[int]string
	tls     *tls.Config
	timeout time.Duration

	mu     sync.Mutex
	conns  map[int]*quic.Conn
	nextID atomic.Uint32
}

// NewQUIC client; nil tlsConfig = DefaultQUICClientTLS.
func NewQUIC(addrs map[int]string, tlsConfig *tls.Config, timeout time.Duration) *QUIC {
	if tlsConfig == nil {
		tlsConfig = DefaultQUICClientTLS()
	}
	return &QUIC{addrs: copyAddrs(addrs), tls: tlsConfig, timeout: timeout, conns: make(map[int]*quic.Conn)}
}

// Send one request on a fresh stream; waits for its response frame.
func (q *QUIC) Send(ctx context.Context, dc int, payload []byte) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, q.timeout)
	defer cancel()

	conn, err := q.conn(ctx, dc)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		q.drop(dc, conn)
		return nil, classify(dc, CodeClosed, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}
	// unblock reads on cancellation
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(0)
		stream.CancelWrite(0)
	})
	defer stop()

	id := q.nextID.Add(1)
	if err := proto.EncodeFrame(stream, &proto.Frame{Type: proto.TypeRequest, StreamID: id, Payload: payload}); err != nil {
		return nil, q.streamErr(ctx, dc, err)
	}
	_ = stream.Close()
	f, err := proto.DecodeFrame(stream, nil)
	if err != nil {
		return nil, q.streamErr(ctx, dc, err)
	}
	return frameResult(dc, id, f)
}

func (q *QUIC) streamErr(ctx context.Context, dc int, err error) error {
	if ctx.Err() != nil {
		return classify(dc, CodeTimeout, ctx.Err())
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Code: CodeFraming, DC: dc, Msg: "stream closed before response", Err: err}
	}
	return classify(dc, CodeClosed, err)
}

func (q *QUIC) conn(ctx context.Context, dc int) (*quic.Conn, error) {
	addr, ok := q.addrs[dc]
	if !ok {
		return nil, unknownDC(dc)
	}
	q.mu.Lock()
	c := q.conns[dc]
	q.mu.Unlock()
	if c != nil && c.Context().Err() == nil {
		return c, nil
	}
	c, err := quic.DialAddr(ctx, addr, q.tls, quicConfig)
	if err != nil {
		return nil, classify(dc, CodeDial, err)
	}
	q.mu.Lock()
	if old := q.conns[dc]; old != nil && old != c {
		_ = old.CloseWithError(0, "")
	}
	q.conns[dc] = c
	q.mu.Unlock()
	return c, nil
}

func (q *QUIC) drop(dc int, c *quic.Conn) {
	q.mu.Lock()
	if q.conns[dc] == c {
		delete(q.conns, dc)
	}
	q.mu.Unlock()
	_ = c.CloseWithError(0, "")
}

// Close closes all DC connections.
func (q *QUIC) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for dc, c := range q.conns {
		_ = c.CloseWithError(0, "")
		delete(q.conns, dc)
	}
	return nil
}

// frameResult unwraps a response frame for request id.
func frameResult(dc int, id uint32, f *proto.Frame) ([]byte, error) {
	switch f.Type {
	case proto.TypeResponse:
		if f.StreamID != id {
			return nil, &Error{Code: CodeFraming, DC: dc, Msg: fmt.Sprintf("response for %d, want %d", f.StreamID, id)}
		}
		return f.Payload, nil
	case proto.TypeError:
		status, msg, err := proto.DecodeErrorPayload(f.Payload)
		if err != nil {
			return nil, &Error{Code: CodeFraming, DC: dc, Msg: "bad error frame", Err: err}
		}
		return nil, &Error{Code: CodeStatus, DC: dc, Status: status, Msg: msg}
	}
	return nil, &Error{Code: CodeFraming, DC: dc, Msg: fmt.Sprintf("unexpected frame type 0x%02x", byte(f.Type))}
}

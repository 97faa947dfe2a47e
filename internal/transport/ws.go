package transport

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dev.c0redev.mtsession/internal/proto"
)

// WSPath DC endpoint for WebSocket transport.
const WSPath = "/ws"

// WS: one socket per DC; each binary message carries one proto frame. Requests
// on the same DC are serialized.
type WS struct {
	addrs   map[int]string
	dialer  *websocket.Dialer
	timeout time.Duration

	mu     sync.Mutex
	conns  map[int]*wsConn
	nextID atomic.Uint32
}

type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

// NewWS client for addrs (host:port or ws:// URL).
func NewWS(addrs map[int]string, timeout time.Duration) *WS {
	return &WS{
		addrs:   copyAddrs(addrs),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		timeout: timeout,
		conns:   make(map[int]*wsConn),
	}
}

func (w *WS) url(dc int) (string, error) {
	addr, ok := w.addrs[dc]
	if !ok {
		return "", unknownDC(dc)
	}
	switch {
	case strings.HasPrefix(addr, "http://"):
		addr = "ws://" + strings.TrimPrefix(addr, "http://")
	case strings.HasPrefix(addr, "https://"):
		addr = "wss://" + strings.TrimPrefix(addr, "https://")
	case !strings.Contains(addr, "://"):
		addr = "ws://" + addr
	}
	return strings.TrimRight(addr, "/") + WSPath, nil
}

func (w *WS) conn(ctx context.Context, dc int) (*wsConn, error) {
	w.mu.Lock()
	c := w.conns[dc]
	w.mu.Unlock()
	if c != nil {
		return c, nil
	}
	u, err := w.url(dc)
	if err != nil {
		return nil, err
	}
	ws, _, err := w.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, classify(dc, CodeDial, err)
	}
	c = &wsConn{c: ws}
	w.mu.Lock()
	if existing := w.conns[dc]; existing != nil {
		w.mu.Unlock()
		_ = ws.Close()
		return existing, nil
	}
	w.conns[dc] = c
	w.mu.Unlock()
	return c, nil
}

func (w *WS) drop(dc int, c *wsConn) {
	w.mu.Lock()
	if w.conns[dc] == c {
		delete(w.conns, dc)
	}
	w.mu.Unlock()
	_ = c.c.Close()
}

// Send writes a request frame and reads the matching response frame.
func (w *WS) Send(ctx context.Context, dc int, payload []byte) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, w.timeout)
	defer cancel()
	c, err := w.conn(ctx, dc)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dl, _ := ctx.Deadline()
	_ = c.c.SetWriteDeadline(dl)
	_ = c.c.SetReadDeadline(dl)
	stop := context.AfterFunc(ctx, func() {
		_ = c.c.SetReadDeadline(time.Now())
	})
	defer stop()

	id := w.nextID.Add(1)
	var buf bytes.Buffer
	if err := proto.EncodeFrame(&buf, &proto.Frame{Type: proto.TypeRequest, StreamID: id, Payload: payload}); err != nil {
		return nil, &Error{Code: CodeFraming, DC: dc, Msg: err.Error(), Err: err}
	}
	if err := c.c.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		w.drop(dc, c)
		return nil, classify(dc, CodeClosed, err)
	}
	mt, msg, err := c.c.ReadMessage()
	if err != nil {
		w.drop(dc, c)
		if ctx.Err() != nil {
			return nil, classify(dc, CodeTimeout, ctx.Err())
		}
		return nil, classify(dc, CodeClosed, err)
	}
	if mt != websocket.BinaryMessage {
		w.drop(dc, c)
		return nil, &Error{Code: CodeFraming, DC: dc, Msg: "non-binary message"}
	}
	f, err := proto.DecodeFrame(bytes.NewReader(msg), nil)
	if err != nil {
		w.drop(dc, c)
		return nil, &Error{Code: CodeFraming, DC: dc, Msg: err.Error(), Err: err}
	}
	return frameResult(dc, id, f)
}

// Close closes all sockets.
func (w *WS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dc, c := range w.conns {
		_ = c.c.Close()
		delete(w.conns, dc)
	}
	return nil
}

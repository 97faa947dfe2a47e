package dcsim

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"

	"dev.c0redev.mtsession/internal/proto"
	"dev.c0redev.mtsession/internal/transport"
)

const maxBody = proto.MaxPayloadSize

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return http.StatusInternalServerError
}

// HTTPHandler serves POST /api and the /ws upgrade for this DC.
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(transport.APIPath, s.handleAPI)
	mux.HandleFunc(transport.WSPath, s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleAPI POST /api: body in, reply out.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	out, err := s.Handle(r.Context(), body)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// handleWS: one request frame per binary message, answered in order.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()
	c.SetReadLimit(maxBody + proto.FrameHeaderSize)
	for {
		mt, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		resp := s.serveFrame(r.Context(), bytes.NewReader(msg))
		var buf bytes.Buffer
		if err := proto.EncodeFrame(&buf, resp); err != nil {
			return
		}
		_ = c.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
			return
		}
	}
}

// serveFrame decodes one request frame and returns the response or error frame.
func (s *Server) serveFrame(ctx context.Context, r io.Reader) *proto.Frame {
	f, err := proto.DecodeFrame(r, nil)
	if err != nil {
		return &proto.Frame{Type: proto.TypeError, Payload: proto.EncodeErrorPayload(http.StatusBadRequest, err.Error())}
	}
	switch f.Type {
	case proto.TypePing:
		return &proto.Frame{Type: proto.TypePong, StreamID: f.StreamID}
	case proto.TypeRequest:
	default:
		return &proto.Frame{Type: proto.TypeError, StreamID: f.StreamID, Payload: proto.EncodeErrorPayload(http.StatusBadRequest, "unexpected frame")}
	}
	out, err := s.Handle(ctx, f.Payload)
	if err != nil {
		return &proto.Frame{Type: proto.TypeError, StreamID: f.StreamID, Payload: proto.EncodeErrorPayload(statusOf(err), err.Error())}
	}
	return &proto.Frame{Type: proto.TypeResponse, StreamID: f.StreamID, Payload: out}
}

// ServeQUIC accepts connections on ln until ctx is done; one request per stream.
func (s *Server) ServeQUIC(ctx context.Context, ln *quic.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveQUICConn(ctx, conn)
	}
}

func (s *Server) serveQUICConn(ctx context.Context, conn *quic.Conn) {
	defer conn.CloseWithError(0, "")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func() {
			defer stream.Close()
			_ = stream.SetDeadline(time.Now().Add(30 * time.Second))
			resp := s.serveFrame(ctx, stream)
			if err := proto.EncodeFrame(stream, resp); err != nil {
				s.log.Debug().Err(err).Msg("quic.write")
			}
		}()
	}
}

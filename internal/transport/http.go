package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"dev.c0redev.mtsession/internal/proto"
)

// APIPath DC endpoint for HTTP transport.
const APIPath = "/api"

// HTTPClient returns http.Client with MTS_HTTP_PROXY if set.
func HTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{}
	if s := os.Getenv("MTS_HTTP_PROXY"); s != "" {
		if u, err := url.Parse(s); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// HTTP: POST payload to http://addr/api, body is the reply.
type HTTP struct {
	addrs   map[int]string
	client  *http.Client
	timeout time.Duration
}

// NewHTTP client for addrs (host:port or full URL).
func NewHTTP(addrs map[int]string, timeout time.Duration) *HTTP {
	return &HTTP{addrs: copyAddrs(addrs), client: HTTPClient(timeout), timeout: timeout}
}

func (h *HTTP) endpoint(dc int) (string, error) {
	addr, ok := h.addrs[dc]
	if !ok {
		return "", unknownDC(dc)
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + APIPath, nil
}

// Send POSTs payload; non-200 -> CodeStatus.
func (h *HTTP) Send(ctx context.Context, dc int, payload []byte) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, h.timeout)
	defer cancel()
	u, err := h.endpoint(dc)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, classify(dc, CodeDial, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classify(dc, CodeDial, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, proto.MaxPayloadSize+1))
	if err != nil {
		return nil, classify(dc, CodeFraming, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Code: CodeStatus, DC: dc, Status: resp.StatusCode, Msg: strings.TrimSpace(string(body))}
	}
	if len(body) > proto.MaxPayloadSize {
		return nil, &Error{Code: CodeFraming, DC: dc, Msg: "response too large"}
	}
	return body, nil
}

// Close drops idle connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

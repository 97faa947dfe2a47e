package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dev.c0redev.mtsession/internal/crypto"
	"dev.c0redev.mtsession/internal/proto"
	"dev.c0redev.mtsession/internal/store"
)

// fakeTransport records target DCs; payload is echoed back.
type fakeTransport struct {
	mu  sync.Mutex
	dcs []int
	err error
}

func (t *fakeTransport) Send(_ context.Context, dc int, payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dcs = append(t.dcs, dc)
	if t.err != nil {
		return nil, t.err
	}
	return payload, nil
}

func (t *fakeTransport) sent() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.dcs...)
}

// sent is one Serialize call.
type sent struct {
	env proto.Envelope
	m   proto.Method
}

// scriptCodec records envelopes and answers from a queue, falling back to
// defaultReply.
type scriptCodec struct {
	mu      sync.Mutex
	log     []sent
	byID    map[int64]proto.Method
	queue   []proto.Reply
	nearest int
	initBad bool
	serErr  error
	deErr   error
	panics  bool
}

func newScriptCodec() *scriptCodec {
	return &scriptCodec{byID: make(map[int64]proto.Method)}
}

func (c *scriptCodec) Serialize(env proto.Envelope, m proto.Method) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panics {
		panic("codec exploded")
	}
	if c.serErr != nil {
		return nil, c.serErr
	}
	c.log = append(c.log, sent{env: env, m: m})
	c.byID[env.MessageID] = m
	return []byte(m.Name), nil
}

func (c *scriptCodec) Deserialize(env proto.Envelope, _ []byte) (proto.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deErr != nil {
		return proto.Reply{}, c.deErr
	}
	m := c.byID[env.MessageID]
	if m.Name != proto.MethodInitConnection && len(c.queue) > 0 {
		r := c.queue[0]
		c.queue = c.queue[1:]
		return r, nil
	}
	return c.defaultReply(m), nil
}

func (c *scriptCodec) defaultReply(m proto.Method) proto.Reply {
	if m.Name == proto.MethodInitConnection {
		typ := m.Type
		if c.initBad {
			typ = "Unexpected"
		}
		return proto.Reply{Type: typ, Predicate: proto.PredicateNearestDC, Params: proto.Params{"nearest_dc": int64(c.nearest)}}
	}
	return proto.Reply{Type: m.Type, Predicate: "ok", Params: proto.Params{"method": m.Name}}
}

func (c *scriptCodec) push(r ...proto.Reply) {
	c.mu.Lock()
	c.queue = append(c.queue, r...)
	c.mu.Unlock()
}

func (c *scriptCodec) sentFor(name string) []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sent
	for _, s := range c.log {
		if s.m.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func (c *scriptCodec) all() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.log...)
}

// fakeHS issues deterministic credentials per DC.
type fakeHS struct {
	mu    sync.Mutex
	calls map[int]int
	fail  map[int]error
	gate  chan struct{}
	total atomic.Int32
}

func newFakeHS() *fakeHS {
	return &fakeHS{calls: make(map[int]int), fail: make(map[int]error)}
}

func (h *fakeHS) Authenticate(ctx context.Context, dc int) (store.Credentials, error) {
	h.total.Add(1)
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return store.Credentials{}, ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[dc]++
	if err := h.fail[dc]; err != nil {
		return store.Credentials{}, err
	}
	return testCredentials(dc), nil
}

func (h *fakeHS) count(dc int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[dc]
}

func testCredentials(dc int) store.Credentials {
	key := bytes.Repeat([]byte{byte(dc)}, crypto.AuthKeySize)
	return store.Credentials{
		AuthKey:    key,
		AuthKeyID:  crypto.AuthKeyID(key),
		ServerSalt: int64(1000 + dc),
		ServerTime: time.Unix(1700000000, 0),
		SyncedAt:   time.Unix(1700000000, 0),
	}
}

var errBoom = errors.New("boom")

type harness struct {
	e     *Engine
	db    *store.DB
	tr    *fakeTransport
	codec *scriptCodec
	hs    *fakeHS
}

func newHarness(t *testing.T, mod ...func(*Options)) *harness {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	h := &harness{db: db, tr: &fakeTransport{}, codec: newScriptCodec(), hs: newFakeHS()}
	nop := zerolog.Nop()
	opts := Options{Store: db, Transport: h.tr, Codec: h.codec, Handshaker: h.hs, Logger: &nop}
	for _, f := range mod {
		f(&opts)
	}
	h.e, err = New(opts)
	require.NoError(t, err)
	return h
}

func method(name string) proto.Method {
	return proto.Method{Name: name, Type: "Result", Params: proto.Params{"q": int64(1)}}
}

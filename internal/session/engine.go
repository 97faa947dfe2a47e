// Package session is the client session engine: it keeps per-DC credentials
// and the current DC in a KV store, builds plain and encrypted envelopes, and
// dispatches calls with one-shot recovery from server negative acks.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"dev.c0redev.mtsession/internal/metrics"
	"dev.c0redev.mtsession/internal/msgid"
	"dev.c0redev.mtsession/internal/proto"
	"dev.c0redev.mtsession/internal/store"
)

// DC id range.
const (
	MinDC     = 1
	MaxDC     = 5
	DefaultDC = MinDC
)

// KV: staged key/value store; Set/Delete are durable after Save.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Has(key string) (bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Save() error
	Clear() error
}

// Transport sends one serialized message to dc and returns the raw reply.
type Transport interface {
	Send(ctx context.Context, dc int, payload []byte) ([]byte, error)
}

// Codec turns (envelope, method) into bytes and a reply back into a Reply.
type Codec interface {
	Serialize(env proto.Envelope, m proto.Method) ([]byte, error)
	Deserialize(env proto.Envelope, b []byte) (proto.Reply, error)
}

// Handshaker runs the key exchange with dc.
type Handshaker interface {
	Authenticate(ctx context.Context, dc int) (store.Credentials, error)
}

// State of the engine lifecycle.
type State int

const (
	StateCold State = iota
	StateReady
	StateAPIInitialized
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateAPIInitialized:
		return "api_initialized"
	}
	return "cold"
}

// Options wires an Engine. Store, Transport and Handshaker are required.
type Options struct {
	Store      KV
	Transport  Transport
	Handshaker Handshaker
	Codec      Codec            // nil: proto.Codec{}
	IDs        *msgid.Authority // nil: wall clock, parity seq
	Logger     *zerolog.Logger  // nil: disabled
	Metrics    *metrics.Metrics // nil: disabled
	Init       InitParams
	// Verbose logs every request and result; VerboseTables adds hex dumps.
	Verbose       bool
	VerboseTables bool
}

// Engine is safe for concurrent use.
type Engine struct {
	kv      KV
	tr      Transport
	hs      Handshaker
	codec   Codec
	ids     *msgid.Authority
	obs     observer
	metrics *metrics.Metrics
	init    InitParams

	mu     sync.Mutex // state, apiInit, dc record
	state  State
	credMu [MaxDC + 1]sync.Mutex
	flight singleflight.Group
}

// New binds the collaborators and loads (or creates) the session record.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	if opts.Handshaker == nil {
		return nil, fmt.Errorf("session: no handshaker bound")
	}
	e := &Engine{
		kv:      opts.Store,
		tr:      opts.Transport,
		hs:      opts.Handshaker,
		codec:   opts.Codec,
		ids:     opts.IDs,
		metrics: opts.Metrics,
		init:    opts.Init,
		obs:     newObserver(opts.Logger, opts.Verbose, opts.VerboseTables),
	}
	if e.codec == nil {
		e.codec = proto.Codec{}
	}
	if e.ids == nil {
		e.ids = msgid.New(nil, nil)
	}
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e, nil
}

// ValidDC reports whether dc is in [MinDC, MaxDC].
func ValidDC(dc int) bool { return dc >= MinDC && dc <= MaxDC }

func checkDC(dc int) error {
	if !ValidDC(dc) {
		return fmt.Errorf("%w: %d", ErrInvalidDC, dc)
	}
	return nil
}

// ready moves Cold -> Ready, creating the session id record if missing.
func (e *Engine) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateCold {
		return nil
	}
	if _, err := e.sessionID(); err != nil {
		return err
	}
	e.state = StateReady
	return nil
}

// sessionID returns the persisted session id, creating one on first use.
func (e *Engine) sessionID() (int64, error) {
	b, ok, err := e.kv.Get(store.KeySessionID)
	if err != nil {
		return 0, err
	}
	if ok {
		if id, err := store.DecodeInt(b); err == nil && id != 0 {
			return id, nil
		}
	}
	id := store.NewSessionID()
	if err := e.kv.Set(store.KeySessionID, store.EncodeInt(id)); err != nil {
		return 0, err
	}
	if err := e.kv.Save(); err != nil {
		return 0, err
	}
	return id, nil
}

// State current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// DC returns the persisted current DC, DefaultDC when unset or unreadable.
func (e *Engine) DC() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentDC()
}

func (e *Engine) currentDC() int {
	b, ok, err := e.kv.Get(store.KeyDC)
	if err != nil {
		e.obs.log.Warn().Err(err).Msg("dc.read")
		return DefaultDC
	}
	if !ok {
		return DefaultDC
	}
	dc, err := store.DecodeInt(b)
	if err != nil || !ValidDC(int(dc)) {
		return DefaultDC
	}
	return int(dc)
}

// SwitchDC persists dc as the current DC.
func (e *Engine) SwitchDC(dc int) error {
	if err := checkDC(dc); err != nil {
		return err
	}
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	from := e.currentDC()
	if err := e.kv.Set(store.KeyDC, store.EncodeInt(int64(dc))); err != nil {
		return err
	}
	if err := e.kv.Save(); err != nil {
		return err
	}
	e.obs.dcSwitch(from, dc)
	if from != dc {
		e.metrics.Switch()
	}
	return nil
}

// IsNetworkReady true once any DC has completed a handshake.
func (e *Engine) IsNetworkReady() bool {
	b, ok, err := e.kv.Get(store.KeyAuthState)
	if err != nil || !ok {
		return false
	}
	v, err := store.DecodeBool(b)
	return err == nil && v
}

// IsAuthenticatedOn true if dc has stored credentials.
func (e *Engine) IsAuthenticatedOn(dc int) bool {
	if !ValidDC(dc) {
		return false
	}
	ok, err := e.kv.Has(store.AuthKey(dc))
	return err == nil && ok
}

// Credentials for dc; ok=false when none are stored.
func (e *Engine) Credentials(dc int) (store.Credentials, bool, error) {
	if err := checkDC(dc); err != nil {
		return store.Credentials{}, false, err
	}
	return e.credentials(dc)
}

func (e *Engine) credentials(dc int) (store.Credentials, bool, error) {
	b, ok, err := e.kv.Get(store.AuthKey(dc))
	if err != nil || !ok {
		return store.Credentials{}, false, err
	}
	var c store.Credentials
	if err := c.UnmarshalBinary(b); err != nil {
		return store.Credentials{}, false, fmt.Errorf("session: dc %d credentials: %w", dc, err)
	}
	return c, true, nil
}

// updateCredentials applies fn to dc's stored credentials and saves them.
func (e *Engine) updateCredentials(dc int, fn func(*store.Credentials)) error {
	e.credMu[dc].Lock()
	defer e.credMu[dc].Unlock()
	c, ok, err := e.credentials(dc)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: dc %d", ErrNotAuthenticated, dc)
	}
	fn(&c)
	return e.putCredentials(dc, c)
}

// putCredentials stores c for dc and marks the network ready. Caller holds credMu[dc].
func (e *Engine) putCredentials(dc int, c store.Credentials) error {
	b, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	if err := e.kv.Set(store.AuthKey(dc), b); err != nil {
		return err
	}
	if err := e.kv.Set(store.KeyAuthState, store.EncodeBool(true)); err != nil {
		return err
	}
	return e.kv.Save()
}

func (e *Engine) apiInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateAPIInitialized
}

func (e *Engine) markAPIInitialized() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateReady {
		e.state = StateAPIInitialized
	}
}

// Forget drops dc's credentials so the next authenticated call on dc runs a
// new handshake. The network stays ready while another DC holds a key.
func (e *Engine) Forget(dc int) error {
	if err := checkDC(dc); err != nil {
		return err
	}
	e.credMu[dc].Lock()
	defer e.credMu[dc].Unlock()
	if err := e.kv.Delete(store.AuthKey(dc)); err != nil {
		return err
	}
	ready := false
	for other := MinDC; other <= MaxDC; other++ {
		if other != dc && e.IsAuthenticatedOn(other) {
			ready = true
			break
		}
	}
	if err := e.kv.Set(store.KeyAuthState, store.EncodeBool(ready)); err != nil {
		return err
	}
	if err := e.kv.Save(); err != nil {
		return err
	}
	e.obs.log.Info().Int("dc", dc).Msg("auth.forget")
	return nil
}

// Reset erases every persisted record and returns to Cold. The store stays
// bound; the next operation starts a fresh session.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for dc := MinDC; dc <= MaxDC; dc++ {
		e.credMu[dc].Lock()
	}
	defer func() {
		for dc := MinDC; dc <= MaxDC; dc++ {
			e.credMu[dc].Unlock()
		}
	}()
	if err := e.kv.Clear(); err != nil {
		return err
	}
	e.ids.ResetSeq()
	e.state = StateCold
	e.obs.log.Info().Msg("session.reset")
	return nil
}

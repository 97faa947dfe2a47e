// Package kex runs the ML-KEM key exchange with a DC over plain envelopes and
// returns the resulting per-DC credentials.
//
// Exchange:
//
//	req_pq_kem{nonce}                          -> res_pq_kem{nonce, server_nonce, enc_key}
//	set_client_kem{nonce, server_nonce, ciphertext} -> kem_gen_ok{nonce, server_nonce, auth_key_id, server_salt, server_time}
//	                                                 | kem_gen_fail{nonce, server_nonce}
//
// server_time is the DC clock in unix nanoseconds.
package kex

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"dev.c0redev.mtsession/internal/crypto"
	"dev.c0redev.mtsession/internal/msgid"
	"dev.c0redev.mtsession/internal/proto"
	"dev.c0redev.mtsession/internal/store"
)

// Methods, reply types and predicates of the exchange.
const (
	MethodReqPQ     = "req_pq_kem"
	MethodSetClient = "set_client_kem"

	TypeResPQ  = "ResPQ"
	TypeKEMGen = "Set_client_KEM_answer"

	PredicateResPQ   = "res_pq_kem"
	PredicateGenOK   = "kem_gen_ok"
	PredicateGenFail = "kem_gen_fail"
)

// NonceSize of client and server nonces.
const NonceSize = 16

var ErrHandshake = errors.New("kex: handshake failed")

// Sender delivers one message to a DC.
type Sender interface {
	Send(ctx context.Context, dc int, payload []byte) ([]byte, error)
}

// Handshaker produces credentials for a DC.
type Handshaker struct {
	tr    Sender
	codec proto.Codec
	ids   *msgid.Authority
	clock clock.Clock
}

// New returns a Handshaker sending through tr; ids supplies message ids
// (nil: own wall-clock authority).
func New(tr Sender, ids *msgid.Authority) *Handshaker {
	if ids == nil {
		ids = msgid.New(nil, nil)
	}
	return &Handshaker{tr: tr, ids: ids, clock: clock.New()}
}

// WithClock sets the clock used to stamp SyncedAt (tests).
func (h *Handshaker) WithClock(c clock.Clock) *Handshaker {
	h.clock = c
	return h
}

// Authenticate runs the exchange with dc.
func (h *Handshaker) Authenticate(ctx context.Context, dc int) (store.Credentials, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return store.Credentials{}, err
	}

	res, err := h.call(ctx, dc, proto.Method{
		Name:   MethodReqPQ,
		Type:   TypeResPQ,
		Params: proto.Params{"nonce": nonce},
	}, PredicateResPQ)
	if err != nil {
		return store.Credentials{}, err
	}
	serverNonce, err := checkNonces(res.Params, nonce)
	if err != nil {
		return store.Credentials{}, err
	}
	encKey, _ := res.Params.Bytes("enc_key")
	if len(encKey) != crypto.EncapsulationKeySize {
		return store.Credentials{}, fmt.Errorf("%w: enc_key size %d", ErrHandshake, len(encKey))
	}
	secret, ct, err := crypto.Encapsulate(encKey)
	if err != nil {
		return store.Credentials{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	gen, err := h.call(ctx, dc, proto.Method{
		Name: MethodSetClient,
		Type: TypeKEMGen,
		Params: proto.Params{
			"nonce":        nonce,
			"server_nonce": serverNonce,
			"ciphertext":   ct,
		},
	}, PredicateGenOK)
	if err != nil {
		return store.Credentials{}, err
	}
	if _, err := checkNonces(gen.Params, nonce); err != nil {
		return store.Credentials{}, err
	}
	if sn, _ := gen.Params.Bytes("server_nonce"); !bytes.Equal(sn, serverNonce) {
		return store.Credentials{}, fmt.Errorf("%w: server nonce changed", ErrHandshake)
	}

	authKey, err := crypto.DeriveAuthKey(secret, nonce, serverNonce)
	if err != nil {
		return store.Credentials{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	id := crypto.AuthKeyID(authKey)
	if got, _ := gen.Params.Bytes("auth_key_id"); !bytes.Equal(got, id[:]) {
		return store.Credentials{}, fmt.Errorf("%w: auth key id mismatch", ErrHandshake)
	}
	salt, okSalt := gen.Params.Int64("server_salt")
	serverTime, okTime := gen.Params.Int64("server_time")
	if !okSalt || !okTime || serverTime <= 0 {
		return store.Credentials{}, fmt.Errorf("%w: missing server_salt/server_time", ErrHandshake)
	}
	return store.Credentials{
		AuthKey:    authKey,
		AuthKeyID:  id,
		ServerSalt: salt,
		ServerTime: time.Unix(0, serverTime),
		SyncedAt:   h.clock.Now(),
	}, nil
}

// call sends m in a plain envelope and requires a reply with predicate want.
func (h *Handshaker) call(ctx context.Context, dc int, m proto.Method, want string) (proto.Reply, error) {
	env := proto.Envelope{Mode: proto.ModePlain, MessageID: h.ids.NextMessageID()}
	payload, err := h.codec.Serialize(env, m)
	if err != nil {
		return proto.Reply{}, err
	}
	raw, err := h.tr.Send(ctx, dc, payload)
	if err != nil {
		return proto.Reply{}, fmt.Errorf("%w: %s: %v", ErrHandshake, m.Name, err)
	}
	r, err := h.codec.Deserialize(env, raw)
	if err != nil {
		return proto.Reply{}, fmt.Errorf("%w: %s: %v", ErrHandshake, m.Name, err)
	}
	if r.Predicate != want {
		return proto.Reply{}, fmt.Errorf("%w: %s: got %s", ErrHandshake, m.Name, r.Predicate)
	}
	return r, nil
}

func checkNonces(p proto.Params, nonce []byte) ([]byte, error) {
	got, _ := p.Bytes("nonce")
	if !bytes.Equal(got, nonce) {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrHandshake)
	}
	sn, _ := p.Bytes("server_nonce")
	if len(sn) != NonceSize {
		return nil, fmt.Errorf("%w: bad server nonce", ErrHandshake)
	}
	return sn, nil
}

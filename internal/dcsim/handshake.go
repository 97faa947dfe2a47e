package dcsim

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"dev.c0redev.mtsession/internal/crypto"
	"dev.c0redev.mtsession/internal/kex"
	"dev.c0redev.mtsession/internal/proto"
)

var errUnknownNonce = errors.New("dcsim: unknown server nonce")

// pendingKEM: state between res_pq_kem and set_client_kem.
type pendingKEM struct {
	nonce []byte
}

func (s *Server) reqPQ(m proto.Method) (proto.Reply, error) {
	nonce, _ := m.Params.Bytes("nonce")
	if len(nonce) != kex.NonceSize {
		return proto.Reply{}, fmt.Errorf("dcsim: bad nonce size %d", len(nonce))
	}
	serverNonce := make([]byte, kex.NonceSize)
	if _, err := rand.Read(serverNonce); err != nil {
		return proto.Reply{}, err
	}
	s.pending.Add(hex.EncodeToString(serverNonce), pendingKEM{nonce: append([]byte(nil), nonce...)})
	return proto.Reply{
		Type:      kex.TypeResPQ,
		Predicate: kex.PredicateResPQ,
		Params: proto.Params{
			"nonce":        nonce,
			"server_nonce": serverNonce,
			"enc_key":      s.encKey,
		},
	}, nil
}

func (s *Server) setClient(m proto.Method) (proto.Reply, error) {
	nonce, _ := m.Params.Bytes("nonce")
	serverNonce, _ := m.Params.Bytes("server_nonce")
	ct, _ := m.Params.Bytes("ciphertext")
	key := hex.EncodeToString(serverNonce)
	p, ok := s.pending.Get(key)
	if !ok || string(p.nonce) != string(nonce) {
		return proto.Reply{}, errUnknownNonce
	}
	s.pending.Remove(key)

	fail := proto.Reply{
		Type:      kex.TypeKEMGen,
		Predicate: kex.PredicateGenFail,
		Params:    proto.Params{"nonce": nonce, "server_nonce": serverNonce},
	}
	secret, err := crypto.Decapsulate(s.decap, ct)
	if err != nil {
		return fail, nil
	}
	authKey, err := crypto.DeriveAuthKey(secret, nonce, serverNonce)
	if err != nil {
		return fail, nil
	}
	id := crypto.AuthKeyID(authKey)
	s.keys.Add(id, authKey)
	s.log.Debug().Int("dc", s.id).Hex("auth_key_id", id[:]).Msg("kex.done")
	return proto.Reply{
		Type:      kex.TypeKEMGen,
		Predicate: kex.PredicateGenOK,
		Params: proto.Params{
			"nonce":        nonce,
			"server_nonce": serverNonce,
			"auth_key_id":  id[:],
			"server_salt":  s.Salt(),
			"server_time":  s.now().UnixNano(),
		},
	}, nil
}

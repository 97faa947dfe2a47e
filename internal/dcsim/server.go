// Package dcsim simulates a cluster of DCs speaking the session protocol:
// key exchange, salt and message-id checks, connection init and a small set
// of method handlers. Used by tests and the dcsim binary.
package dcsim

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"filippo.io/mlkem768"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"dev.c0redev.mtsession/internal/crypto"
	"dev.c0redev.mtsession/internal/kex"
	"dev.c0redev.mtsession/internal/msgid"
	"dev.c0redev.mtsession/internal/proto"
)

// Accepted client message-id window relative to the server clock.
const (
	MaxMsgAge    = 300 * time.Second
	MaxMsgFuture = 30 * time.Second
)

const (
	defaultKeyCache     = 1024
	defaultPendingCache = 256
)

// ErrUnknownAuthKey: encrypted message under a key this DC never issued.
var ErrUnknownAuthKey = errors.New("dcsim: unknown auth key")

// StatusError carries a transport-level status for a rejected message.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d: %v", e.Status, e.Err) }
func (e *StatusError) Unwrap() error { return e.Err }

// Handler answers one method call.
type Handler func(ctx context.Context, dc int, m proto.Method) (proto.Reply, error)

// Server is one simulated DC.
type Server struct {
	id      int
	info    Info
	cluster *Cluster
	clock   clock.Clock
	log     zerolog.Logger
	gzip    int

	encKey []byte
	decap  *mlkem768.DecapsulationKey

	pending *lru.Cache[string, pendingKEM]
	keys    *lru.Cache[[8]byte, []byte]

	mu      sync.Mutex
	salt    int64
	skew    time.Duration
	inject  []int
	served  int
	lastIDs map[int64]int64 // session id -> highest message id seen
}

func newServer(c *Cluster, info Info) (*Server, error) {
	enc, decap, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pending, err := lru.New[string, pendingKEM](defaultPendingCache)
	if err != nil {
		return nil, err
	}
	keys, err := lru.New[[8]byte, []byte](defaultKeyCache)
	if err != nil {
		return nil, err
	}
	return &Server{
		id:      info.ID,
		info:    info,
		cluster: c,
		clock:   c.clock,
		log:     c.log.With().Int("dc", info.ID).Logger(),
		gzip:    c.gzipThreshold,
		encKey:  enc,
		decap:   decap,
		pending: pending,
		keys:    keys,
		salt:    randomSalt(),
		lastIDs: make(map[int64]int64),
	}, nil
}

func randomSalt() int64 {
	var b [8]byte
	rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// ID of the DC.
func (s *Server) ID() int { return s.id }

// Info routing description.
func (s *Server) Info() Info { return s.info }

// Salt current server salt.
func (s *Server) Salt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.salt
}

// RotateSalt replaces the salt; returns the new one.
func (s *Server) RotateSalt() int64 {
	salt := randomSalt()
	s.mu.Lock()
	s.salt = salt
	s.mu.Unlock()
	s.log.Info().Msg("salt.rotate")
	return salt
}

// SetSkew shifts the server clock relative to the shared clock.
func (s *Server) SetSkew(d time.Duration) {
	s.mu.Lock()
	s.skew = d
	s.mu.Unlock()
}

// InjectNotification makes the next encrypted message fail with a
// bad_msg_notification carrying code.
func (s *Server) InjectNotification(code int) {
	s.mu.Lock()
	s.inject = append(s.inject, code)
	s.mu.Unlock()
}

// Served number of replies produced.
func (s *Server) Served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

// KnowsKey true if the DC issued authKeyID.
func (s *Server) KnowsKey(authKeyID [8]byte) bool {
	return s.keys.Contains(authKeyID)
}

func (s *Server) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now().Add(s.skew)
}

// serverMsgID: server clock id, odd (response).
func (s *Server) serverMsgID() int64 {
	return msgid.FromTime(s.now()) | 1
}

// Handle processes one wire message and returns the wire reply. Errors are
// *StatusError for messages the DC refuses to answer.
func (s *Server) Handle(ctx context.Context, b []byte) ([]byte, error) {
	out, err := s.handle(ctx, b)
	if err != nil {
		s.log.Warn().Err(err).Msg("dc.reject")
		return nil, err
	}
	s.mu.Lock()
	s.served++
	s.mu.Unlock()
	return out, nil
}

func (s *Server) handle(ctx context.Context, b []byte) ([]byte, error) {
	if proto.IsPlain(b) {
		return s.handlePlain(ctx, b)
	}
	return s.handleEncrypted(ctx, b)
}

func (s *Server) handlePlain(ctx context.Context, b []byte) ([]byte, error) {
	_, body, err := proto.DecodePlain(b)
	if err != nil {
		return nil, &StatusError{Status: 400, Err: err}
	}
	m, err := proto.DecodeMethod(body)
	if err != nil {
		return nil, &StatusError{Status: 400, Err: err}
	}
	var r proto.Reply
	switch m.Name {
	case kex.MethodReqPQ:
		r, err = s.reqPQ(m)
	case kex.MethodSetClient:
		r, err = s.setClient(m)
	default:
		r, err = s.call(ctx, m)
	}
	if err != nil {
		return nil, &StatusError{Status: 400, Err: err}
	}
	out, err := proto.EncodeReply(r, s.gzip)
	if err != nil {
		return nil, &StatusError{Status: 500, Err: err}
	}
	return proto.EncodePlain(s.serverMsgID(), out), nil
}

func (s *Server) handleEncrypted(ctx context.Context, b []byte) ([]byte, error) {
	id, err := proto.PeekAuthKeyID(b)
	if err != nil {
		return nil, &StatusError{Status: 400, Err: err}
	}
	authKey, ok := s.keys.Get(id)
	if !ok {
		return nil, &StatusError{Status: 404, Err: ErrUnknownAuthKey}
	}
	env, body, err := proto.OpenEncrypted(authKey, b)
	if err != nil {
		return nil, &StatusError{Status: 400, Err: err}
	}
	r, err := s.check(env)
	if err == nil && r.Predicate == "" {
		var m proto.Method
		m, err = proto.DecodeMethod(body)
		if err == nil {
			r, err = s.call(ctx, m)
		}
	}
	if err != nil {
		return nil, &StatusError{Status: 400, Err: err}
	}
	out, err := proto.EncodeReply(r, s.gzip)
	if err != nil {
		return nil, &StatusError{Status: 500, Err: err}
	}
	return proto.SealEncrypted(proto.Envelope{
		Mode:       proto.ModeEncrypted,
		AuthKey:    authKey,
		AuthKeyID:  id,
		ServerSalt: s.Salt(),
		SessionID:  env.SessionID,
		SeqNo:      env.SeqNo,
		MessageID:  s.serverMsgID(),
	}, out)
}

// check runs the message-id, injected-notification and salt checks; a
// non-empty predicate is the negative ack to send back.
func (s *Server) check(env proto.Envelope) (proto.Reply, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	nack := func(pred string, code int) proto.Reply {
		p := proto.Params{
			"bad_msg_id":    env.MessageID,
			"bad_msg_seqno": int64(env.SeqNo),
			"error_code":    int64(code),
		}
		if pred == proto.PredicateBadServerSalt {
			p["new_server_salt"] = s.salt
		}
		return proto.Reply{Type: "BadMsgNotification", Predicate: pred, Params: p}
	}

	sent := msgid.TimeOf(env.MessageID)
	switch {
	case env.MessageID&3 != 0:
		return nack(proto.PredicateBadMsgNotification, proto.CodeMsgIDBadBits), nil
	case sent.Before(now.Add(-MaxMsgAge)):
		return nack(proto.PredicateBadMsgNotification, proto.CodeMsgIDTooLow), nil
	case sent.After(now.Add(MaxMsgFuture)):
		return nack(proto.PredicateBadMsgNotification, proto.CodeMsgIDTooHigh), nil
	case env.MessageID <= s.lastIDs[env.SessionID]:
		return nack(proto.PredicateBadMsgNotification, proto.CodeMsgIDDuplicate), nil
	}
	if len(s.inject) > 0 {
		code := s.inject[0]
		s.inject = s.inject[1:]
		return nack(proto.PredicateBadMsgNotification, code), nil
	}
	if env.ServerSalt != s.salt {
		return nack(proto.PredicateBadServerSalt, proto.CodeBadServerSalt), nil
	}
	s.lastIDs[env.SessionID] = env.MessageID
	return proto.Reply{}, nil
}

func (s *Server) call(ctx context.Context, m proto.Method) (proto.Reply, error) {
	if m.Name == proto.MethodInitConnection {
		return s.initConnection(m), nil
	}
	h, ok := s.cluster.handler(m.Name)
	if !ok {
		return rpcError(400, "METHOD_INVALID"), nil
	}
	return h(ctx, s.id, m)
}

func (s *Server) initConnection(m proto.Method) proto.Reply {
	country, _ := m.Params.String("country")
	nearest := SelectNearest(s.cluster.Infos(), country, s.id)
	s.log.Info().Str("country", country).Int("nearest_dc", nearest).Msg("init")
	return proto.Reply{
		Type:      proto.TypeNearestDC,
		Predicate: proto.PredicateNearestDC,
		Params: proto.Params{
			"country":    country,
			"this_dc":    int64(s.id),
			"nearest_dc": int64(nearest),
		},
	}
}

func rpcError(code int, msg string) proto.Reply {
	return proto.Reply{
		Type:      "RpcError",
		Predicate: proto.PredicateRPCError,
		Params:    proto.Params{"error_code": int64(code), "error_message": msg},
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"dev.c0redev.mtsession/internal/proto"
	"dev.c0redev.mtsession/internal/store"
)

type verdict int

const (
	verdictReturn verdict = iota
	verdictRetry
	verdictFail
)

// dispatch sends m to dc, rebuilding the envelope with build for every attempt.
// Each recoverable predicate may be retried once per call.
func (e *Engine) dispatch(ctx context.Context, dc int, m proto.Method, build func() (proto.Envelope, error)) (Outcome, error) {
	spent := make(map[string]bool, 2)
	for {
		env, err := build()
		if err != nil {
			e.metrics.Dispatch("error")
			return Outcome{}, err
		}
		reply, f := e.roundTrip(ctx, dc, env, m)
		if f != nil {
			e.obs.fault(m, f)
			e.metrics.Dispatch("fault")
			return faulted(f), nil
		}
		v, code := e.classify(dc, env, reply)
		switch v {
		case verdictReturn:
			e.metrics.Dispatch("ok")
			return replied(reply), nil
		case verdictRetry:
			if spent[reply.Predicate] {
				e.metrics.Dispatch("nack")
				return Outcome{}, &NackError{DC: dc, Predicate: reply.Predicate, Code: code, Retried: true}
			}
			spent[reply.Predicate] = true
			e.obs.retry(dc, m, reply.Predicate, code)
			e.metrics.Retry(reply.Predicate)
		default:
			e.metrics.Dispatch("nack")
			return Outcome{}, &NackError{DC: dc, Predicate: reply.Predicate, Code: code}
		}
	}
}

// roundTrip: serialize, send, decode. Collaborator panics become a Fault.
func (e *Engine) roundTrip(ctx context.Context, dc int, env proto.Envelope, m proto.Method) (reply proto.Reply, f *Fault) {
	defer func() {
		if r := recover(); r != nil {
			f = &Fault{Kind: FaultPanic, DC: dc, Err: fmt.Errorf("%v", r)}
		}
	}()
	payload, err := e.codec.Serialize(env, m)
	if err != nil {
		return proto.Reply{}, &Fault{Kind: FaultCodec, DC: dc, Err: err}
	}
	e.obs.request(dc, env, m, payload)
	start := time.Now()
	raw, err := e.tr.Send(ctx, dc, payload)
	e.metrics.RoundTrip(strconv.Itoa(dc), time.Since(start))
	if err != nil {
		return proto.Reply{}, &Fault{Kind: FaultTransport, DC: dc, Err: err}
	}
	reply, err = e.codec.Deserialize(env, raw)
	if err != nil {
		return proto.Reply{}, &Fault{Kind: FaultCodec, DC: dc, Err: err}
	}
	e.obs.result(dc, m, reply, raw)
	return reply, nil
}

// classify decides what to do with a decoded reply and applies the state
// correction for recoverable negative acks.
func (e *Engine) classify(dc int, env proto.Envelope, r proto.Reply) (verdict, int) {
	code, _ := r.Params.Int("error_code")
	switch r.Predicate {
	case proto.PredicateBadServerSalt:
		if env.Mode != proto.ModeEncrypted {
			return verdictFail, code
		}
		salt, ok := r.Params.Int64("new_server_salt")
		if !ok {
			return verdictFail, code
		}
		err := e.updateCredentials(dc, func(c *store.Credentials) { c.ServerSalt = salt })
		if err != nil {
			e.obs.log.Error().Int("dc", dc).Err(err).Msg("salt.update")
			return verdictFail, code
		}
		return verdictRetry, code
	case proto.PredicateBadMsgNotification:
		switch code {
		case proto.CodeMsgIDTooLow, proto.CodeMsgIDTooHigh:
			return e.resyncTime(dc, env, r.MessageID), code
		case proto.CodeSeqNoTooLow, proto.CodeSeqNoTooHigh:
			e.ids.CorrectSeq(dc, code)
			return verdictRetry, code
		}
		return verdictFail, code
	}
	return verdictReturn, 0
}

// resyncTime moves the delta to the server clock carried in serverMsgID. For
// encrypted envelopes the correction is also stored with dc's credentials so
// the next envelope build does not restore the stale delta.
func (e *Engine) resyncTime(dc int, env proto.Envelope, serverMsgID int64) verdict {
	server, local, ok := e.ids.SyncFromMessageID(serverMsgID)
	if !ok {
		return verdictFail
	}
	e.obs.timeSync(dc, e.ids.Delta())
	if env.Mode != proto.ModeEncrypted {
		return verdictRetry
	}
	err := e.updateCredentials(dc, func(c *store.Credentials) {
		c.ServerTime, c.SyncedAt = server, local
	})
	if err != nil && !errors.Is(err, ErrNotAuthenticated) {
		e.obs.log.Error().Int("dc", dc).Err(err).Msg("time.update")
		return verdictFail
	}
	return verdictRetry
}

package session

import (
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.mtsession/internal/proto"
)

// observer emits the engine's structured events.
type observer struct {
	log     zerolog.Logger
	verbose bool
	tables  bool
}

func newObserver(l *zerolog.Logger, verbose, tables bool) observer {
	o := observer{log: zerolog.Nop(), verbose: verbose, tables: tables}
	if l != nil {
		o.log = l.With().Str("component", "session").Logger()
	}
	return o
}

func (o observer) dcSwitch(from, to int) {
	o.log.Info().Int("from", from).Int("dc", to).Msg("dc.switch")
}

func (o observer) authAttempt(dc int) {
	o.log.Info().Int("dc", dc).Msg("auth.attempt")
}

func (o observer) authResult(dc int, err error) {
	if err != nil {
		o.log.Error().Int("dc", dc).Err(err).Msg("auth.result")
		return
	}
	o.log.Info().Int("dc", dc).Msg("auth.result")
}

func (o observer) request(dc int, env proto.Envelope, m proto.Method, raw []byte) {
	if !o.verbose {
		return
	}
	ev := o.log.Info().
		Int("dc", dc).
		Str("mode", env.Mode.String()).
		Int64("msg_id", env.MessageID).
		Int32("seq_no", env.SeqNo).
		Str("method", m.Name).
		Interface("params", m.Params)
	if o.tables {
		ev = ev.Str("hex", hex.Dump(raw))
	}
	ev.Msg("rpc.request")
}

func (o observer) result(dc int, m proto.Method, r proto.Reply, raw []byte) {
	if !o.verbose {
		return
	}
	ev := o.log.Info().
		Int("dc", dc).
		Str("method", m.Name).
		Str("type", r.Type).
		Str("predicate", r.Predicate).
		Interface("params", r.Params)
	if o.tables {
		ev = ev.Str("hex", hex.Dump(raw))
	}
	ev.Msg("rpc.result")
}

func (o observer) fault(m proto.Method, f *Fault) {
	o.log.Warn().
		Int("dc", f.DC).
		Str("method", m.Name).
		Str("kind", string(f.Kind)).
		Err(f.Err).
		Msg("rpc.fault")
}

func (o observer) timeSync(dc int, delta time.Duration) {
	o.log.Info().Int("dc", dc).Dur("delta", delta).Msg("time.sync")
}

func (o observer) retry(dc int, m proto.Method, predicate string, code int) {
	o.log.Debug().
		Int("dc", dc).
		Str("method", m.Name).
		Str("predicate", predicate).
		Int("code", code).
		Msg("rpc.retry")
}

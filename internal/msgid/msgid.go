// Package msgid generates message ids and per-DC sequence numbers, kept in step
// with the DC clock through a time delta.
package msgid

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"dev.c0redev.mtsession/internal/proto"
)

// seqBump is how far a counter jumps after a "seq_no too low" notification.
const seqBump = 16

// SeqStrategy maps a per-DC counter to the seq no of the next message.
type SeqStrategy interface {
	// Next returns the seq no to send and the counter to keep.
	Next(counter int32, contentRelated bool) (seqNo int32, next int32)
}

// ParitySeq: content-related messages take 2n+1 and advance n; service messages take 2n.
type ParitySeq struct{}

func (ParitySeq) Next(counter int32, contentRelated bool) (int32, int32) {
	if contentRelated {
		return counter*2 + 1, counter + 1
	}
	return counter * 2, counter
}

// MonotonicSeq: every message takes the next integer.
type MonotonicSeq struct{}

func (MonotonicSeq) Next(counter int32, _ bool) (int32, int32) {
	return counter, counter + 1
}

// StrategyByName: "parity" (default) or "monotonic".
func StrategyByName(name string) (SeqStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "parity":
		return ParitySeq{}, nil
	case "monotonic":
		return MonotonicSeq{}, nil
	}
	return nil, fmt.Errorf("msgid: unknown seq strategy %q", name)
}

// Authority is the process-wide id source. Message ids are strictly increasing
// across all DCs; seq counters are per DC.
type Authority struct {
	mu       sync.Mutex
	clock    clock.Clock
	delta    time.Duration
	last     int64
	seq      map[int]int32
	strategy SeqStrategy
}

// New returns an Authority; nil clk = wall clock, nil strategy = ParitySeq.
func New(clk clock.Clock, strategy SeqStrategy) *Authority {
	if clk == nil {
		clk = clock.New()
	}
	if strategy == nil {
		strategy = ParitySeq{}
	}
	return &Authority{clock: clk, strategy: strategy, seq: make(map[int]int32)}
}

// Delta server minus local clock.
func (a *Authority) Delta() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delta
}

// SyncServerTime sets delta from a server time observed at local time.
func (a *Authority) SyncServerTime(server, local time.Time) {
	if server.IsZero() || local.IsZero() {
		return
	}
	a.mu.Lock()
	a.delta = server.Sub(local)
	a.mu.Unlock()
}

// SyncFromMessageID sets delta from a server-generated message id (its upper
// half is the server's unix time). Returns the server/local pair it used;
// ok is false for a non-positive id.
func (a *Authority) SyncFromMessageID(serverMsgID int64) (server, local time.Time, ok bool) {
	if serverMsgID <= 0 {
		return time.Time{}, time.Time{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	server, local = TimeOf(serverMsgID), a.clock.Now()
	a.delta = server.Sub(local)
	return server, local, true
}

// NextMessageID: unix seconds << 32 | fraction, low 2 bits clear, > every previous id.
func (a *Authority) NextMessageID() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := FromTime(a.clock.Now().Add(a.delta))
	if id <= a.last {
		id = a.last + 4
	}
	a.last = id
	return id
}

// NextSeqNo for dc; contentRelated for calls, false for acks.
func (a *Authority) NextSeqNo(dc int, contentRelated bool) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	seqNo, next := a.strategy.Next(a.seq[dc], contentRelated)
	a.seq[dc] = next
	return seqNo
}

// CorrectSeq reacts to a seq_no notification code for dc.
func (a *Authority) CorrectSeq(dc int, code int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch code {
	case proto.CodeSeqNoTooLow:
		a.seq[dc] += seqBump
	case proto.CodeSeqNoTooHigh:
		a.seq[dc] = 0
	}
}

// ResetSeq drops all per-DC counters.
func (a *Authority) ResetSeq() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq = make(map[int]int32)
}

// FromTime client message id for t (low 2 bits clear).
func FromTime(t time.Time) int64 {
	sec := t.Unix()
	frac := (int64(t.Nanosecond()) << 32) / int64(time.Second)
	return (sec<<32 | frac) &^ 3
}

// TimeOf inverse of FromTime (sub-second precision is approximate).
func TimeOf(id int64) time.Time {
	sec := id >> 32
	frac := id & 0xffffffff
	return time.Unix(sec, (frac*int64(time.Second))>>32)
}

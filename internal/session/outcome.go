package session

import "dev.c0redev.mtsession/internal/proto"

// Outcome of a dispatch: a reply, or empty with the swallowed Fault.
type Outcome struct {
	Reply proto.Reply
	Fault error
	ok    bool
}

func replied(r proto.Reply) Outcome { return Outcome{Reply: r, ok: true} }

func faulted(f *Fault) Outcome { return Outcome{Fault: f} }

// Empty true when no reply was obtained.
func (o Outcome) Empty() bool { return !o.ok }

func (o Outcome) Predicate() string { return o.Reply.Predicate }

func (o Outcome) Params() proto.Params { return o.Reply.Params }

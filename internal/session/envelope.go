package session

import (
	"fmt"

	"dev.c0redev.mtsession/internal/proto"
)

// plainEnvelope: zero auth key id + fresh message id. Never reads credentials.
func (e *Engine) plainEnvelope() proto.Envelope {
	return proto.Envelope{Mode: proto.ModePlain, MessageID: e.ids.NextMessageID()}
}

// authEnvelope builds an encrypted header for dc from its stored credentials.
func (e *Engine) authEnvelope(dc int, contentRelated bool) (proto.Envelope, error) {
	c, ok, err := e.credentials(dc)
	if err != nil {
		return proto.Envelope{}, err
	}
	if !ok {
		return proto.Envelope{}, fmt.Errorf("%w: dc %d", ErrNotAuthenticated, dc)
	}
	e.mu.Lock()
	sid, err := e.sessionID()
	e.mu.Unlock()
	if err != nil {
		return proto.Envelope{}, err
	}
	e.ids.SyncServerTime(c.ServerTime, c.SyncedAt)
	return proto.Envelope{
		Mode:       proto.ModeEncrypted,
		AuthKey:    c.AuthKey,
		AuthKeyID:  c.AuthKeyID,
		ServerSalt: c.ServerSalt,
		SessionID:  sid,
		SeqNo:      e.ids.NextSeqNo(dc, contentRelated),
		MessageID:  e.ids.NextMessageID(),
	}, nil
}

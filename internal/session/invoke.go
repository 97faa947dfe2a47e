package session

import (
	"context"

	"dev.c0redev.mtsession/internal/proto"
)

// InvokeUnauthenticated sends m to the current DC in a plain envelope.
// Transport and codec faults yield an empty Outcome and a nil error.
func (e *Engine) InvokeUnauthenticated(ctx context.Context, m proto.Method) (Outcome, error) {
	if err := e.ready(); err != nil {
		return Outcome{}, err
	}
	dc := e.DC()
	return e.dispatch(ctx, dc, m, func() (proto.Envelope, error) {
		return e.plainEnvelope(), nil
	})
}

// InvokeUnauthenticatedOn switches to dc, then InvokeUnauthenticated.
func (e *Engine) InvokeUnauthenticatedOn(ctx context.Context, dc int, m proto.Method) (Outcome, error) {
	if err := e.SwitchDC(dc); err != nil {
		return Outcome{}, err
	}
	return e.InvokeUnauthenticated(ctx, m)
}

// InvokeAuthenticated ensures credentials and connection init for the current
// DC, then sends m in an encrypted envelope. A failed handshake aborts the
// call with an *AuthError.
func (e *Engine) InvokeAuthenticated(ctx context.Context, m proto.Method) (Outcome, error) {
	if err := e.ready(); err != nil {
		return Outcome{}, err
	}
	dc := e.DC()
	if err := e.EnsureAuthenticated(ctx, dc); err != nil {
		return Outcome{}, err
	}
	if !e.apiInitialized() {
		e.initConnection(ctx)
		if next := e.DC(); next != dc {
			dc = next
			if err := e.EnsureAuthenticated(ctx, dc); err != nil {
				return Outcome{}, err
			}
		}
	}
	return e.dispatch(ctx, dc, m, func() (proto.Envelope, error) {
		return e.authEnvelope(dc, !m.Service)
	})
}

// InvokeAuthenticatedOn switches to dc, then InvokeAuthenticated.
func (e *Engine) InvokeAuthenticatedOn(ctx context.Context, dc int, m proto.Method) (Outcome, error) {
	if err := e.SwitchDC(dc); err != nil {
		return Outcome{}, err
	}
	return e.InvokeAuthenticated(ctx, m)
}

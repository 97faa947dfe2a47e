package session

import (
	"context"
	"strconv"

	"go.uber.org/multierr"
)

// Lazy checks and explicit handshakes collapse separately, so an explicit
// Authenticate never settles for a lazy handshake already in flight.
func flightKey(dc int) string { return "auth:" + strconv.Itoa(dc) }
func reauthKey(dc int) string { return "reauth:" + strconv.Itoa(dc) }

// AuthenticateAll handshakes with every DC in order. The current DC is
// restored on return; failures are collected and the loop continues.
func (e *Engine) AuthenticateAll(ctx context.Context) (err error) {
	if err := e.ready(); err != nil {
		return err
	}
	orig := e.DC()
	defer func() {
		err = multierr.Append(err, e.SwitchDC(orig))
	}()
	for dc := MinDC; dc <= MaxDC; dc++ {
		if cerr := ctx.Err(); cerr != nil {
			return multierr.Append(err, cerr)
		}
		err = multierr.Append(err, e.Authenticate(ctx, dc))
	}
	return err
}

// Authenticate switches to dc and runs a fresh handshake there.
func (e *Engine) Authenticate(ctx context.Context, dc int) error {
	if err := e.SwitchDC(dc); err != nil {
		return err
	}
	_, err, _ := e.flight.Do(reauthKey(dc), func() (any, error) {
		return nil, e.handshake(ctx, dc)
	})
	return err
}

// EnsureAuthenticated handshakes with dc only if it has no credentials.
// Concurrent callers for one DC share a single handshake.
func (e *Engine) EnsureAuthenticated(ctx context.Context, dc int) error {
	if err := checkDC(dc); err != nil {
		return err
	}
	if e.IsAuthenticatedOn(dc) {
		return nil
	}
	_, err, _ := e.flight.Do(flightKey(dc), func() (any, error) {
		if e.IsAuthenticatedOn(dc) {
			return nil, nil
		}
		return nil, e.handshake(ctx, dc)
	})
	return err
}

func (e *Engine) handshake(ctx context.Context, dc int) error {
	e.obs.authAttempt(dc)
	c, err := e.hs.Authenticate(ctx, dc)
	if err == nil {
		e.credMu[dc].Lock()
		err = e.putCredentials(dc, c)
		e.credMu[dc].Unlock()
	}
	if err != nil {
		err = &AuthError{DC: dc, Err: err}
		e.metrics.Auth("error")
	} else {
		e.metrics.Auth("ok")
	}
	e.obs.authResult(dc, err)
	return err
}

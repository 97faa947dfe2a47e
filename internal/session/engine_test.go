package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.c0redev.mtsession/internal/proto"
	"dev.c0redev.mtsession/internal/store"
)

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, ErrNoStore)

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	_, err = New(Options{Store: db})
	require.ErrorIs(t, err, ErrNoTransport)
}

func TestDefaults(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, DefaultDC, h.e.DC())
	assert.Equal(t, StateReady, h.e.State())
	assert.False(t, h.e.IsNetworkReady())
	for dc := MinDC; dc <= MaxDC; dc++ {
		assert.False(t, h.e.IsAuthenticatedOn(dc))
	}
	ok, err := h.db.Has(store.KeySessionID)
	require.NoError(t, err)
	assert.True(t, ok, "session id created on start")
}

func TestSwitchDCPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	db, err := store.Open(path)
	require.NoError(t, err)
	e, err := New(Options{Store: db, Transport: &fakeTransport{}, Handshaker: newFakeHS()})
	require.NoError(t, err)
	require.NoError(t, e.SwitchDC(4))
	assert.Equal(t, 4, e.DC())
	require.NoError(t, db.Close())

	db, err = store.Open(path)
	require.NoError(t, err)
	defer db.Close()
	e, err = New(Options{Store: db, Transport: &fakeTransport{}, Handshaker: newFakeHS()})
	require.NoError(t, err)
	assert.Equal(t, 4, e.DC())
}

func TestSwitchDCRejectsOutOfRange(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SwitchDC(3))
	for _, dc := range []int{0, 6, -1} {
		err := h.e.SwitchDC(dc)
		require.ErrorIs(t, err, ErrInvalidDC)
	}
	assert.Equal(t, 3, h.e.DC())

	_, err := h.e.InvokeUnauthenticatedOn(context.Background(), 9, method("ping"))
	require.ErrorIs(t, err, ErrInvalidDC)
	assert.Empty(t, h.tr.sent())
}

func TestInvokeUnauthenticatedPlainEnvelope(t *testing.T) {
	h := newHarness(t)
	out, err := h.e.InvokeUnauthenticatedOn(context.Background(), 2, method("help"))
	require.NoError(t, err)
	require.False(t, out.Empty())
	assert.Equal(t, "ok", out.Predicate())

	all := h.codec.all()
	require.Len(t, all, 1)
	env := all[0].env
	assert.Equal(t, proto.ModePlain, env.Mode)
	assert.Equal(t, [8]byte{}, env.AuthKeyID)
	assert.Zero(t, env.ServerSalt)
	assert.Zero(t, env.SessionID)
	assert.Zero(t, env.SeqNo)
	assert.NotZero(t, env.MessageID)
	assert.Equal(t, []int{2}, h.tr.sent())
	assert.Zero(t, h.hs.total.Load(), "plain calls never handshake")
	assert.Equal(t, 2, h.e.DC())
}

func TestTransportFaultIsEmptyOutcome(t *testing.T) {
	h := newHarness(t)
	h.tr.err = errBoom
	out, err := h.e.InvokeUnauthenticated(context.Background(), method("help"))
	require.NoError(t, err)
	assert.True(t, out.Empty())
	var f *Fault
	require.ErrorAs(t, out.Fault, &f)
	assert.Equal(t, FaultTransport, f.Kind)
	assert.ErrorIs(t, out.Fault, errBoom)
}

func TestCodecFaultIsEmptyOutcome(t *testing.T) {
	h := newHarness(t)
	h.codec.deErr = proto.ErrInvalidFrame
	out, err := h.e.InvokeUnauthenticated(context.Background(), method("help"))
	require.NoError(t, err)
	assert.True(t, out.Empty())
	var f *Fault
	require.ErrorAs(t, out.Fault, &f)
	assert.Equal(t, FaultCodec, f.Kind)

	h.codec.deErr = nil
	h.codec.serErr = proto.ErrInvalidParam
	out, err = h.e.InvokeUnauthenticated(context.Background(), method("help"))
	require.NoError(t, err)
	assert.True(t, out.Empty())
	assert.ErrorIs(t, out.Fault, proto.ErrInvalidParam)
}

func TestPanicInCollaboratorIsEmptyOutcome(t *testing.T) {
	h := newHarness(t)
	h.codec.panics = true
	out, err := h.e.InvokeUnauthenticated(context.Background(), method("help"))
	require.NoError(t, err)
	assert.True(t, out.Empty())
	var f *Fault
	require.ErrorAs(t, out.Fault, &f)
	assert.Equal(t, FaultPanic, f.Kind)
}

func TestInvokeAuthenticatedFreshDC(t *testing.T) {
	h := newHarness(t)
	h.codec.nearest = 3
	out, err := h.e.InvokeAuthenticatedOn(context.Background(), 3, method("getUser"))
	require.NoError(t, err)
	require.False(t, out.Empty())

	assert.Equal(t, 1, h.hs.count(3))
	assert.True(t, h.e.IsAuthenticatedOn(3))
	assert.True(t, h.e.IsNetworkReady())
	assert.Equal(t, StateAPIInitialized, h.e.State())

	all := h.codec.all()
	require.Len(t, all, 2)
	assert.Equal(t, proto.MethodInitConnection, all[0].m.Name)
	assert.Equal(t, "getUser", all[1].m.Name)

	creds := testCredentials(3)
	env := all[1].env
	assert.Equal(t, proto.ModeEncrypted, env.Mode)
	assert.Equal(t, creds.AuthKeyID, env.AuthKeyID)
	assert.Equal(t, creds.ServerSalt, env.ServerSalt)
	assert.True(t, bytes.Equal(creds.AuthKey, env.AuthKey))
	assert.NotZero(t, env.SessionID)
	assert.Equal(t, []int{3, 3}, h.tr.sent())
}

func TestInitSwitchesToNearestDC(t *testing.T) {
	h := newHarness(t)
	h.codec.nearest = 2
	_, err := h.e.InvokeAuthenticated(context.Background(), method("a"))
	require.NoError(t, err)

	assert.Equal(t, 2, h.e.DC())
	assert.Equal(t, 1, h.hs.count(1))
	assert.Equal(t, 1, h.hs.count(2), "post-init DC is authenticated before the call")
	assert.Equal(t, []int{1, 2}, h.tr.sent())

	a := h.codec.sentFor("a")
	require.Len(t, a, 1)
	assert.Equal(t, testCredentials(2).AuthKeyID, a[0].env.AuthKeyID)

	_, err = h.e.InvokeAuthenticated(context.Background(), method("b"))
	require.NoError(t, err)
	assert.Len(t, h.codec.sentFor(proto.MethodInitConnection), 1, "init runs once per process")
	assert.Equal(t, 2, h.e.DC())
}

func TestInitTypeMismatchRetriedNextCall(t *testing.T) {
	h := newHarness(t)
	h.codec.nearest = 4
	h.codec.initBad = true
	out, err := h.e.InvokeAuthenticated(context.Background(), method("a"))
	require.NoError(t, err)
	assert.False(t, out.Empty())
	assert.Equal(t, StateReady, h.e.State())
	assert.Equal(t, 1, h.e.DC())

	h.codec.initBad = false
	_, err = h.e.InvokeAuthenticated(context.Background(), method("b"))
	require.NoError(t, err)
	assert.Len(t, h.codec.sentFor(proto.MethodInitConnection), 2)
	assert.Equal(t, StateAPIInitialized, h.e.State())
	assert.Equal(t, 4, h.e.DC())
}

func TestInitSurvivesDCSwitch(t *testing.T) {
	h := newHarness(t)
	h.codec.nearest = 1
	_, err := h.e.InvokeAuthenticated(context.Background(), method("a"))
	require.NoError(t, err)
	_, err = h.e.InvokeAuthenticatedOn(context.Background(), 5, method("b"))
	require.NoError(t, err)
	assert.Len(t, h.codec.sentFor(proto.MethodInitConnection), 1)
	assert.Equal(t, 5, h.e.DC())
}

func TestAuthFailureAbortsCall(t *testing.T) {
	h := newHarness(t)
	h.hs.fail[1] = errBoom
	out, err := h.e.InvokeAuthenticated(context.Background(), method("a"))
	require.Error(t, err)
	assert.True(t, out.Empty())
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.ErrorIs(t, err, errBoom)
	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 1, ae.DC)
	assert.Empty(t, h.tr.sent(), "nothing dispatched")
	assert.False(t, h.e.IsAuthenticatedOn(1))
	assert.False(t, h.e.IsNetworkReady())
}

func TestEnsureAuthenticatedCollapsesConcurrentHandshakes(t *testing.T) {
	h := newHarness(t)
	h.hs.gate = make(chan struct{})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.e.EnsureAuthenticated(context.Background(), 2)
		}()
	}
	close(h.hs.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.hs.count(2))
	assert.True(t, h.e.IsAuthenticatedOn(2))
}

func TestEnsureAuthenticatedNoopWhenPresent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.EnsureAuthenticated(context.Background(), 3))
	require.NoError(t, h.e.EnsureAuthenticated(context.Background(), 3))
	assert.Equal(t, 1, h.hs.count(3))
	assert.Equal(t, DefaultDC, h.e.DC(), "ensure does not switch")
	require.ErrorIs(t, h.e.EnsureAuthenticated(context.Background(), 7), ErrInvalidDC)
}

func TestAuthenticateAllAuthenticatesEveryDC(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SwitchDC(4))
	require.NoError(t, h.e.AuthenticateAll(context.Background()))
	assert.Equal(t, 4, h.e.DC())
	for dc := MinDC; dc <= MaxDC; dc++ {
		assert.Equal(t, 1, h.hs.count(dc))
		assert.True(t, h.e.IsAuthenticatedOn(dc))
	}
}

func TestAuthenticateAllRestoresDC(t *testing.T) {
	cases := []struct {
		start, fail int
	}{
		{start: 1, fail: 1},
		{start: 2, fail: 5},
		{start: 3, fail: 4},
		{start: 4, fail: 1},
		{start: 5, fail: 5},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("start%d_fail%d", tc.start, tc.fail), func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.e.SwitchDC(tc.start))
			h.hs.fail[tc.fail] = errBoom

			err := h.e.AuthenticateAll(context.Background())
			var ae *AuthError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tc.fail, ae.DC)
			assert.Equal(t, tc.start, h.e.DC())

			dc, ok, err := h.db.Get(store.KeyDC)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, store.EncodeInt(int64(tc.start)), dc, "restored DC is persisted")
			for d := MinDC; d <= MaxDC; d++ {
				assert.Equal(t, d != tc.fail, h.e.IsAuthenticatedOn(d), "dc %d", d)
			}
		})
	}
}

func TestAuthenticateAllAggregatesFailures(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SwitchDC(2))
	h.hs.fail[3] = errBoom
	err := h.e.AuthenticateAll(context.Background())
	require.Error(t, err)
	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 3, ae.DC)
	assert.Equal(t, 2, h.e.DC(), "original DC restored on failure")
	assert.False(t, h.e.IsAuthenticatedOn(3))
	for _, dc := range []int{1, 2, 4, 5} {
		assert.True(t, h.e.IsAuthenticatedOn(dc), "dc %d", dc)
	}
}

func TestAuthenticateAllStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SwitchDC(5))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.e.AuthenticateAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, h.e.DC())
	assert.Zero(t, h.hs.total.Load())
}

func TestAuthenticateStaysOnDC(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.Authenticate(context.Background(), 5))
	assert.Equal(t, 5, h.e.DC())
	require.NoError(t, h.e.Authenticate(context.Background(), 5))
	assert.Equal(t, 2, h.hs.count(5), "explicit authenticate always handshakes")
}

func TestAuthenticateDoesNotJoinLazyHandshake(t *testing.T) {
	h := newHarness(t)
	h.hs.gate = make(chan struct{})

	lazy := make(chan error, 1)
	go func() { lazy <- h.e.EnsureAuthenticated(context.Background(), 3) }()
	require.Eventually(t, func() bool { return h.hs.total.Load() == 1 }, time.Second, time.Millisecond)

	explicit := make(chan error, 1)
	go func() { explicit <- h.e.Authenticate(context.Background(), 3) }()
	require.Eventually(t, func() bool { return h.hs.total.Load() == 2 }, time.Second, time.Millisecond)

	close(h.hs.gate)
	require.NoError(t, <-lazy)
	require.NoError(t, <-explicit)
	assert.Equal(t, 2, h.hs.count(3), "explicit authenticate runs its own handshake")
}

func TestForgetDropsCredentials(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.EnsureAuthenticated(context.Background(), 2))
	require.NoError(t, h.e.EnsureAuthenticated(context.Background(), 4))

	require.NoError(t, h.e.Forget(2))
	assert.False(t, h.e.IsAuthenticatedOn(2))
	assert.True(t, h.e.IsNetworkReady(), "dc 4 still holds a key")
	keys, err := h.db.Keys()
	require.NoError(t, err)
	assert.NotContains(t, keys, store.AuthKey(2))
	assert.Contains(t, keys, store.AuthKey(4))

	require.NoError(t, h.e.Forget(4))
	assert.False(t, h.e.IsNetworkReady())
	require.ErrorIs(t, h.e.Forget(0), ErrInvalidDC)

	require.NoError(t, h.e.EnsureAuthenticated(context.Background(), 2))
	assert.Equal(t, 2, h.hs.count(2), "forgotten dc handshakes again")
}

func TestAuthEnvelopeRequiresCredentials(t *testing.T) {
	h := newHarness(t)
	_, err := h.e.authEnvelope(2, true)
	require.ErrorIs(t, err, ErrNotAuthenticated)
	_, ok, err := h.e.Credentials(2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeqNoParity(t *testing.T) {
	h := newHarness(t)
	h.codec.nearest = 1
	ctx := context.Background()
	_, err := h.e.InvokeAuthenticated(ctx, method("a"))
	require.NoError(t, err)
	svc := method("ack")
	svc.Service = true
	_, err = h.e.InvokeAuthenticated(ctx, svc)
	require.NoError(t, err)
	_, err = h.e.InvokeAuthenticated(ctx, method("b"))
	require.NoError(t, err)

	all := h.codec.all()
	require.Len(t, all, 4)
	// init=1, a=3, ack=4, b=5
	assert.Equal(t, []int32{1, 3, 4, 5}, []int32{all[0].env.SeqNo, all[1].env.SeqNo, all[2].env.SeqNo, all[3].env.SeqNo})
}

func TestMessageIDsIncreaseAcrossDCs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := h.e.InvokeUnauthenticatedOn(ctx, 1+i%MaxDC, method("p"))
		require.NoError(t, err)
	}
	var last int64
	for _, s := range h.codec.all() {
		require.Greater(t, s.env.MessageID, last)
		require.Zero(t, s.env.MessageID&3)
		last = s.env.MessageID
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	h.codec.nearest = 3
	_, err := h.e.InvokeAuthenticated(context.Background(), method("a"))
	require.NoError(t, err)
	require.Equal(t, 3, h.e.DC())
	sid, _, _ := h.db.Get(store.KeySessionID)

	require.NoError(t, h.e.Reset())
	assert.Equal(t, StateCold, h.e.State())
	assert.Equal(t, DefaultDC, h.e.DC())
	assert.False(t, h.e.IsNetworkReady())
	assert.False(t, h.e.IsAuthenticatedOn(3))

	out, err := h.e.InvokeUnauthenticated(context.Background(), method("p"))
	require.NoError(t, err)
	assert.False(t, out.Empty())
	assert.Equal(t, StateReady, h.e.State())
	sid2, ok, _ := h.db.Get(store.KeySessionID)
	require.True(t, ok)
	assert.NotEqual(t, sid, sid2, "fresh session id after reset")
}

func TestVerboseLogging(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	h := newHarness(t, func(o *Options) {
		o.Logger = &log
		o.Verbose = true
		o.VerboseTables = true
	})
	_, err := h.e.InvokeUnauthenticated(context.Background(), method("help"))
	require.NoError(t, err)
	s := buf.String()
	assert.Contains(t, s, `"message":"rpc.request"`)
	assert.Contains(t, s, `"message":"rpc.result"`)
	assert.Contains(t, s, `"hex"`)
	assert.Contains(t, s, `"method":"help"`)
}

func TestQuietByDefault(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	h := newHarness(t, func(o *Options) { o.Logger = &log })
	_, err := h.e.InvokeUnauthenticated(context.Background(), method("help"))
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "rpc.request")
}

func TestErrorsMatch(t *testing.T) {
	var err error = &NackError{DC: 1, Predicate: proto.PredicateBadServerSalt, Code: 48, Retried: true}
	assert.True(t, errors.Is(err, ErrNegativeAck))
	assert.Contains(t, err.Error(), "after retry")
	err = &AuthError{DC: 2, Err: errBoom}
	assert.True(t, errors.Is(err, ErrAuthFailed))
	assert.True(t, errors.Is(err, errBoom))
}

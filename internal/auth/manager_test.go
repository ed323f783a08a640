package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "fractal-arena/internal/errors"
	"fractal-arena/internal/fractal"
	"fractal-arena/internal/retry"
)

type verifyReply struct {
	resp *fractal.Response
	err  error
}

type fakeCaller struct {
	mu       sync.Mutex
	replies  []verifyReply
	verifies []fractal.VerifyRequest
	nonces   int
}

func (f *fakeCaller) Call(_ context.Context, endpoint, method, token string, body any) (*fractal.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch endpoint {
	case "/auth/nonce":
		f.nonces++
		return &fractal.Response{Status: 200, Data: json.RawMessage(`{"nonce":"n-123"}`)}, nil
	case "/auth/verify":
		f.verifies = append(f.verifies, body.(fractal.VerifyRequest))
		if len(f.replies) == 0 {
			return ok(), nil
		}
		next := f.replies[0]
		f.replies = f.replies[1:]
		return next.resp, next.err
	}
	return &fractal.Response{Status: http.StatusNotFound}, nil
}

func ok() *fractal.Response {
	return &fractal.Response{Status: 200, Data: json.RawMessage(`{"user":{"id":42},"accessToken":"tok-1"}`)}
}

func status(code int, body string) verifyReply {
	return verifyReply{resp: &fractal.Response{Status: code, Data: json.RawMessage(body)}}
}

type fakeSigner struct {
	signed [][]byte
}

func (s *fakeSigner) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}

func (s *fakeSigner) SignMessage(message []byte) (string, error) {
	s.signed = append(s.signed, message)
	return "0xsig", nil
}

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 678_000_000, time.UTC)

func newManager(t *testing.T, caller fractal.Caller) (*Manager, *retry.Recorder, *fakeSigner) {
	t.Helper()
	rec := &retry.Recorder{}
	signer := &fakeSigner{}
	m, err := NewManager(caller, signer,
		WithSleeper(rec),
		WithReferralCode("REF1"),
		WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)
	return m, rec, signer
}

func TestBuildMessage(t *testing.T) {
	want := "dapp.fractionai.xyz wants you to sign in with your Ethereum account:\n" +
		"0xABC\n\nSign in with your wallet to Fraction AI.\n\n" +
		"URI: https://dapp.fractionai.xyz\nVersion: 1\nChain ID: 11155111\n" +
		"Nonce: n-1\nIssued At: 2024-01-02T03:04:05.678Z"
	local := fixedNow.In(time.FixedZone("UTC+8", 8*3600))
	assert.Equal(t, want, BuildMessage("0xABC", "n-1", local))
}

func TestLoginSuccess(t *testing.T) {
	caller := &fakeCaller{}
	m, rec, signer := newManager(t, caller)
	assert.Equal(t, StateUnauthenticated, m.State())

	session, err := m.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", session.Token)
	assert.EqualValues(t, 42, session.User.ID)
	assert.Equal(t, StateVerified, m.State())
	assert.Empty(t, rec.Waits())

	require.Len(t, caller.verifies, 1)
	req := caller.verifies[0]
	assert.Equal(t, "0xsig", req.Signature)
	assert.Equal(t, "REF1", req.ReferralCode)
	assert.Equal(t, BuildMessage(signer.Address().Hex(), "n-123", fixedNow), req.Message)
	assert.Equal(t, req.Message, string(signer.signed[0]))
}

func TestLoginRetriesBadGateway(t *testing.T) {
	caller := &fakeCaller{replies: []verifyReply{
		status(http.StatusBadGateway, `{}`),
		status(http.StatusBadGateway, `{}`),
	}}
	m, rec, _ := newManager(t, caller)

	session, err := m.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", session.Token)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.Waits())
	assert.Equal(t, []string{"Retry attempt 1/3", "Retry attempt 2/3"}, rec.Notes())
	assert.Equal(t, 3, caller.nonces)
}

func TestLoginExhaustsRetries(t *testing.T) {
	caller := &fakeCaller{replies: []verifyReply{
		status(http.StatusGatewayTimeout, `{}`),
		status(http.StatusBadGateway, `{}`),
		status(http.StatusBadGateway, `{}`),
		status(http.StatusBadGateway, `{"error":"bad gateway"}`),
	}}
	m, rec, _ := newManager(t, caller)

	_, err := m.Login(context.Background())
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeAuthentication, xerrors.CodeOf(err))
	assert.Equal(t, http.StatusBadGateway, xerrors.StatusOf(err))
	assert.Contains(t, err.Error(), "bad gateway")
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.Waits())
	assert.Equal(t, StateUnauthenticated, m.State())
	assert.Nil(t, m.Session())
}

func TestLoginRateLimitDoesNotConsumeRetries(t *testing.T) {
	caller := &fakeCaller{replies: []verifyReply{
		status(http.StatusTooManyRequests, `{}`),
		status(http.StatusTooManyRequests, `{}`),
		status(http.StatusTooManyRequests, `{}`),
		status(http.StatusTooManyRequests, `{}`),
	}}
	m, rec, _ := newManager(t, caller)

	_, err := m.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Count(time.Minute))
	assert.Len(t, rec.Waits(), 4)
}

func TestLoginRateLimitAfterRetryRepeatsBackoff(t *testing.T) {
	caller := &fakeCaller{replies: []verifyReply{
		status(http.StatusBadGateway, `{}`),
		status(http.StatusTooManyRequests, `{}`),
	}}
	m, rec, _ := newManager(t, caller)

	_, err := m.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second, time.Minute, 2 * time.Second}, rec.Waits())
}

func TestLoginTransportErrorMentioning502(t *testing.T) {
	caller := &fakeCaller{replies: []verifyReply{
		{err: errors.New("upstream returned 502")},
	}}
	m, rec, _ := newManager(t, caller)

	_, err := m.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, rec.Waits())
}

func TestLoginTransportErrorMentioning504IsNotRetried(t *testing.T) {
	caller := &fakeCaller{replies: []verifyReply{
		{err: errors.New("upstream returned 504")},
	}}
	m, rec, _ := newManager(t, caller)

	_, err := m.Login(context.Background())
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeAuthentication, xerrors.CodeOf(err))
	assert.Empty(t, rec.Waits())
	assert.Len(t, caller.verifies, 1)
}

func TestLoginPermanentFailure(t *testing.T) {
	caller := &fakeCaller{replies: []verifyReply{
		status(http.StatusBadRequest, `{"error":"invalid signature"}`),
	}}
	m, rec, _ := newManager(t, caller)

	_, err := m.Login(context.Background())
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeAuthentication, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "Authentication failed: invalid signature")
	assert.Empty(t, rec.Waits())
}

func TestLoginOtherTransportFailure(t *testing.T) {
	caller := &fakeCaller{replies: []verifyReply{
		{err: xerrors.New(xerrors.CodeTransport, "dial tcp: connection refused")},
	}}
	m, _, _ := newManager(t, caller)

	_, err := m.Login(context.Background())
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeAuthentication, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "Login failed")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestInvalidate(t *testing.T) {
	m, _, _ := newManager(t, &fakeCaller{})
	_, err := m.Login(context.Background())
	require.NoError(t, err)
	require.True(t, m.Session().Valid())

	m.Invalidate()
	assert.Nil(t, m.Session())
	assert.False(t, m.Session().Valid())
	assert.Equal(t, StateUnauthenticated, m.State())
}

func TestNewManagerValidatesArguments(t *testing.T) {
	_, err := NewManager(nil, &fakeSigner{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = NewManager(&fakeCaller{}, nil)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

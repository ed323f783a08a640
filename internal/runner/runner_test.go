package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fractal-arena/internal/auth"
	xerrors "fractal-arena/internal/errors"
	"fractal-arena/internal/events"
	"fractal-arena/internal/fractal"
	"fractal-arena/internal/observability/alerting"
	"fractal-arena/internal/retry"
	"fractal-arena/internal/scheduler"
)

type fakeAuth struct {
	mu          sync.Mutex
	session     *auth.Session
	failures    int
	logins      int
	invalidated int
}

func (f *fakeAuth) Login(context.Context) (*auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if f.failures > 0 {
		f.failures--
		return nil, xerrors.New(xerrors.CodeAuthentication, "Authentication failed: 502")
	}
	f.session = &auth.Session{User: fractal.User{ID: 9}, Token: "tok"}
	return f.session, nil
}

func (f *fakeAuth) Session() *auth.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeAuth) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	f.session = nil
}

type fakePass struct {
	mu       sync.Mutex
	results   []error
	passes    int
	refreshs  int
	wallet    string
	onProcess func()
}

func (f *fakePass) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshs++
	return nil
}

func (f *fakePass) ProcessAgents(context.Context) error {
	if f.onProcess != nil {
		f.onProcess()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes++
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

func (f *fakePass) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Wallet: f.wallet}
}

type fakeBalance struct{ err error }

func (f fakeBalance) RefreshBalance(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "1.5", nil
}

func TestRunLogsInAndSchedules(t *testing.T) {
	authn := &fakeAuth{}
	pass := &fakePass{wallet: "0xa"}
	buf := events.NewMemory(16)
	r := New([]Worker{{Address: "0xa", Auth: authn, Scheduler: pass, Balance: fakeBalance{}}},
		WithPublisher(buf), WithSleeper(&retry.Recorder{}), WithMaxIterations(3))

	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, 1, authn.logins)
	assert.Equal(t, 1, pass.refreshs)
	assert.Equal(t, 3, pass.passes)
	assert.False(t, r.Running("0xa"))
	assert.NotEmpty(t, r.RunID())

	recent := buf.Recent("0xa", 0)
	require.Len(t, recent, 3)
	assert.Equal(t, events.TypeWorkerStopped, recent[0].Type)
	assert.Equal(t, events.TypeLoggedIn, recent[1].Type)
	assert.Equal(t, events.TypeBalanceUpdated, recent[2].Type)
	assert.Equal(t, "1.5", recent[2].Data["eth"])
}

func TestRunRetriesFailedLogin(t *testing.T) {
	authn := &fakeAuth{failures: 1}
	pass := &fakePass{}
	rec := &retry.Recorder{}
	r := New([]Worker{{Address: "0xa", Auth: authn, Scheduler: pass, Balance: fakeBalance{err: errors.New("rpc down")}}},
		WithSleeper(rec), WithMaxIterations(2))

	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, 2, authn.logins)
	assert.Equal(t, 1, pass.passes)
	assert.Equal(t, []time.Duration{ErrorPause}, rec.Waits())
}

type fakeAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (f *fakeAlerts) Notify(_ context.Context, event alerting.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func TestRunAlertsOnLoginFailures(t *testing.T) {
	authn := &fakeAuth{failures: 2}
	alerts := &fakeAlerts{}
	r := New([]Worker{{Address: "0xa", Auth: authn, Scheduler: &fakePass{}}},
		WithSleeper(&retry.Recorder{}), WithAlerts(alerts), WithMaxIterations(3))

	require.NoError(t, r.Run(context.Background()))

	require.Len(t, alerts.events, 2)
	assert.Equal(t, xerrors.CodeAuthentication, alerts.events[0].Code)
	assert.Equal(t, 1, alerts.events[0].Attempts)
	assert.Equal(t, 2, alerts.events[1].Attempts)
	assert.Equal(t, "0xa", alerts.events[1].Wallet)
}

func TestRunHandlesPassErrors(t *testing.T) {
	authn := &fakeAuth{}
	pass := &fakePass{results: []error{
		xerrors.ErrNoAgents,
		xerrors.New(xerrors.CodeQuotaExceeded, "Session limit reached: 6 sessions per hour"),
		xerrors.New(xerrors.CodeBackendRejected, "Unauthorized", xerrors.WithStatus(401)),
		xerrors.New(xerrors.CodeBackendRejected, "boom"),
	}}
	rec := &retry.Recorder{}
	r := New([]Worker{{Address: "0xa", Auth: authn, Scheduler: pass}},
		WithSleeper(rec), WithMaxIterations(5))

	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, 5, pass.passes)
	assert.Equal(t, 1, authn.invalidated)
	assert.Equal(t, 2, authn.logins)
	// 登录两次各刷新一次，NoAgents 再刷新一次
	assert.Equal(t, 3, pass.refreshs)
	assert.Equal(t, []time.Duration{ErrorPause}, rec.Waits())
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	authn := &fakeAuth{}
	pass := &fakePass{}
	sleeper := retry.SleeperFunc(func(ctx context.Context, _ time.Duration, _ string) error {
		return ctx.Err()
	})
	r := New([]Worker{
		{Address: "0xa", Auth: authn, Scheduler: pass},
		{Address: "0xb", Auth: &fakeAuth{}, Scheduler: &fakePass{}},
	}, WithSleeper(sleeper))

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunRequiresWorkers(t *testing.T) {
	err := New(nil).Run(context.Background())
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestSnapshots(t *testing.T) {
	r := New([]Worker{
		{Address: "0xa", Auth: &fakeAuth{}, Scheduler: &fakePass{wallet: "0xa"}},
		{Address: "0xb", Auth: &fakeAuth{}, Scheduler: &fakePass{wallet: "0xb"}},
	})
	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "0xb", snaps[1].Wallet)
	assert.False(t, snaps[0].Running)
}

func TestSnapshotsReportRunningWorkers(t *testing.T) {
	pass := &fakePass{wallet: "0xa"}
	r := New([]Worker{{Address: "0xa", Auth: &fakeAuth{}, Scheduler: pass}},
		WithSleeper(&retry.Recorder{}), WithMaxIterations(1))
	var during []scheduler.Snapshot
	pass.onProcess = func() { during = r.Snapshots() }

	require.NoError(t, r.Run(context.Background()))

	require.Len(t, during, 1)
	assert.True(t, during[0].Running)
	assert.False(t, r.Snapshots()[0].Running)
}

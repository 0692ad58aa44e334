package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/claimharvest/internal/browser"
	"github.com/shehryarbajwa/claimharvest/internal/config"
	"github.com/shehryarbajwa/claimharvest/internal/errs"
	"github.com/shehryarbajwa/claimharvest/internal/logger"
	"github.com/shehryarbajwa/claimharvest/internal/login"
	"github.com/shehryarbajwa/claimharvest/internal/vault"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

type fakeLauncher struct {
	launches  atomic.Int32
	stops     atomic.Int32
	launchErr error
}

func (f *fakeLauncher) Launch(_ context.Context, sessionID string) (*browser.Viewer, error) {
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	f.launches.Add(1)
	return &browser.Viewer{
		ContainerID: "ctr-" + sessionID,
		SessionID:   sessionID,
		CDPURL:      "http://localhost:9222",
		ViewerURL:   "http://localhost:6080/vnc.html",
	}, nil
}

func (f *fakeLauncher) Stop(context.Context, string) error {
	f.stops.Add(1)
	return nil
}

type fakePage struct {
	mu       sync.Mutex
	url      string
	filled   *models.Credentials
	closes   atomic.Int32
	done     chan struct{}
	doneOnce sync.Once
}

func newFakePage() *fakePage {
	return &fakePage{url: "https://portal.example/Login.aspx", done: make(chan struct{})}
}

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) HasSelector(context.Context, string) (bool, error) { return false, nil }
func (p *fakePage) Done() <-chan struct{}                             { return p.done }

func (p *fakePage) StorageState(context.Context) (*models.StorageState, error) {
	return &models.StorageState{Cookies: []models.Cookie{{Name: "ASP.NET_SessionId", Value: "abc"}}}, nil
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *fakePage) FillCredentials(_ context.Context, _, _ string, creds models.Credentials) error {
	p.mu.Lock()
	p.filled = &creds
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }

func (p *fakePage) Close() error {
	p.closes.Add(1)
	p.kill()
	return nil
}

func (p *fakePage) login() {
	p.mu.Lock()
	p.url = "https://portal.example/Extranet.aspx"
	p.mu.Unlock()
}

func (p *fakePage) kill() { p.doneOnce.Do(func() { close(p.done) }) }

type fakeDriver struct {
	mu    sync.Mutex
	pages []*fakePage
}

func (d *fakeDriver) Attach(context.Context, string) (Page, error) {
	p := newFakePage()
	d.mu.Lock()
	d.pages = append(d.pages, p)
	d.mu.Unlock()
	return p, nil
}

func (d *fakeDriver) last() *fakePage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pages[len(d.pages)-1]
}

type fixture struct {
	orch     *Orchestrator
	launcher *fakeLauncher
	driver   *fakeDriver
	vault    *vault.Vault
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	det, err := login.NewDetector(config.LoginConfig{
		PollInterval: 2 * time.Millisecond,
		URLPattern:   `(?i)Extranet\.aspx`,
		Markers:      []string{"#menuPrincipal"},
	})
	require.NoError(t, err)
	v, err := vault.New(nil, time.Hour)
	require.NoError(t, err)

	f := &fixture{launcher: &fakeLauncher{}, driver: &fakeDriver{}, vault: v}
	if opts.TargetURL == "" {
		opts.TargetURL = "https://portal.example/Login.aspx"
	}
	f.orch = NewOrchestrator(opts, f.launcher, f.driver, det, v)
	return f
}

func TestStartSingleFlight(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s, err := f.orch.Start(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingLogin, s.State)
	assert.NotEmpty(t, s.ViewerURL)

	for i := 0; i < 5; i++ {
		_, err := f.orch.Start(ctx, "", nil)
		assert.ErrorIs(t, err, errs.ErrSessionConflict)
	}
	assert.Equal(t, int32(1), f.launcher.launches.Load())

	require.NoError(t, f.orch.Close(ctx, s.ID))
	_, err = f.orch.Start(ctx, "", nil)
	assert.NoError(t, err)
}

func TestStartConcurrentClaims(t *testing.T) {
	f := newFixture(t, Options{})

	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Start(context.Background(), "", nil)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, errs.ErrSessionConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), conflicts.Load())
}

func TestStartPrefillsCredentials(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.orch.Start(context.Background(), "", &models.Credentials{Username: "11111111-1", Password: "secret"})
	require.NoError(t, err)

	p := f.driver.last()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotNil(t, p.filled)
	assert.Equal(t, "11111111-1", p.filled.Username)
}

func TestStartLaunchFailureReleasesSlot(t *testing.T) {
	f := newFixture(t, Options{})
	f.launcher.launchErr = errors.New("docker unavailable")

	_, err := f.orch.Start(context.Background(), "", nil)
	require.Error(t, err)

	sessions := f.orch.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, models.StateFailed, sessions[0].State)

	f.launcher.launchErr = nil
	_, err = f.orch.Start(context.Background(), "", nil)
	assert.NoError(t, err)
}

func TestCloseIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s, err := f.orch.Start(ctx, "", nil)
	require.NoError(t, err)

	require.NoError(t, f.orch.Close(ctx, s.ID))
	require.NoError(t, f.orch.Close(ctx, s.ID))

	got, err := f.orch.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateClosed, got.State)
	assert.Equal(t, int32(1), f.launcher.stops.Load())
	assert.Equal(t, int32(1), f.driver.last().closes.Load())
}

func TestCloseUnknownSession(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.orch.Close(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestAwaitLoginHandsOff(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s, err := f.orch.Start(ctx, "", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.driver.last().login()
	}()

	captured, err := f.orch.AwaitLogin(ctx, s.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, s.ID, captured.SessionID)
	assert.Nil(t, captured.State)

	got, _ := f.orch.Get(s.ID)
	assert.Equal(t, models.StateHandedOff, got.State)

	redeemed, err := f.vault.Redeem(captured.Token)
	require.NoError(t, err)
	require.NotNil(t, redeemed.State)
	assert.Equal(t, "ASP.NET_SessionId", redeemed.State.Cookies[0].Name)

	require.NoError(t, f.orch.Close(ctx, s.ID))
	got, _ = f.orch.Get(s.ID)
	assert.Equal(t, models.StateClosed, got.State)
	assert.Equal(t, int32(1), f.launcher.stops.Load())
}

func TestAwaitLoginTimeout(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s, err := f.orch.Start(ctx, "", nil)
	require.NoError(t, err)

	_, err = f.orch.AwaitLogin(ctx, s.ID, 20*time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrLoginTimeout)
	assert.Equal(t, "LoginTimeout", errs.Kind(err))

	got, _ := f.orch.Get(s.ID)
	assert.Equal(t, models.StateTimedOut, got.State)
	assert.Equal(t, int32(1), f.launcher.stops.Load())
	assert.Equal(t, int32(1), f.driver.last().closes.Load())

	// slot is free again
	_, err = f.orch.Start(ctx, "", nil)
	assert.NoError(t, err)
}

func TestAwaitLoginSessionLost(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s, err := f.orch.Start(ctx, "", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.driver.last().kill()
	}()

	_, err = f.orch.AwaitLogin(ctx, s.ID, time.Second)
	assert.ErrorIs(t, err, errs.ErrSessionLost)

	got, _ := f.orch.Get(s.ID)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, int32(1), f.launcher.stops.Load())
}

func TestAwaitLoginAfterTerminal(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s, err := f.orch.Start(ctx, "", nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.Close(ctx, s.ID))

	_, err = f.orch.AwaitLogin(ctx, s.ID, time.Second)
	assert.ErrorIs(t, err, errs.ErrSessionLost)
}

func TestCloseDuringAwaitReleasesOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, Options{})
		ctx := context.Background()

		s, err := f.orch.Start(ctx, "", nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = f.orch.AwaitLogin(ctx, s.ID, 3*time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			f.driver.last().login()
		}()
		go func() {
			defer wg.Done()
			time.Sleep(2 * time.Millisecond)
			_ = f.orch.Close(ctx, s.ID)
		}()
		wg.Wait()
		require.NoError(t, f.orch.Close(ctx, s.ID))

		got, _ := f.orch.Get(s.ID)
		assert.True(t, got.State.Terminal(), "state %s", got.State)
		assert.Equal(t, int32(1), f.launcher.stops.Load())
		assert.Equal(t, int32(1), f.driver.last().closes.Load())
	}
}

func TestLifetimeGuard(t *testing.T) {
	f := newFixture(t, Options{MaxLifetime: 15 * time.Millisecond})

	s, err := f.orch.Start(context.Background(), "", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, _ := f.orch.Get(s.ID)
		return got.State == models.StateTimedOut
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.launcher.stops.Load())
}

func TestScreenshotAndViewerSignal(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s, err := f.orch.Start(ctx, "", nil)
	require.NoError(t, err)

	png, err := f.orch.Screenshot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), png)

	f.orch.MarkViewerConnected(s.ID, true)
	got, _ := f.orch.Get(s.ID)
	assert.True(t, got.ViewerConnected)
	assert.Equal(t, s.ID, f.orch.Active().ID)

	f.orch.Shutdown(ctx)
	_, err = f.orch.Screenshot(ctx, s.ID)
	assert.Error(t, err)
	assert.Nil(t, f.orch.Active())
}

func TestLegalEdges(t *testing.T) {
	tests := []struct {
		from, to models.SessionState
		want     bool
	}{
		{models.StateCreated, models.StateBrowserLaunched, true},
		{models.StateCreated, models.StateAwaitingLogin, false},
		{models.StateAwaitingLogin, models.StateTimedOut, true},
		{models.StateLoginDetected, models.StateTimedOut, false},
		{models.StateHandedOff, models.StateClosed, true},
		{models.StateStateCaptured, models.StateFailed, true},
		{models.StateClosed, models.StateFailed, false},
		{models.StateTimedOut, models.StateClosed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, legal(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTeardownLogsCarrySessionID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(logger.New(logger.Config{Level: "debug", Format: "json"}, &buf))
	t.Cleanup(func() { slog.SetDefault(prev) })

	f := newFixture(t, Options{})
	ctx := context.Background()
	s, err := f.orch.Start(ctx, "", nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.Close(ctx, s.ID))

	var transitions []string
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var line map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &line))
		if line["msg"] != "session transition" {
			continue
		}
		assert.Equal(t, s.ID, line["session_id"])
		transitions = append(transitions, line["to"].(string))
	}
	assert.Equal(t, []string{"BROWSER_LAUNCHED", "AWAITING_LOGIN", "CLOSED"}, transitions)
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/claimharvest/internal/browser"
	"github.com/shehryarbajwa/claimharvest/internal/errs"
	"github.com/shehryarbajwa/claimharvest/internal/logger"
	"github.com/shehryarbajwa/claimharvest/internal/login"
	"github.com/shehryarbajwa/claimharvest/internal/vault"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// Launcher starts and stops the viewer container hosting the remote browser
type Launcher interface {
	Launch(ctx context.Context, sessionID string) (*browser.Viewer, error)
	Stop(ctx context.Context, containerID string) error
}

// Page is the automation handle on the remote browser's tab
type Page interface {
	login.Page
	vault.Source
	Navigate(ctx context.Context, url string) error
	FillCredentials(ctx context.Context, userSel, passSel string, creds models.Credentials) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Driver attaches to a browser through its CDP endpoint
type Driver interface {
	Attach(ctx context.Context, cdpURL string) (Page, error)
}

// Capturer seals the authenticated state of a page
type Capturer interface {
	Capture(ctx context.Context, sessionID string, src vault.Source) (*models.CapturedState, error)
}

type chromeDriver struct{}

func (chromeDriver) Attach(ctx context.Context, cdpURL string) (Page, error) {
	p, err := browser.Attach(ctx, cdpURL)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ChromeDriver attaches through chromedp
func ChromeDriver() Driver { return chromeDriver{} }

// Options tune the orchestrator
type Options struct {
	TargetURL        string
	UsernameSelector string
	PasswordSelector string
	// MaxLifetime tears down a session nobody finished, whatever its state.
	MaxLifetime time.Duration
	// Retention keeps terminal sessions visible to Get/List for this long.
	Retention time.Duration
}

func (o *Options) setDefaults() {
	if o.UsernameSelector == "" {
		o.UsernameSelector = "#LogAcceso_UserName"
	}
	if o.PasswordSelector == "" {
		o.PasswordSelector = "#LogAcceso_Password"
	}
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = time.Hour
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
}

var edges = map[models.SessionState][]models.SessionState{
	models.StateCreated:         {models.StateBrowserLaunched},
	models.StateBrowserLaunched: {models.StateAwaitingLogin},
	models.StateAwaitingLogin:   {models.StateLoginDetected, models.StateTimedOut},
	models.StateLoginDetected:   {models.StateStateCaptured},
	models.StateStateCaptured:   {models.StateHandedOff},
	models.StateHandedOff:       {models.StateClosed},
}

// legal reports whether from → to is an edge of the lifecycle. Every
// non-terminal state may fail or be aborted to CLOSED.
func legal(from, to models.SessionState) bool {
	if from.Terminal() {
		return false
	}
	if to == models.StateFailed || to == models.StateClosed {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

type liveSession struct {
	mu       sync.Mutex
	s        models.RemoteSession
	page     Page
	awaiting bool
	// log carries the session id for work that outlives any request context.
	log *slog.Logger

	lifetime    *time.Timer
	releaseOnce sync.Once
	released    chan struct{}
}

func (l *liveSession) snapshot() *models.RemoteSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.s
	return &s
}

func (l *liveSession) state() models.SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s.State
}

// Orchestrator owns the single remote login session the system may run
type Orchestrator struct {
	slot     *semaphore.Weighted
	launcher Launcher
	driver   Driver
	detector *login.Detector
	vault    Capturer
	opts     Options
	now      func() time.Time

	sessions sync.Map // id -> *liveSession
}

func NewOrchestrator(opts Options, launcher Launcher, driver Driver, detector *login.Detector, v Capturer) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		slot:     semaphore.NewWeighted(1),
		launcher: launcher,
		driver:   driver,
		detector: detector,
		vault:    v,
		opts:     opts,
		now:      time.Now,
	}
}

// Start claims the session slot, launches the viewer and opens the target
// page. It returns as soon as the operator can connect.
func (o *Orchestrator) Start(ctx context.Context, targetURL string, creds *models.Credentials) (*models.RemoteSession, error) {
	if !o.slot.TryAcquire(1) {
		return nil, errs.E("start session", errs.ErrSessionConflict, nil)
	}
	o.prune()

	if targetURL == "" {
		targetURL = o.opts.TargetURL
	}
	now := o.now()
	l := &liveSession{
		s: models.RemoteSession{
			ID:        uuid.NewString(),
			State:     models.StateCreated,
			TargetURL: targetURL,
			CreatedAt: now,
			UpdatedAt: now,
		},
		released: make(chan struct{}),
	}
	ctx = logger.WithSession(ctx, l.s.ID)
	log := logger.From(ctx)
	l.log = logger.From(logger.WithSession(context.Background(), l.s.ID))
	o.sessions.Store(l.s.ID, l)

	viewer, err := o.launcher.Launch(ctx, l.s.ID)
	if err != nil {
		o.transition(l, models.StateFailed, "viewer launch failed")
		return nil, fmt.Errorf("launch viewer: %w", err)
	}
	l.mu.Lock()
	l.s.ContainerID = viewer.ContainerID
	l.s.ViewerURL = viewer.ViewerURL
	l.s.WebsockifyURL = viewer.WebsockifyURL
	l.mu.Unlock()
	o.transition(l, models.StateBrowserLaunched, "")

	page, err := o.driver.Attach(ctx, viewer.CDPURL)
	if err != nil {
		o.transition(l, models.StateFailed, "browser attach failed")
		return nil, fmt.Errorf("attach browser: %w", err)
	}
	l.mu.Lock()
	l.page = page
	l.mu.Unlock()

	if err := page.Navigate(ctx, targetURL); err != nil {
		o.transition(l, models.StateFailed, "navigation failed")
		return nil, fmt.Errorf("open %s: %w", targetURL, err)
	}
	if creds != nil {
		if err := page.FillCredentials(ctx, o.opts.UsernameSelector, o.opts.PasswordSelector, *creds); err != nil {
			log.Warn("could not prefill login form", "error", err)
		}
	}

	if !o.transition(l, models.StateAwaitingLogin, "") {
		return nil, o.stateErr("start session", l.state())
	}
	l.mu.Lock()
	l.lifetime = time.AfterFunc(o.opts.MaxLifetime, func() { o.expire(l) })
	l.mu.Unlock()

	log.Info("session ready for operator", "viewer_url", viewer.ViewerURL)
	return l.snapshot(), nil
}

// AwaitLogin suspends until the operator's login is detected, then captures
// the authenticated state and hands it off. Timeout and browser loss tear
// the session down.
func (o *Orchestrator) AwaitLogin(ctx context.Context, id string, timeout time.Duration) (*models.CapturedState, error) {
	l, err := o.lookup(id)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.s.State != models.StateAwaitingLogin || l.awaiting {
		state := l.s.State
		busy := l.awaiting
		l.mu.Unlock()
		if busy {
			return nil, errs.E("await login", errs.ErrSessionConflict, fmt.Errorf("login already awaited"))
		}
		return nil, o.stateErr("await login", state)
	}
	l.awaiting = true
	page := l.page
	l.mu.Unlock()

	ctx = logger.WithSession(ctx, id)
	log := logger.From(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		select {
		case <-l.released:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if err := o.detector.Wait(waitCtx, page); err != nil {
		switch {
		case errors.Is(err, errs.ErrSessionLost):
			if o.transition(l, models.StateFailed, "browser session lost") {
				return nil, err
			}
		case errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			if o.transition(l, models.StateTimedOut, "login not detected in time") {
				log.Warn("login wait timed out", "timeout", timeout)
				return nil, errs.E("await login", errs.ErrLoginTimeout, nil)
			}
		default:
			if o.transition(l, models.StateFailed, "login wait aborted") {
				return nil, errs.E("await login", errs.ErrSessionLost, err)
			}
		}
		return nil, o.stateErr("await login", l.state())
	}

	if !o.transition(l, models.StateLoginDetected, "") {
		return nil, o.stateErr("await login", l.state())
	}
	log.Info("login detected")

	captured, err := o.vault.Capture(ctx, id, page)
	if err != nil {
		o.transition(l, models.StateFailed, "state capture failed")
		return nil, errs.E("capture state", errs.ErrSessionLost, err)
	}
	if !o.transition(l, models.StateStateCaptured, "") || !o.transition(l, models.StateHandedOff, "") {
		return nil, o.stateErr("await login", l.state())
	}
	return captured, nil
}

// Close ends the session. It is idempotent and releases resources once.
func (o *Orchestrator) Close(ctx context.Context, id string) error {
	l, err := o.lookup(id)
	if err != nil {
		return err
	}
	if o.transition(l, models.StateClosed, "") {
		logger.From(logger.WithSession(ctx, id)).Info("session closed")
	}
	return nil
}

// Get returns a snapshot of the session
func (o *Orchestrator) Get(id string) (*models.RemoteSession, error) {
	l, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	return l.snapshot(), nil
}

// List returns every known session, newest first
func (o *Orchestrator) List() []*models.RemoteSession {
	var out []*models.RemoteSession
	o.sessions.Range(func(_, value any) bool {
		out = append(out, value.(*liveSession).snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Active returns the non-terminal session, if any
func (o *Orchestrator) Active() *models.RemoteSession {
	for _, s := range o.List() {
		if !s.State.Terminal() {
			return s
		}
	}
	return nil
}

// Screenshot captures the remote browser for operators without a viewer
func (o *Orchestrator) Screenshot(ctx context.Context, id string) ([]byte, error) {
	l, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	page, state := l.page, l.s.State
	l.mu.Unlock()
	if page == nil || state.Terminal() {
		return nil, fmt.Errorf("session %s has no live browser (%s)", logger.Short(id), state)
	}
	return page.Screenshot(ctx)
}

// MarkViewerConnected records whether an operator is watching
func (o *Orchestrator) MarkViewerConnected(id string, connected bool) {
	l, err := o.lookup(id)
	if err != nil {
		return
	}
	l.mu.Lock()
	l.s.ViewerConnected = connected
	l.s.UpdatedAt = o.now()
	l.mu.Unlock()
}

// Shutdown closes every session still running
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.sessions.Range(func(key, value any) bool {
		if !value.(*liveSession).state().Terminal() {
			_ = o.Close(ctx, key.(string))
		}
		return true
	})
}

func (o *Orchestrator) lookup(id string) (*liveSession, error) {
	v, ok := o.sessions.Load(id)
	if !ok {
		return nil, errs.E("lookup session", errs.ErrSessionNotFound, fmt.Errorf("session %s", id))
	}
	return v.(*liveSession), nil
}

// transition applies to if it is a legal edge from the current state and
// reports whether it did. Entering a terminal state releases resources.
func (o *Orchestrator) transition(l *liveSession, to models.SessionState, reason string) bool {
	l.mu.Lock()
	from := l.s.State
	if !legal(from, to) {
		l.mu.Unlock()
		return false
	}
	l.s.State = to
	l.s.UpdatedAt = o.now()
	if reason != "" {
		l.s.FailureReason = reason
	}
	l.mu.Unlock()

	l.log.Debug("session transition", "from", from, "to", to)
	if to.Terminal() {
		o.release(l)
	}
	return true
}

// release frees the browser handle, the container and the slot exactly once
func (o *Orchestrator) release(l *liveSession) {
	l.releaseOnce.Do(func() {
		l.mu.Lock()
		page, containerID, timer := l.page, l.s.ContainerID, l.lifetime
		l.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		if page != nil {
			if err := page.Close(); err != nil {
				l.log.Warn("failed to close browser handle", "error", err)
			}
		}
		if containerID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := o.launcher.Stop(ctx, containerID); err != nil {
				l.log.Warn("failed to stop viewer container", "error", err)
			}
			cancel()
		}
		o.slot.Release(1)
		close(l.released)
	})
}

// expire is the lifetime guard for sessions nobody finished
func (o *Orchestrator) expire(l *liveSession) {
	to := models.StateFailed
	if l.state() == models.StateAwaitingLogin {
		to = models.StateTimedOut
	}
	if o.transition(l, to, "session lifetime exceeded") {
		l.log.Warn("session lifetime exceeded")
	}
}

// prune forgets terminal sessions past retention
func (o *Orchestrator) prune() {
	cutoff := o.now().Add(-o.opts.Retention)
	o.sessions.Range(func(key, value any) bool {
		s := value.(*liveSession).snapshot()
		if s.State.Terminal() && s.UpdatedAt.Before(cutoff) {
			o.sessions.Delete(key)
		}
		return true
	})
}

func (o *Orchestrator) stateErr(op string, state models.SessionState) error {
	if state == models.StateTimedOut {
		return errs.E(op, errs.ErrLoginTimeout, nil)
	}
	return errs.E(op, errs.ErrSessionLost, fmt.Errorf("session is %s", state))
}

package usecase

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/infra"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/policy"
)

var testEpoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// fakeClock is a settable clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeKiosk records engage/disengage calls
type fakeKiosk struct {
	mu           sync.Mutex
	engageErr    error
	engaged      bool
	engageCalls  int
	releaseCalls int
}

func (k *fakeKiosk) Engage(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.engageCalls++
	if k.engageErr != nil {
		return k.engageErr
	}
	k.engaged = true
	return nil
}

func (k *fakeKiosk) Disengage(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.releaseCalls++
	k.engaged = false
	return nil
}

func (k *fakeKiosk) isEngaged() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.engaged
}

// staticPolicy implements PolicySource
type staticPolicy struct {
	p domain.Policy
}

func (s *staticPolicy) Get(ctx context.Context) domain.Policy { return s.p.Clone() }

// sealedPolicy builds a policy whose PIN is sealed at the cheapest cost.
func sealedPolicy(t *testing.T, pin string, settingsLock bool, locked ...domain.AppID) domain.Policy {
	t.Helper()
	p := domain.Policy{LockedApps: map[domain.AppID]struct{}{}, SettingsLockEnabled: settingsLock}
	for _, app := range locked {
		p.LockedApps[app] = struct{}{}
	}
	if pin != "" {
		sealed, err := policy.SealPIN(pin, bcrypt.MinCost)
		require.NoError(t, err)
		p.PIN = sealed
	}
	return p
}

// flakySessions fails the next failures SwapSession calls and can inject
// a foreign write before the next swap.
type flakySessions struct {
	*infra.MemoryStore
	mu       sync.Mutex
	failures int
	swaps    int
	interop  func()
	loadErr  error
}

var errDiskFull = errors.New("disk full")

func newFlakySessions() *flakySessions {
	return &flakySessions{MemoryStore: infra.NewMemoryStore()}
}

func (f *flakySessions) LoadSession(ctx context.Context) (domain.FocusSession, error) {
	f.mu.Lock()
	err := f.loadErr
	f.mu.Unlock()
	if err != nil {
		return domain.FocusSession{}, err
	}
	return f.MemoryStore.LoadSession(ctx)
}

func (f *flakySessions) SwapSession(ctx context.Context, expected uint64, next domain.FocusSession) (domain.FocusSession, error) {
	f.mu.Lock()
	f.swaps++
	hook := f.interop
	f.interop = nil
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return domain.FocusSession{}, errDiskFull
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return f.MemoryStore.SwapSession(ctx, expected, next)
}

func (f *flakySessions) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

// recordingSink captures telemetry
type recordingSink struct {
	mu     sync.Mutex
	events []domain.TelemetryEvent
}

func (r *recordingSink) Emit(ctx context.Context, ev domain.TelemetryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// mockProcessManager implements domain.ProcessManager for testing
type mockProcessManager struct {
	findResult map[string][]int
	findErr    error
	killErr    error
	killedPIDs []int
}

func (m *mockProcessManager) FindByName(pattern string) ([]int, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.findResult[pattern], nil
}

func (m *mockProcessManager) Kill(pid int) error {
	if m.killErr != nil {
		return m.killErr
	}
	m.killedPIDs = append(m.killedPIDs, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool { return false }

func (m *mockProcessManager) GetCurrentPID() int { return os.Getpid() }

// mockPresenter records requested surfaces
type mockPresenter struct {
	blocks   []domain.AppID
	pins     []domain.PinReason
	sessions int
	err      error
}

func (m *mockPresenter) ShowBlock(ctx context.Context, target domain.AppID) error {
	m.blocks = append(m.blocks, target)
	return m.err
}

func (m *mockPresenter) ShowPinPrompt(ctx context.Context, reason domain.PinReason) error {
	m.pins = append(m.pins, reason)
	return m.err
}

func (m *mockPresenter) ShowSession(ctx context.Context) error {
	m.sessions++
	return m.err
}

// mockPublisher records pushed PINs
type mockPublisher struct {
	pins []string
	err  error
}

func (m *mockPublisher) PublishPIN(ctx context.Context, pin string) error {
	m.pins = append(m.pins, pin)
	return m.err
}

// engineFixture wires a session engine over an in-memory store.
type engineFixture struct {
	engine *SessionEngine
	store  *flakySessions
	kiosk  *fakeKiosk
	clock  *fakeClock
	sink   *recordingSink
}

func newEngineFixture(t *testing.T, pin string) *engineFixture {
	t.Helper()
	store := newFlakySessions()
	clock := newFakeClock()
	kiosk := &fakeKiosk{}
	sink := &recordingSink{}
	gate := NewPINGate(&staticPolicy{p: sealedPolicy(t, pin, false)})

	cfg := DefaultSessionConfig()
	cfg.RetryBackoff = 0
	engine := NewSessionEngine(store, kiosk, gate, sink, clock, nil, cfg, zap.NewNop())
	return &engineFixture{engine: engine, store: store, kiosk: kiosk, clock: clock, sink: sink}
}

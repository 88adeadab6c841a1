package usecase

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// Surfaces names the special targets the monitor recognizes.
type Surfaces struct {
	// Self is this system's own surface; it is always allowed.
	Self domain.AppID
	// Settings is the system settings surface guarded by the settings lock.
	Settings domain.AppID
	// AdminMarkers are substrings of a surface class hint that identify the
	// device-administration screen (the one that can disable protection).
	AdminMarkers []string
}

// DefaultSurfaces returns the stock surface identifiers.
func DefaultSurfaces() Surfaces {
	return Surfaces{
		Self:         "focusguard",
		Settings:     "com.android.settings",
		AdminMarkers: []string{"DeviceAdmin", "DevicePolicy"},
	}
}

// IsAdmin reports whether hint names an administrative surface.
func (s Surfaces) IsAdmin(hint string) bool {
	if hint == "" {
		return false
	}
	for _, marker := range s.AdminMarkers {
		if marker != "" && strings.Contains(hint, marker) {
			return true
		}
	}
	return false
}

// Snapshot is everything a decision depends on, captured at one instant.
type Snapshot struct {
	Policy  domain.Policy
	Grants  GrantSet
	Session domain.FocusSession
	Now     time.Time
}

// Evaluate decides what to do about one foreground event. It is a pure
// function of its inputs; rules are checked in priority order.
func Evaluate(ev domain.ForegroundEvent, snap Snapshot, surfaces Surfaces) domain.Decision {
	target := ev.TargetID

	if target == surfaces.Self {
		return domain.Allow()
	}

	if snap.Session.KioskEngaged {
		return domain.ForceKiosk()
	}

	// Without a PIN the settings lock can't be satisfied, so it is treated as off.
	settingsGuarded := snap.Policy.SettingsLockEnabled && snap.Policy.PIN.IsSet()

	if settingsGuarded && surfaces.IsAdmin(ev.SurfaceClassHint) {
		return domain.RedirectToPin(domain.PinReasonDisableProtection)
	}

	if settingsGuarded && target == surfaces.Settings &&
		!snap.Grants.Valid(domain.SettingsSubject, snap.Now) {
		return domain.RedirectToPin(domain.PinReasonUnlockSettings)
	}

	if snap.Policy.IsLocked(target) && !snap.Grants.Valid(string(target), snap.Now) {
		return domain.RedirectToBlock(target)
	}

	return domain.Allow()
}

// Outcome is the monitor's answer for one event.
type Outcome struct {
	Event    domain.ForegroundEvent
	Decision domain.Decision
	// Repeated marks an Allow for the target that was already in front;
	// enforcement and logging can skip it.
	Repeated bool
}

// Monitor turns foreground events into decisions. It reads the policy,
// grant and session stores but never writes them, except for lazy grant pruning.
type Monitor struct {
	policies PolicySource
	bypass   *BypassManager
	sessions domain.SessionRepository
	surfaces Surfaces
	clock    domain.Clock
	metrics  domain.MetricsRecorder
	logger   *zap.Logger

	mu          sync.Mutex
	previous    domain.AppID
	lastSession domain.FocusSession
}

// NewMonitor creates a foreground monitor.
func NewMonitor(
	policies PolicySource,
	bypass *BypassManager,
	sessions domain.SessionRepository,
	surfaces Surfaces,
	clock domain.Clock,
	metrics domain.MetricsRecorder,
	logger *zap.Logger,
) *Monitor {
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Monitor{
		policies:    policies,
		bypass:      bypass,
		sessions:    sessions,
		surfaces:    surfaces,
		clock:       clock,
		metrics:     metrics,
		logger:      logger,
		lastSession: domain.IdleSession(),
	}
}

// Snapshot captures the current decision inputs.
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	now := m.clock.Now()
	session, err := m.sessions.LoadSession(ctx)

	m.mu.Lock()
	if err != nil {
		m.logger.Warn("failed to load session, using last known", zap.Error(err))
		session = m.lastSession
	} else {
		m.lastSession = session
	}
	m.mu.Unlock()

	return Snapshot{
		Policy:  m.policies.Get(ctx),
		Grants:  m.bypass.Snapshot(ctx, now),
		Session: session,
		Now:     now,
	}
}

// Handle evaluates ev and tracks the previously allowed target.
// Events are expected one at a time, in order.
func (m *Monitor) Handle(ctx context.Context, ev domain.ForegroundEvent) Outcome {
	snap := m.Snapshot(ctx)
	decision := Evaluate(ev, snap, m.surfaces)

	m.mu.Lock()
	out := Outcome{Event: ev, Decision: decision}
	switch decision.Kind {
	case domain.DecisionAllow:
		out.Repeated = ev.TargetID == m.previous
		m.previous = ev.TargetID
	case domain.DecisionRedirectToBlock, domain.DecisionRedirectToPin:
		// The redirect puts our own surface in front.
		m.previous = m.surfaces.Self
	}
	m.mu.Unlock()

	m.metrics.ObserveDecision(decision.Kind)
	if !out.Repeated {
		m.logger.Debug("foreground decision",
			zap.String("target", string(ev.TargetID)),
			zap.String("hint", ev.SurfaceClassHint),
			zap.Stringer("decision", decision))
	}
	return out
}

// Previous returns the last target that was allowed in front.
func (m *Monitor) Previous() domain.AppID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// Package domain contains core business entities and interfaces.
// This is the innermost layer - no external dependencies.
package domain

import (
	"sort"
	"time"
)

// DaemonRole identifies the type of daemon process.
type DaemonRole string

const (
	RoleWatcher  DaemonRole = "watcher"
	RoleGuardian DaemonRole = "guardian"
)

// Daemon represents a running daemon process.
type Daemon struct {
	PID        int
	Role       DaemonRole
	StartedAt  time.Time
	AppVersion string
}

// RegistryEntry is the combined view of both daemons (for the status command).
type RegistryEntry struct {
	WatcherPID    int
	GuardianPID   int
	LastHeartbeat int64
	AppVersion    string
}

// AppID identifies an application or on-screen surface (package name, process name).
type AppID string

// SettingsSubject is the bypass subject key for the system settings surface.
const SettingsSubject = "settings"

// SealedPIN is the at-rest form of the parent PIN (bcrypt digest).
// The zero value means no PIN is configured.
type SealedPIN string

// IsSet reports whether a PIN has been configured.
func (p SealedPIN) IsSet() bool {
	return p != ""
}

// Policy is the parent-defined rule set enforced on the device.
type Policy struct {
	LockedApps           map[AppID]struct{}
	SettingsLockEnabled  bool
	UninstallLockEnabled bool
	PIN                  SealedPIN
}

// IsLocked reports whether the app is in the locked set.
func (p Policy) IsLocked(app AppID) bool {
	_, ok := p.LockedApps[app]
	return ok
}

// LockedAppList returns the locked set as a sorted slice.
func (p Policy) LockedAppList() []AppID {
	apps := make([]AppID, 0, len(p.LockedApps))
	for app := range p.LockedApps {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i] < apps[j] })
	return apps
}

// Clone returns a deep copy so callers can't mutate a shared snapshot.
func (p Policy) Clone() Policy {
	out := p
	out.LockedApps = make(map[AppID]struct{}, len(p.LockedApps))
	for app := range p.LockedApps {
		out.LockedApps[app] = struct{}{}
	}
	return out
}

// BypassGrant suspends enforcement for one subject until ExpiresAt.
type BypassGrant struct {
	SubjectKey string
	ExpiresAt  time.Time
}

// ValidAt reports whether the grant still authorizes access at now.
// The expiry instant itself is still inside the window.
func (g BypassGrant) ValidAt(now time.Time) bool {
	return !now.After(g.ExpiresAt)
}

// SessionState is the high-level state of the focus session.
type SessionState string

const (
	SessionIdle     SessionState = "idle"
	SessionRunning  SessionState = "running"
	SessionPaused   SessionState = "paused"
	SessionBreak    SessionState = "break"
	SessionFinished SessionState = "finished"
)

// FocusSession is the single supervised work session of the device.
type FocusSession struct {
	ID              string
	State           SessionState
	Total           time.Duration
	Remaining       time.Duration
	ResumeRemaining time.Duration // focus time left when the current break started
	KioskEngaged    bool
	Supervised      bool // kiosk should be held while focus time runs
	StartedAt       time.Time
	Revision        uint64
}

// Active reports whether the session is in progress (not idle and not finished).
func (s FocusSession) Active() bool {
	switch s.State {
	case SessionRunning, SessionPaused, SessionBreak:
		return true
	}
	return false
}

// IdleSession returns the zero session.
func IdleSession() FocusSession {
	return FocusSession{State: SessionIdle}
}

// ForegroundEvent reports that the visible surface changed.
type ForegroundEvent struct {
	TargetID         AppID     `json:"targetId"`
	SurfaceClassHint string    `json:"surfaceClassHint,omitempty"`
	ObservedAt       time.Time `json:"observedAt"`
}

// DecisionKind enumerates the monitor's possible decisions.
type DecisionKind string

const (
	DecisionAllow           DecisionKind = "allow"
	DecisionRedirectToBlock DecisionKind = "redirect_to_block"
	DecisionRedirectToPin   DecisionKind = "redirect_to_pin"
	DecisionForceKiosk      DecisionKind = "force_kiosk"
)

// PinReason says why the PIN surface is requested.
type PinReason string

const (
	PinReasonNone              PinReason = ""
	PinReasonDisableProtection PinReason = "disable_protection"
	PinReasonUnlockSettings    PinReason = "unlock_settings"
)

// Decision is the monitor's verdict for one foreground event.
type Decision struct {
	Kind   DecisionKind
	Target AppID     // set for RedirectToBlock
	Reason PinReason // set for RedirectToPin
}

// Allow is the pass-through decision.
func Allow() Decision { return Decision{Kind: DecisionAllow} }

// RedirectToBlock sends the user to the block surface for target.
func RedirectToBlock(target AppID) Decision {
	return Decision{Kind: DecisionRedirectToBlock, Target: target}
}

// RedirectToPin sends the user to the PIN surface.
func RedirectToPin(reason PinReason) Decision {
	return Decision{Kind: DecisionRedirectToPin, Reason: reason}
}

// ForceKiosk brings the session surface back to the front.
func ForceKiosk() Decision { return Decision{Kind: DecisionForceKiosk} }

func (d Decision) String() string {
	switch d.Kind {
	case DecisionRedirectToBlock:
		return string(d.Kind) + "(" + string(d.Target) + ")"
	case DecisionRedirectToPin:
		return string(d.Kind) + "(" + string(d.Reason) + ")"
	}
	return string(d.Kind)
}

// TelemetryEvent is a fire-and-forget record bound for the remote store.
type TelemetryEvent struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	SessionID  string            `json:"sessionId,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Telemetry kinds emitted by the session engine.
const (
	TelemetrySessionCompleted = "session.completed"
	TelemetryBreakStarted     = "session.break_started"
	TelemetryEmergencyExit    = "session.emergency_exit"
)

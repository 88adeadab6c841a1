package domain

import (
	"context"
	"time"
)

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes whose name equals name, ignoring case.
	FindByName(name string) ([]int, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// DaemonRegistry provides daemon discovery for the watcher/guardian pair.
type DaemonRegistry interface {
	// Register saves the daemon's PID under its role.
	Register(daemon Daemon) error

	// UpdateHeartbeat updates timestamp for liveness check.
	UpdateHeartbeat(role DaemonRole) error

	// IsPartnerAlive checks if the partner daemon is running via PID.
	IsPartnerAlive(role DaemonRole) (bool, error)

	// GetAll returns the registry state, nil when nothing registered.
	GetAll() (*RegistryEntry, error)

	// Clear removes all daemon records.
	Clear() error
}

// PolicyRepository persists the cached policy.
type PolicyRepository interface {
	// LoadPolicy returns the stored policy (empty policy when none synced yet).
	LoadPolicy(ctx context.Context) (Policy, error)

	// SavePolicy replaces the stored policy in one transaction.
	SavePolicy(ctx context.Context, p Policy) error

	// SavePIN replaces only the sealed PIN.
	SavePIN(ctx context.Context, pin SealedPIN) error
}

// GrantRepository persists bypass grants, one per subject key.
type GrantRepository interface {
	// PutGrant inserts or overwrites the grant for its subject.
	PutGrant(ctx context.Context, g BypassGrant) error

	// ListGrants returns all stored grants, expired ones included.
	ListGrants(ctx context.Context) ([]BypassGrant, error)

	// DeleteGrants removes the given grants. A subject whose stored expiry
	// no longer matches the one passed in was re-granted and is kept.
	DeleteGrants(ctx context.Context, grants []BypassGrant) error
}

// SessionRepository persists the single focus session.
type SessionRepository interface {
	// LoadSession returns the persisted session, IdleSession when none.
	LoadSession(ctx context.Context) (FocusSession, error)

	// SwapSession commits next if the stored revision still equals expected.
	// On success next.Revision is expected+1 and the committed value is returned.
	// An Idle next clears the persisted record.
	SwapSession(ctx context.Context, expected uint64, next FocusSession) (FocusSession, error)
}

// TelemetrySink receives fire-and-forget events for the remote store.
type TelemetrySink interface {
	Emit(ctx context.Context, ev TelemetryEvent) error
}

// Outbox is the durable queue behind the telemetry sink.
type Outbox interface {
	TelemetrySink

	// Pending returns queued events in creation order.
	Pending(ctx context.Context, limit int) ([]TelemetryEvent, error)

	// Ack removes delivered events.
	Ack(ctx context.Context, ids []string) error
}

// StateStore is the durable state shared by the daemon and the CLI.
type StateStore interface {
	PolicyRepository
	GrantRepository
	SessionRepository
	Outbox

	// Close releases resources (e.g., database connection).
	Close() error
}

// KioskController engages the hard-lock presentation mode.
type KioskController interface {
	// Engage locks the device to the session surface.
	// Returns an error wrapping ErrKioskEngageFailed on refusal.
	Engage(ctx context.Context) error

	// Disengage releases the lock.
	Disengage(ctx context.Context) error
}

// ForegroundSource delivers foreground-change events.
type ForegroundSource interface {
	// Events returns the event stream. It is closed when the source stops.
	Events() <-chan ForegroundEvent

	// Start begins delivering events until ctx is canceled.
	Start(ctx context.Context) error
}

// Presenter brings enforcement surfaces to the front.
type Presenter interface {
	ShowBlock(ctx context.Context, target AppID) error
	ShowPinPrompt(ctx context.Context, reason PinReason) error
	ShowSession(ctx context.Context) error
}

// PolicyPublisher pushes local policy edits back to the remote copy.
type PolicyPublisher interface {
	PublishPIN(ctx context.Context, pin string) error
}

// KeyProvider abstracts the source of the state encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// MetricsRecorder receives enforcement counters. Implementations must be safe
// for concurrent use.
type MetricsRecorder interface {
	ObserveDecision(kind DecisionKind)
	ObserveTransition(from, to SessionState)
	ObserveKioskFailure()
	ObservePersistenceFailure()
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveDecision(DecisionKind)                 {}
func (NopMetrics) ObserveTransition(SessionState, SessionState) {}
func (NopMetrics) ObserveKioskFailure()                         {}
func (NopMetrics) ObservePersistenceFailure()                   {}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/policy"
)

// SessionConfig tunes the session engine.
type SessionConfig struct {
	DefaultDuration time.Duration
	BreakDuration   time.Duration
	Tick            time.Duration
	// WriteAttempts is how many times a failed session write is tried.
	WriteAttempts int
	RetryBackoff  time.Duration
	// MaxConflicts bounds reload-and-reapply rounds when another process
	// commits the session first.
	MaxConflicts int
}

// DefaultSessionConfig returns the stock session timings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		DefaultDuration: policy.DefaultSessionDuration,
		BreakDuration:   policy.BreakDuration,
		Tick:            policy.TickInterval,
		WriteAttempts:   3,
		RetryBackoff:    50 * time.Millisecond,
		MaxConflicts:    5,
	}
}

type kioskEffect int

const (
	kioskNone kioskEffect = iota
	kioskEngage
	kioskRelease
)

// transition is the result of applying one event to the committed session.
type transition struct {
	next      domain.FocusSession
	kiosk     kioskEffect
	telemetry string
	attrs     map[string]string
	noop      bool
}

// SessionEngine owns the focus session state machine and the kiosk lock.
//
// Every transition starts from the persisted session, so the daemon and the
// CLI can both drive it. A transition commits with one compare-and-swap write
// on the session revision; losing the race reloads and re-applies.
type SessionEngine struct {
	repo      domain.SessionRepository
	kiosk     domain.KioskController
	gate      Verifier
	telemetry domain.TelemetrySink
	clock     domain.Clock
	metrics   domain.MetricsRecorder
	logger    *zap.Logger
	cfg       SessionConfig
	newID     func() string

	mu      sync.Mutex
	current domain.FocusSession // last committed
}

// NewSessionEngine creates a session engine. telemetry and metrics may be nil.
func NewSessionEngine(
	repo domain.SessionRepository,
	kiosk domain.KioskController,
	gate Verifier,
	telemetry domain.TelemetrySink,
	clock domain.Clock,
	metrics domain.MetricsRecorder,
	cfg SessionConfig,
	logger *zap.Logger,
) *SessionEngine {
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	if cfg.WriteAttempts < 1 {
		cfg.WriteAttempts = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = policy.TickInterval
	}
	return &SessionEngine{
		repo:      repo,
		kiosk:     kiosk,
		gate:      gate,
		telemetry: telemetry,
		clock:     clock,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		newID:     uuid.NewString,
		current:   domain.IdleSession(),
	}
}

// Current returns the persisted session, or the last committed one when
// the store can't be read.
func (e *SessionEngine) Current(ctx context.Context) domain.FocusSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(ctx)
}

// Restore reloads the session after a restart and puts the kiosk back
// when the persisted session held it.
func (e *SessionEngine) Restore(ctx context.Context) (domain.FocusSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.repo.LoadSession(ctx)
	if err != nil {
		return e.current, fmt.Errorf("failed to load session: %w", err)
	}
	e.current = s

	if !s.Active() || !s.KioskEngaged {
		e.logger.Info("session restored", zap.String("state", string(s.State)),
			zap.Duration("remaining", s.Remaining))
		return s, nil
	}

	if kerr := e.kiosk.Engage(ctx); kerr != nil {
		e.metrics.ObserveKioskFailure()
		e.logger.Warn("failed to re-engage kiosk after restart", zap.Error(kerr))
		next := s
		next.KioskEngaged = false
		committed, err := e.write(ctx, s.Revision, next)
		if err != nil {
			return s, err
		}
		e.current = committed
		return committed, kerr
	}

	e.logger.Info("session restored with kiosk",
		zap.String("state", string(s.State)),
		zap.Duration("remaining", s.Remaining))
	return s, nil
}

// Start begins a session of d (the default duration when d is zero).
// With kiosk set the hard lock is requested; a refusal leaves the session
// running unlocked and is returned as ErrKioskEngageFailed alongside it.
// Starting while a session is active returns that session unchanged.
func (e *SessionEngine) Start(ctx context.Context, d time.Duration, kiosk bool) (domain.FocusSession, error) {
	if d == 0 {
		d = e.cfg.DefaultDuration
	}
	if d <= 0 {
		return e.Current(ctx), domain.ErrInvalidDuration
	}

	return e.apply(ctx, EventStart, func(cur domain.FocusSession) (transition, error) {
		if cur.Active() {
			return transition{next: cur, noop: true}, nil
		}
		next := domain.FocusSession{
			ID:         e.newID(),
			State:      domain.SessionRunning,
			Total:      d,
			Remaining:  d,
			Supervised: kiosk,
			StartedAt:  e.clock.Now(),
			Revision:   cur.Revision,
		}
		t := transition{next: next}
		if kiosk {
			t.kiosk = kioskEngage
		}
		return t, nil
	})
}

// Tick advances the countdown by one tick. It does nothing unless the
// session is running or on a break.
func (e *SessionEngine) Tick(ctx context.Context) (domain.FocusSession, error) {
	return e.apply(ctx, EventTick, func(cur domain.FocusSession) (transition, error) {
		if cur.State != domain.SessionRunning && cur.State != domain.SessionBreak {
			return transition{next: cur, noop: true}, nil
		}

		next := cur
		next.Remaining -= e.cfg.Tick
		if next.Remaining > 0 {
			return transition{next: next}, nil
		}

		if cur.State == domain.SessionBreak {
			next.State = domain.SessionRunning
			next.Remaining = cur.ResumeRemaining
			next.ResumeRemaining = 0
			t := transition{next: next}
			if cur.Supervised {
				t.kiosk = kioskEngage
			}
			return t, nil
		}

		next.State = domain.SessionFinished
		next.Remaining = 0
		return transition{
			next:      next,
			kiosk:     kioskRelease,
			telemetry: domain.TelemetrySessionCompleted,
			attrs:     map[string]string{"duration_ms": strconv.FormatInt(cur.Total.Milliseconds(), 10)},
		}, nil
	})
}

// Pause stops the countdown. The kiosk stays engaged.
func (e *SessionEngine) Pause(ctx context.Context) (domain.FocusSession, error) {
	return e.apply(ctx, EventPause, func(cur domain.FocusSession) (transition, error) {
		next := cur
		next.State = domain.SessionPaused
		return transition{next: next}, nil
	})
}

// Resume continues a paused countdown.
func (e *SessionEngine) Resume(ctx context.Context) (domain.FocusSession, error) {
	return e.apply(ctx, EventResume, func(cur domain.FocusSession) (transition, error) {
		next := cur
		next.State = domain.SessionRunning
		return transition{next: next}, nil
	})
}

// Reset restarts the countdown from the full duration. During a break it
// abandons the break instead: the session pauses with the focus time it had
// when the break began.
func (e *SessionEngine) Reset(ctx context.Context) (domain.FocusSession, error) {
	return e.apply(ctx, EventReset, func(cur domain.FocusSession) (transition, error) {
		next := cur
		if cur.State != domain.SessionBreak {
			next.Remaining = cur.Total
			return transition{next: next}, nil
		}

		next.State = domain.SessionPaused
		next.Remaining = cur.ResumeRemaining
		next.ResumeRemaining = 0
		t := transition{next: next}
		if cur.Supervised {
			t.kiosk = kioskEngage
		}
		return t, nil
	})
}

// StartBreak suspends focus time for the break duration and releases the kiosk.
func (e *SessionEngine) StartBreak(ctx context.Context) (domain.FocusSession, error) {
	return e.apply(ctx, EventStartBreak, func(cur domain.FocusSession) (transition, error) {
		next := cur
		next.State = domain.SessionBreak
		next.ResumeRemaining = cur.Remaining
		next.Remaining = e.cfg.BreakDuration
		return transition{
			next:      next,
			kiosk:     kioskRelease,
			telemetry: domain.TelemetryBreakStarted,
			attrs:     map[string]string{"resume_ms": strconv.FormatInt(cur.Remaining.Milliseconds(), 10)},
		}, nil
	})
}

// Finish ends a running session early as completed.
func (e *SessionEngine) Finish(ctx context.Context) (domain.FocusSession, error) {
	return e.apply(ctx, EventFinish, func(cur domain.FocusSession) (transition, error) {
		next := cur
		next.State = domain.SessionFinished
		next.Remaining = 0
		return transition{
			next:      next,
			kiosk:     kioskRelease,
			telemetry: domain.TelemetrySessionCompleted,
			attrs: map[string]string{
				"duration_ms": strconv.FormatInt((cur.Total - cur.Remaining).Milliseconds(), 10),
				"manual":      "true",
			},
		}, nil
	})
}

// Acknowledge returns a finished session to idle.
func (e *SessionEngine) Acknowledge(ctx context.Context) (domain.FocusSession, error) {
	return e.apply(ctx, EventAcknowledge, func(cur domain.FocusSession) (transition, error) {
		return transition{next: domain.FocusSession{State: domain.SessionIdle, Revision: cur.Revision}}, nil
	})
}

// EmergencyExit abandons an active session after the parent PIN checks out.
// A PIN failure is returned as is and nothing changes.
func (e *SessionEngine) EmergencyExit(ctx context.Context, pin string) (domain.FocusSession, error) {
	if err := e.gate.Verify(ctx, pin); err != nil {
		return e.Current(ctx), err
	}
	return e.apply(ctx, EventEmergencyExit, func(cur domain.FocusSession) (transition, error) {
		return transition{
			next:      domain.FocusSession{State: domain.SessionIdle, Revision: cur.Revision},
			kiosk:     kioskRelease,
			telemetry: domain.TelemetryEmergencyExit,
			attrs: map[string]string{
				"state":        string(cur.State),
				"remaining_ms": strconv.FormatInt(cur.Remaining.Milliseconds(), 10),
			},
		}, nil
	})
}

// apply runs one event against the persisted session and commits the result.
func (e *SessionEngine) apply(
	ctx context.Context,
	ev SessionEvent,
	step func(cur domain.FocusSession) (transition, error),
) (domain.FocusSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for round := 0; ; round++ {
		cur := e.load(ctx)

		t, err := e.plan(cur, ev, step)
		if err != nil {
			return cur, err
		}
		if t.noop {
			return cur, nil
		}

		kioskErr := e.applyKiosk(ctx, cur, &t)

		committed, err := e.write(ctx, cur.Revision, t.next)
		if err != nil {
			e.undoKiosk(ctx, cur, t)
			if errors.Is(err, domain.ErrRevisionConflict) && round < e.cfg.MaxConflicts {
				e.logger.Debug("session changed underneath, re-applying", zap.String("event", string(ev)))
				continue
			}
			if errors.Is(err, domain.ErrRevisionConflict) {
				err = fmt.Errorf("%w: %v", domain.ErrPersistenceWriteFailed, err)
			}
			return e.current, err
		}

		e.current = committed
		if cur.State != committed.State {
			e.metrics.ObserveTransition(cur.State, committed.State)
			e.logger.Info("session transition",
				zap.String("event", string(ev)),
				zap.String("from", string(cur.State)),
				zap.String("to", string(committed.State)),
				zap.Duration("remaining", committed.Remaining),
				zap.Bool("kiosk", committed.KioskEngaged))
		}
		if t.telemetry != "" {
			e.emit(ctx, t.telemetry, cur.ID, t.attrs)
		}
		return committed, kioskErr
	}
}

// plan validates ev against cur and computes the transition.
func (e *SessionEngine) plan(
	cur domain.FocusSession,
	ev SessionEvent,
	step func(cur domain.FocusSession) (transition, error),
) (transition, error) {
	// Start while active and Tick while stopped are harmless no-ops.
	if ev != EventStart && ev != EventTick && !CanTransition(cur.State, ev) {
		return transition{}, fmt.Errorf("%w: %s from %s", domain.ErrInvalidTransition, ev, cur.State)
	}
	t, err := step(cur)
	if err != nil || t.noop {
		return t, err
	}
	t.next.Revision = cur.Revision
	return t, nil
}

// applyKiosk performs the kiosk side effect of t and records the outcome in
// t.next.KioskEngaged. An engage refusal is returned as a warning.
func (e *SessionEngine) applyKiosk(ctx context.Context, cur domain.FocusSession, t *transition) error {
	switch t.kiosk {
	case kioskEngage:
		if cur.KioskEngaged {
			t.next.KioskEngaged = true
			return nil
		}
		if err := e.kiosk.Engage(ctx); err != nil {
			e.metrics.ObserveKioskFailure()
			e.logger.Warn("kiosk unavailable, session continues unlocked", zap.Error(err))
			t.next.KioskEngaged = false
			t.kiosk = kioskNone
			if !errors.Is(err, domain.ErrKioskEngageFailed) {
				err = fmt.Errorf("%w: %v", domain.ErrKioskEngageFailed, err)
			}
			return err
		}
		t.next.KioskEngaged = true
	case kioskRelease:
		if cur.KioskEngaged {
			if err := e.kiosk.Disengage(ctx); err != nil {
				e.logger.Warn("failed to disengage kiosk", zap.Error(err))
			}
		} else {
			t.kiosk = kioskNone
		}
		t.next.KioskEngaged = false
	default:
		t.next.KioskEngaged = cur.KioskEngaged && t.next.State != domain.SessionIdle &&
			t.next.State != domain.SessionFinished
	}
	return nil
}

// undoKiosk reverts the kiosk side effect of a transition that did not commit.
func (e *SessionEngine) undoKiosk(ctx context.Context, cur domain.FocusSession, t transition) {
	var err error
	switch {
	case t.kiosk == kioskEngage && !cur.KioskEngaged:
		err = e.kiosk.Disengage(ctx)
	case t.kiosk == kioskRelease && cur.KioskEngaged:
		err = e.kiosk.Engage(ctx)
	}
	if err != nil {
		e.logger.Warn("failed to revert kiosk after aborted transition", zap.Error(err))
	}
}

// write commits next, retrying transient store failures. A revision
// conflict is returned immediately.
func (e *SessionEngine) write(ctx context.Context, expected uint64, next domain.FocusSession) (domain.FocusSession, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.WriteAttempts; attempt++ {
		committed, err := e.repo.SwapSession(ctx, expected, next)
		if err == nil {
			return committed, nil
		}
		if errors.Is(err, domain.ErrRevisionConflict) {
			return domain.FocusSession{}, err
		}
		lastErr = err
		e.logger.Warn("session write failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.cfg.WriteAttempts),
			zap.Error(err))

		if attempt < e.cfg.WriteAttempts && e.cfg.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				attempt = e.cfg.WriteAttempts
			case <-time.After(e.cfg.RetryBackoff):
			}
		}
	}

	e.metrics.ObservePersistenceFailure()
	if errors.Is(lastErr, domain.ErrPersistenceWriteFailed) {
		return domain.FocusSession{}, lastErr
	}
	return domain.FocusSession{}, fmt.Errorf("%w: %v", domain.ErrPersistenceWriteFailed, lastErr)
}

// load reads the persisted session, falling back to the last committed one.
// Callers hold e.mu.
func (e *SessionEngine) load(ctx context.Context) domain.FocusSession {
	s, err := e.repo.LoadSession(ctx)
	if err != nil {
		e.logger.Warn("failed to load session, using last committed", zap.Error(err))
		return e.current
	}
	e.current = s
	return s
}

// emit queues a telemetry record. Failures are logged only.
func (e *SessionEngine) emit(ctx context.Context, kind, sessionID string, attrs map[string]string) {
	if e.telemetry == nil {
		return
	}
	ev := domain.TelemetryEvent{
		ID:         e.newID(),
		Kind:       kind,
		SessionID:  sessionID,
		Attributes: attrs,
		CreatedAt:  e.clock.Now(),
	}
	if err := e.telemetry.Emit(ctx, ev); err != nil {
		e.logger.Warn("failed to queue telemetry", zap.String("kind", kind), zap.Error(err))
	}
}

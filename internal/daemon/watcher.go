// Package daemon implements the watcher and guardian daemons.
package daemon

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/policy"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/usecase"
)

// EventHandler decides what to do with a foreground change.
type EventHandler interface {
	Handle(ctx context.Context, ev domain.ForegroundEvent) usecase.Outcome
}

// Actuator carries out a decision.
type Actuator interface {
	Apply(ctx context.Context, out usecase.Outcome) usecase.EnforcementResult
}

// SessionDriver is the part of the session engine the watcher drives.
type SessionDriver interface {
	Restore(ctx context.Context) (domain.FocusSession, error)
	Tick(ctx context.Context) (domain.FocusSession, error)
}

// Syncer exchanges policy and telemetry with the remote store.
type Syncer interface {
	Sync(ctx context.Context) (domain.Policy, error)
	Flush(ctx context.Context) (int, error)
}

// WatcherConfig holds watcher daemon configuration.
type WatcherConfig struct {
	TickInterval         time.Duration // Session countdown resolution
	SyncInterval         time.Duration // How often to pull policy and push telemetry
	HeartbeatInterval    time.Duration // How often to update heartbeat
	PartnerCheckInterval time.Duration // How often to check guardian
}

// DefaultWatcherConfig returns default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		TickInterval:         policy.TickInterval,
		SyncInterval:         time.Minute,
		HeartbeatInterval:    30 * time.Second,
		PartnerCheckInterval: 60 * time.Second,
	}
}

// Watcher is the main enforcement daemon.
// It feeds foreground events through the monitor and acts on the decisions,
// counts the focus session down, syncs policy and telemetry on a schedule,
// and restarts the guardian if it dies.
type Watcher struct {
	config   WatcherConfig
	source   domain.ForegroundSource
	monitor  EventHandler
	enforcer Actuator
	sessions SessionDriver
	syncer   Syncer
	registry domain.DaemonRegistry
	spawner  Spawner
	logger   *zap.Logger
	daemon   domain.Daemon
}

// NewWatcher creates a new watcher daemon. syncer may be nil.
func NewWatcher(
	config WatcherConfig,
	source domain.ForegroundSource,
	monitor EventHandler,
	enforcer Actuator,
	sessions SessionDriver,
	syncer Syncer,
	registry domain.DaemonRegistry,
	spawner Spawner,
	daemon domain.Daemon,
	logger *zap.Logger,
) *Watcher {
	return &Watcher{
		config:   config,
		source:   source,
		monitor:  monitor,
		enforcer: enforcer,
		sessions: sessions,
		syncer:   syncer,
		registry: registry,
		spawner:  spawner,
		daemon:   daemon,
		logger:   logger,
	}
}

// Run starts the watcher daemon loop.
// This blocks until context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	// Register ourselves in the registry
	if err := w.registry.Register(w.daemon); err != nil {
		w.logger.Error("failed to register watcher", zap.Error(err))
		return err
	}

	w.logger.Info("watcher daemon started",
		zap.Int("pid", w.daemon.PID),
		zap.String("version", w.daemon.AppVersion))

	w.restoreSession(ctx)
	w.runSync(ctx)

	sourceErr := make(chan error, 1)
	go func() { sourceErr <- w.source.Start(ctx) }()
	events := w.source.Events()

	tickTicker := time.NewTicker(w.config.TickInterval)
	syncTicker := time.NewTicker(w.config.SyncInterval)
	heartbeatTicker := time.NewTicker(w.config.HeartbeatInterval)
	partnerCheckTicker := time.NewTicker(w.config.PartnerCheckInterval)

	defer func() {
		tickTicker.Stop()
		syncTicker.Stop()
		heartbeatTicker.Stop()
		partnerCheckTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher daemon stopping")
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				// Source exhausted; keep the session and sync duties running.
				w.logger.Info("foreground source closed")
				events = nil
				continue
			}
			w.handleEvent(ctx, ev)

		case err := <-sourceErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("foreground source failed", zap.Error(err))
			}
			sourceErr = nil

		case <-tickTicker.C:
			w.tickSession(ctx)

		case <-syncTicker.C:
			w.runSync(ctx)

		case <-heartbeatTicker.C:
			if err := w.registry.UpdateHeartbeat(domain.RoleWatcher); err != nil {
				w.logger.Warn("failed to update heartbeat", zap.Error(err))
			}

		case <-partnerCheckTicker.C:
			w.checkAndRestartGuardian()
		}
	}
}

// handleEvent evaluates one foreground change and enforces the result.
func (w *Watcher) handleEvent(ctx context.Context, ev domain.ForegroundEvent) {
	out := w.monitor.Handle(ctx, ev)
	if out.Decision.Kind == domain.DecisionAllow {
		return
	}
	result := w.enforcer.Apply(ctx, out)
	if len(result.Errors) > 0 {
		w.logger.Warn("enforcement incomplete",
			zap.String("target", string(result.Target)),
			zap.Int("errors", len(result.Errors)))
	}
}

// restoreSession puts back a session that survived a restart.
func (w *Watcher) restoreSession(ctx context.Context) {
	s, err := w.sessions.Restore(ctx)
	if err != nil {
		w.logger.Warn("session restored without kiosk", zap.Error(err))
	}
	if s.Active() {
		w.logger.Info("resuming focus session",
			zap.String("session_id", s.ID),
			zap.String("state", string(s.State)),
			zap.Duration("remaining", s.Remaining))
	}
}

func (w *Watcher) tickSession(ctx context.Context) {
	if _, err := w.sessions.Tick(ctx); err != nil {
		w.logger.Warn("session tick failed", zap.Error(err))
	}
}

// runSync pulls the policy and drains telemetry. Failures are retried on
// the next interval.
func (w *Watcher) runSync(ctx context.Context) {
	if w.syncer == nil {
		return
	}
	if _, err := w.syncer.Sync(ctx); err != nil {
		w.logger.Warn("policy sync failed, keeping cached policy", zap.Error(err))
	}
	if n, err := w.syncer.Flush(ctx); err != nil {
		w.logger.Warn("telemetry flush failed", zap.Error(err))
	} else if n > 0 {
		w.logger.Info("telemetry flushed", zap.Int("count", n))
	}
}

// checkAndRestartGuardian checks if guardian is alive and restarts if needed.
func (w *Watcher) checkAndRestartGuardian() {
	alive, err := w.registry.IsPartnerAlive(domain.RoleWatcher)
	if err != nil {
		w.logger.Warn("failed to check guardian", zap.Error(err))
		return
	}

	if !alive {
		w.logger.Info("guardian not running, restarting...")
		if err := w.spawner.Start(domain.RoleGuardian); err != nil {
			w.logger.Error("failed to restart guardian", zap.Error(err))
		} else {
			w.logger.Info("guardian restarted successfully")
		}
	}
}

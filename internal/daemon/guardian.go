package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/usecase"
)

// GuardianConfig holds guardian daemon configuration.
type GuardianConfig struct {
	WatcherCheckInterval time.Duration // How often to check watcher
	HeartbeatInterval    time.Duration // How often to update heartbeat
}

// DefaultGuardianConfig returns default guardian configuration.
func DefaultGuardianConfig() GuardianConfig {
	return GuardianConfig{
		WatcherCheckInterval: 30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
	}
}

// Guardian monitors the watcher daemon and restarts it if killed.
// It only does so while the parent has the uninstall lock on; with the lock
// off, stopping the watcher is allowed.
type Guardian struct {
	config   GuardianConfig
	registry domain.DaemonRegistry
	policies usecase.PolicySource
	spawner  Spawner
	logger   *zap.Logger
	daemon   domain.Daemon
}

// NewGuardian creates a new guardian daemon.
func NewGuardian(
	config GuardianConfig,
	registry domain.DaemonRegistry,
	policies usecase.PolicySource,
	spawner Spawner,
	daemon domain.Daemon,
	logger *zap.Logger,
) *Guardian {
	return &Guardian{
		config:   config,
		registry: registry,
		policies: policies,
		spawner:  spawner,
		daemon:   daemon,
		logger:   logger,
	}
}

// Run starts the guardian daemon loop.
// This blocks until context is canceled.
func (g *Guardian) Run(ctx context.Context) error {
	// Register ourselves in the registry
	if err := g.registry.Register(g.daemon); err != nil {
		g.logger.Error("failed to register guardian", zap.Error(err))
		return err
	}

	g.logger.Info("guardian daemon started",
		zap.Int("pid", g.daemon.PID),
		zap.String("version", g.daemon.AppVersion))

	// Set up tickers
	watcherCheckTicker := time.NewTicker(g.config.WatcherCheckInterval)
	heartbeatTicker := time.NewTicker(g.config.HeartbeatInterval)

	defer func() {
		watcherCheckTicker.Stop()
		heartbeatTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("guardian daemon stopping")
			return ctx.Err()

		case <-watcherCheckTicker.C:
			g.checkAndRestartWatcher(ctx)

		case <-heartbeatTicker.C:
			if err := g.registry.UpdateHeartbeat(domain.RoleGuardian); err != nil {
				g.logger.Warn("failed to update heartbeat", zap.Error(err))
			}
		}
	}
}

// checkAndRestartWatcher restarts the watcher if it is gone and the
// uninstall lock is on.
func (g *Guardian) checkAndRestartWatcher(ctx context.Context) bool {
	alive, err := g.registry.IsPartnerAlive(domain.RoleGuardian)
	if err != nil {
		g.logger.Warn("failed to check watcher", zap.Error(err))
		return false
	}
	if alive {
		return false
	}

	if !g.policies.Get(ctx).UninstallLockEnabled {
		g.logger.Debug("watcher not running, uninstall lock off")
		return false
	}

	g.logger.Info("watcher not running, restarting...")
	if err := g.spawner.Start(domain.RoleWatcher); err != nil {
		g.logger.Error("failed to restart watcher", zap.Error(err))
		return false
	}
	g.logger.Info("watcher restarted successfully")
	return true
}

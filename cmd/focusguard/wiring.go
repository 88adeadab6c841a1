package main

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/config"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/infra"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/policy"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/remote"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/usecase"
)

// app is the object graph shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store    domain.StateStore
	registry domain.DaemonRegistry // nil for ephemeral runs
	pm       domain.ProcessManager
	metrics  *infra.Metrics

	policies   *policy.Store
	bypass     *usecase.BypassManager
	gate       *usecase.PINGate
	kiosk      domain.KioskController
	sessions   *usecase.SessionEngine
	monitor    *usecase.Monitor
	presenter  *infra.SurfacePresenter
	enforcer   *usecase.Enforcer
	adapter    *remote.FileAdapter
	authorizer *usecase.Authorizer

	closers []io.Closer
}

// newApp wires the components over the encrypted state store, or over
// process memory when ephemeral is set.
func newApp(cfg *config.Config, ephemeral bool, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		pm:      infra.NewProcessManager(),
		metrics: infra.NewMetrics(),
	}

	if ephemeral {
		a.store = infra.NewMemoryStore()
	} else {
		dataDir := cfg.ResolvedDataDir()
		key, err := infra.EnsureKey(infra.NewKeyProvider(dataDir, cfg.Security.KeyPassphrase))
		if err != nil {
			return nil, fmt.Errorf("failed to load state key: %w", err)
		}
		store, err := infra.NewEncryptedStore(dataDir, key, a.pm)
		if err != nil {
			return nil, err
		}
		a.store = store
		a.registry = store
	}
	a.closers = append(a.closers, a.store)

	clock := domain.SystemClock{}
	a.policies = policy.NewStore(a.store, cfg.Security.PINCost, logger.Named("policy"))
	a.bypass = usecase.NewBypassManager(a.store, clock, logger.Named("bypass"))
	a.gate = usecase.NewPINGate(a.policies)
	a.kiosk = infra.NewKiosk(cfg.Kiosk.Engage, cfg.Kiosk.Disengage, logger.Named("kiosk"))

	sessionCfg := usecase.DefaultSessionConfig()
	sessionCfg.DefaultDuration = cfg.Durations.DefaultSession
	sessionCfg.BreakDuration = cfg.Durations.Break
	sessionCfg.Tick = cfg.Durations.Tick
	a.sessions = usecase.NewSessionEngine(a.store, a.kiosk, a.gate, a.store, clock, a.metrics, sessionCfg, logger.Named("session"))

	surfaces := usecase.Surfaces{
		Self:         domain.AppID(cfg.Surfaces.Self),
		Settings:     domain.AppID(cfg.Surfaces.Settings),
		AdminMarkers: cfg.Surfaces.AdminMarkers,
	}
	a.monitor = usecase.NewMonitor(a.policies, a.bypass, a.store, surfaces, clock, a.metrics, logger.Named("monitor"))
	a.presenter = infra.NewSurfacePresenter(cfg.Resolve(cfg.Enforcement.SurfacePath), logger.Named("presenter"))
	a.enforcer = usecase.NewEnforcer(a.pm, a.presenter, cfg.Enforcement.KillTargets, logger.Named("enforcer"))

	a.adapter = remote.NewFileAdapter(remote.FileAdapterConfig{
		PolicyPath: cfg.Resolve(cfg.Sync.PolicyPath),
		OutboxPath: cfg.Resolve(cfg.Sync.OutboxPath),
		PINCost:    cfg.Security.PINCost,
	}, a.policies, a.store, a.metrics, logger.Named("remote"))

	a.authorizer = usecase.NewAuthorizer(a.gate, a.bypass, a.policies, a.adapter, usecase.AuthorizerConfig{
		AppBypass:      cfg.Durations.AppBypass,
		SettingsBypass: cfg.Durations.SettingsBypass,
	}, logger.Named("authorizer"))

	return a, nil
}

// foregroundSource opens the configured event stream.
func (a *app) foregroundSource() (domain.ForegroundSource, error) {
	src := a.cfg.Enforcement.EventSource
	if src == config.EventSourceProcess {
		return infra.NewProcessForegroundSource(a.cfg.Enforcement.PollInterval, a.logger.Named("foreground")), nil
	}
	source, closer, err := infra.OpenJSONLinesSource(a.cfg.Resolve(src), a.logger.Named("foreground"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closer)
	return source, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("failed to close", zap.Error(err))
		}
	}
}

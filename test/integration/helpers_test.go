//go:build integration

package integration

import (
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/infra"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/policy"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/remote"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/usecase"
)

// manualClock only moves when told to
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 5, 4, 16, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// device is one process's view of the shared encrypted state: the CLI and
// the watcher each build their own over the same data directory.
type device struct {
	store      *infra.EncryptedStore
	policies   *policy.Store
	bypass     *usecase.BypassManager
	gate       *usecase.PINGate
	kiosk      *infra.CommandKiosk
	sessions   *usecase.SessionEngine
	monitor    *usecase.Monitor
	adapter    *remote.FileAdapter
	authorizer *usecase.Authorizer
	metrics    *infra.Metrics
}

type deviceOptions struct {
	dataDir string
	key     []byte
	clock   domain.Clock
	engage  []string
}

func newDevice(opts deviceOptions) *device {
	logger := zap.NewNop()
	store, err := infra.NewEncryptedStore(opts.dataDir, opts.key, infra.NewProcessManager())
	Expect(err).NotTo(HaveOccurred())

	d := &device{store: store, metrics: infra.NewMetrics()}
	d.policies = policy.NewStore(store, bcrypt.MinCost, logger)
	d.bypass = usecase.NewBypassManager(store, opts.clock, logger)
	d.gate = usecase.NewPINGate(d.policies)
	d.kiosk = infra.NewCommandKiosk(opts.engage, []string{"true"}, nil, logger)

	cfg := usecase.DefaultSessionConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.Tick = time.Minute
	d.sessions = usecase.NewSessionEngine(store, d.kiosk, d.gate, store, opts.clock, d.metrics, cfg, logger)
	d.monitor = usecase.NewMonitor(d.policies, d.bypass, store, usecase.DefaultSurfaces(), opts.clock, d.metrics, logger)
	d.adapter = remote.NewFileAdapter(remote.FileAdapterConfig{
		PolicyPath: filepath.Join(opts.dataDir, "policy.yaml"),
		OutboxPath: filepath.Join(opts.dataDir, "telemetry.jsonl"),
		PINCost:    bcrypt.MinCost,
	}, d.policies, store, d.metrics, logger)
	d.authorizer = usecase.NewAuthorizer(d.gate, d.bypass, d.policies, d.adapter, usecase.DefaultAuthorizerConfig(), logger)
	return d
}

func (d *device) Close() {
	Expect(d.store.Close()).To(Succeed())
}

func event(target string) domain.ForegroundEvent {
	return domain.ForegroundEvent{TargetID: domain.AppID(target)}
}

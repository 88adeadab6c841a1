//go:build integration

package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/daemon"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/infra"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/usecase"
)

const socialPolicy = `
lockedApps: ["app.social"]
settingsLockEnabled: true
uninstallLockEnabled: true
pin: "1234"
`

var _ = Describe("FocusGuard enforcement", func() {
	var (
		ctx     context.Context
		dataDir string
		key     []byte
		clock   *manualClock
		dev     *device
	)

	writePolicy := func(body string) {
		Expect(os.WriteFile(filepath.Join(dataDir, "policy.yaml"), []byte(body), 0600)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		dataDir = GinkgoT().TempDir()
		var err error
		key, err = infra.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		clock = newManualClock()
		dev = newDevice(deviceOptions{dataDir: dataDir, key: key, clock: clock, engage: []string{"true"}})
	})

	AfterEach(func() {
		dev.Close()
	})

	Describe("Locked apps", func() {
		BeforeEach(func() {
			writePolicy(socialPolicy)
			_, err := dev.adapter.Sync(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("redirects a locked app to the block surface", func() {
			out := dev.monitor.Handle(ctx, event("app.social"))
			Expect(out.Decision).To(Equal(domain.RedirectToBlock("app.social")))
		})

		It("allows a locked app while its grant is valid, up to and including the expiry instant", func() {
			grant, err := dev.authorizer.UnlockApp(ctx, "app.social", "1234")
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.monitor.Handle(ctx, event("app.social")).Decision).To(Equal(domain.Allow()))

			clock.Advance(grant.ExpiresAt.Sub(clock.Now()))
			Expect(dev.monitor.Handle(ctx, event("app.social")).Decision).To(Equal(domain.Allow()))

			clock.Advance(time.Millisecond)
			Expect(dev.monitor.Handle(ctx, event("app.social")).Decision).To(Equal(domain.RedirectToBlock("app.social")))
		})

		It("leaves unlocked apps alone", func() {
			Expect(dev.monitor.Handle(ctx, event("app.maps")).Decision).To(Equal(domain.Allow()))
		})
	})

	Describe("PIN gate", func() {
		It("reports no PIN before the parent configures one", func() {
			Expect(dev.gate.Verify(ctx, "1234")).To(MatchError(domain.ErrNoPinConfigured))
		})

		It("distinguishes malformed, wrong and correct PINs", func() {
			writePolicy(socialPolicy)
			_, err := dev.adapter.Sync(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(dev.gate.Verify(ctx, "12")).To(MatchError(domain.ErrInvalidCredentialFormat))
			Expect(dev.gate.Verify(ctx, "9999")).To(MatchError(domain.ErrIncorrectCredential))
			Expect(dev.gate.Verify(ctx, "1234")).To(Succeed())
		})

		It("accepts a changed PIN everywhere and publishes it to the policy document", func() {
			writePolicy(socialPolicy)
			_, err := dev.adapter.Sync(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(dev.authorizer.ChangePIN(ctx, "1234", "4321")).To(Succeed())
			Expect(dev.gate.Verify(ctx, "4321")).To(Succeed())

			// A fresh sync re-reads the published document and keeps the new PIN.
			_, err = dev.adapter.Sync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.gate.Verify(ctx, "4321")).To(Succeed())
			Expect(dev.gate.Verify(ctx, "1234")).To(MatchError(domain.ErrIncorrectCredential))
		})
	})

	Describe("Settings and admin surfaces", func() {
		BeforeEach(func() {
			writePolicy(socialPolicy)
			_, err := dev.adapter.Sync(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("asks for the PIN before settings, then honors the settings window", func() {
			settings := event("com.android.settings")
			Expect(dev.monitor.Handle(ctx, settings).Decision).
				To(Equal(domain.RedirectToPin(domain.PinReasonUnlockSettings)))

			_, err := dev.authorizer.UnlockSettings(ctx, "1234")
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.monitor.Handle(ctx, settings).Decision).To(Equal(domain.Allow()))

			clock.Advance(5*time.Minute + time.Millisecond)
			Expect(dev.monitor.Handle(ctx, settings).Decision).
				To(Equal(domain.RedirectToPin(domain.PinReasonUnlockSettings)))
		})

		It("guards the device admin screen even with a settings grant", func() {
			_, err := dev.authorizer.UnlockSettings(ctx, "1234")
			Expect(err).NotTo(HaveOccurred())

			admin := domain.ForegroundEvent{TargetID: "com.android.settings", SurfaceClassHint: "DeviceAdminAdd"}
			Expect(dev.monitor.Handle(ctx, admin).Decision).
				To(Equal(domain.RedirectToPin(domain.PinReasonDisableProtection)))
		})
	})

	Describe("Focus sessions", func() {
		It("returns from a break with the focus time left and the kiosk re-engaged", func() {
			s, err := dev.sessions.Start(ctx, 25*time.Minute, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.KioskEngaged).To(BeTrue())

			s, err = dev.sessions.StartBreak(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.State).To(Equal(domain.SessionBreak))
			Expect(s.KioskEngaged).To(BeFalse())

			for i := 0; i < 5; i++ {
				s, err = dev.sessions.Tick(ctx)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(s.State).To(Equal(domain.SessionRunning))
			Expect(s.Remaining).To(Equal(25 * time.Minute))
			Expect(s.KioskEngaged).To(BeTrue())
			Expect(dev.kiosk.Engaged()).To(BeTrue())
		})

		It("forces the session surface over everything but itself while the kiosk is held", func() {
			_, err := dev.sessions.Start(ctx, 25*time.Minute, true)
			Expect(err).NotTo(HaveOccurred())

			Expect(dev.monitor.Handle(ctx, event("app.maps")).Decision).To(Equal(domain.ForceKiosk()))
			Expect(dev.monitor.Handle(ctx, event("focusguard")).Decision).To(Equal(domain.Allow()))
		})

		It("keeps running unlocked when the kiosk refuses", func() {
			dev.Close()
			dev = newDevice(deviceOptions{dataDir: dataDir, key: key, clock: clock, engage: []string{"false"}})

			s, err := dev.sessions.Start(ctx, 25*time.Minute, true)
			Expect(err).To(MatchError(domain.ErrKioskEngageFailed))
			Expect(s.State).To(Equal(domain.SessionRunning))
			Expect(s.KioskEngaged).To(BeFalse())
			Expect(dev.monitor.Handle(ctx, event("app.maps")).Decision).To(Equal(domain.Allow()))
		})

		It("records completion telemetry and delivers it through the sync adapter", func() {
			_, err := dev.sessions.Start(ctx, 2*time.Minute, false)
			Expect(err).NotTo(HaveOccurred())
			_, err = dev.sessions.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			s, err := dev.sessions.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.State).To(Equal(domain.SessionFinished))

			n, err := dev.adapter.Flush(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			data, err := os.ReadFile(filepath.Join(dataDir, "telemetry.jsonl"))
			Expect(err).NotTo(HaveOccurred())
			var ev domain.TelemetryEvent
			Expect(json.Unmarshal(data, &ev)).To(Succeed())
			Expect(ev.Kind).To(Equal(domain.TelemetrySessionCompleted))
			Expect(ev.SessionID).To(Equal(s.ID))
		})

		It("requires the parent PIN for an emergency exit", func() {
			writePolicy(socialPolicy)
			_, err := dev.adapter.Sync(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = dev.sessions.Start(ctx, 25*time.Minute, true)
			Expect(err).NotTo(HaveOccurred())

			s, err := dev.sessions.EmergencyExit(ctx, "0000")
			Expect(err).To(MatchError(domain.ErrIncorrectCredential))
			Expect(s.State).To(Equal(domain.SessionRunning))

			s, err = dev.sessions.EmergencyExit(ctx, "1234")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.State).To(Equal(domain.SessionIdle))
			Expect(dev.kiosk.Engaged()).To(BeFalse())
		})
	})

	Describe("Shared state across processes", func() {
		var other *device

		BeforeEach(func() {
			other = newDevice(deviceOptions{dataDir: dataDir, key: key, clock: clock, engage: []string{"true"}})
		})

		AfterEach(func() {
			other.Close()
		})

		It("lets the CLI pause a session the watcher is ticking", func() {
			_, err := dev.sessions.Start(ctx, 10*time.Minute, false)
			Expect(err).NotTo(HaveOccurred())

			_, err = other.sessions.Pause(ctx)
			Expect(err).NotTo(HaveOccurred())

			s, err := dev.sessions.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.State).To(Equal(domain.SessionPaused))
			Expect(s.Remaining).To(Equal(10 * time.Minute))
		})

		It("sees grants written by the other process", func() {
			writePolicy(socialPolicy)
			_, err := dev.adapter.Sync(ctx)
			Expect(err).NotTo(HaveOccurred())

			_, err = other.authorizer.UnlockApp(ctx, "app.social", "1234")
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.monitor.Handle(ctx, event("app.social")).Decision).To(Equal(domain.Allow()))
		})

		It("puts the kiosk back after a restart", func() {
			_, err := dev.sessions.Start(ctx, 25*time.Minute, true)
			Expect(err).NotTo(HaveOccurred())

			s, err := other.sessions.Restore(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.KioskEngaged).To(BeTrue())
			Expect(other.kiosk.Engaged()).To(BeTrue())
		})
	})

	Describe("Watcher daemon", func() {
		It("enforces a stream of foreground events end to end", func() {
			writePolicy(socialPolicy)
			surfacePath := filepath.Join(dataDir, "surface.json")
			presenter := infra.NewSurfacePresenter(surfacePath, zap.NewNop())
			enforcer := usecase.NewEnforcer(infra.NewProcessManager(), presenter, false, zap.NewNop())

			stream := strings.Join([]string{
				`{"targetId":"app.maps"}`,
				`not json`,
				`{"targetId":"app.social"}`,
			}, "\n")
			source := infra.NewJSONLinesSource(strings.NewReader(stream), zap.NewNop())

			w := daemon.NewWatcher(daemon.WatcherConfig{
				TickInterval:         time.Hour,
				SyncInterval:         time.Hour,
				HeartbeatInterval:    time.Hour,
				PartnerCheckInterval: time.Hour,
			}, source, dev.monitor, enforcer, dev.sessions, dev.adapter, dev.store,
				daemon.NewExecSpawner(""), domain.Daemon{PID: os.Getpid(), Role: domain.RoleWatcher}, zap.NewNop())

			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- w.Run(runCtx) }()

			Eventually(func() string {
				f, err := os.Open(surfacePath)
				if err != nil {
					return ""
				}
				defer f.Close()
				var req infra.SurfaceRequest
				if err := json.NewDecoder(bufio.NewReader(f)).Decode(&req); err != nil {
					return ""
				}
				return req.Surface + ":" + req.Target
			}, 2*time.Second, 10*time.Millisecond).Should(Equal("block:app.social"))

			cancel()
			Eventually(done).Should(Receive(MatchError(context.Canceled)))

			entry, err := dev.store.GetAll()
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.WatcherPID).To(Equal(os.Getpid()))
		})
	})
})

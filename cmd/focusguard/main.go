// Package main is the CLI entry point for focusguard.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/config"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/daemon"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "focusguard",
	Short: "FocusGuard - parental focus and app lock enforcement",
	Long: `focusguard enforces a parent-defined policy on this device: locked apps
are redirected to a block screen, settings and device-admin surfaces
require the parent PIN, and focus sessions can hold the device in a
kiosk lock until the timer runs out.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start protection (launches watcher and guardian daemons)",
	Long: `Starts both the watcher and guardian daemons.
The watcher evaluates foreground changes, runs the focus session timer
and syncs the policy. The guardian restarts the watcher if it is killed
while the parent has the uninstall lock enabled.`,
	RunE: runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check protection status",
	Long:  `Shows whether the daemons are running, the current policy and the focus session.`,
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

// Hidden daemon command - used for self-exec when spawning daemons
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	RunE:   runDaemon,
}

var (
	configPath string
	ephemeral  bool
	daemonRole string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to focusguard.yaml")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "Keep state in memory only (testing)")
	daemonCmd.Flags().StringVar(&daemonRole, "role", "", "Daemon role (watcher/guardian)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(newPolicyCmd())
	rootCmd.AddCommand(newPINCmd())
	rootCmd.AddCommand(newUnlockCmd())
	rootCmd.AddCommand(newSessionCmd())
	rootCmd.AddCommand(newEventCmd())
}

// withApp loads the config, wires a CLI app and runs fn with it.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	a, err := newApp(cfg, ephemeral, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(context.Background(), a)
}

func runStart(cmd *cobra.Command, args []string) error {
	if ephemeral {
		return errors.New("daemons need persistent state; drop --ephemeral")
	}
	return withApp(func(ctx context.Context, a *app) error {
		// Check if already running
		entry, _ := a.registry.GetAll()
		if entry != nil {
			watcherAlive := a.pm.IsRunning(entry.WatcherPID)
			guardianAlive := a.pm.IsRunning(entry.GuardianPID)

			if watcherAlive && guardianAlive {
				fmt.Println("focusguard is already running (fully protected)")
				return nil
			}
		}

		if err := daemon.StartBothDaemons(daemon.NewExecSpawner(configPath)); err != nil {
			return fmt.Errorf("failed to start daemons: %w", err)
		}

		// Wait a moment for daemons to register
		time.Sleep(500 * time.Millisecond)

		fmt.Println("\n=== focusguard Started ===")
		fmt.Println("Status: PROTECTED")
		printPolicy(a.policies.Get(ctx))
		fmt.Println("\nDaemons are running in the background.")
		fmt.Println("The watcher is restarted automatically while the uninstall lock is on.")
		fmt.Println("==========================")
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		fmt.Println("\n=== focusguard Status ===")

		if a.registry == nil {
			fmt.Println("Daemons: n/a (ephemeral state)")
		} else if entry, err := a.registry.GetAll(); err != nil || entry == nil {
			fmt.Println("Status: NOT RUNNING")
			fmt.Println("\nRun 'focusguard start' to enable protection.")
		} else {
			printDaemons(a, entry)
		}

		printPolicy(a.policies.Get(ctx))
		fmt.Println()
		printSession(a.sessions.Current(ctx))
		fmt.Println("=========================")
		return nil
	})
}

func printDaemons(a *app, entry *domain.RegistryEntry) {
	watcherAlive := a.pm.IsRunning(entry.WatcherPID)
	guardianAlive := a.pm.IsRunning(entry.GuardianPID)

	if watcherAlive && guardianAlive {
		fmt.Println("Status: RUNNING (fully protected)")
	} else if watcherAlive || guardianAlive {
		fmt.Println("Status: DEGRADED (partial protection)")
		if !watcherAlive {
			fmt.Println("        Watcher is down (guardian restarts it under uninstall lock)")
		}
		if !guardianAlive {
			fmt.Println("        Guardian is down (will be restarted by watcher)")
		}
	} else {
		fmt.Println("Status: NOT RUNNING")
	}

	// Last heartbeat
	if entry.LastHeartbeat > 0 {
		lastBeat := time.Unix(entry.LastHeartbeat, 0)
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if daemonRole == "" {
		return fmt.Errorf("--role is required")
	}
	if ephemeral {
		return errors.New("daemons need persistent state; drop --ephemeral")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	a, err := newApp(cfg, false, logger)
	if err != nil {
		logger.Error("failed to initialize", zap.Error(err))
		return err
	}
	defer a.Close()

	// Create daemon entity
	role := domain.DaemonRole(daemonRole)
	d := domain.Daemon{
		PID:        os.Getpid(),
		Role:       role,
		StartedAt:  time.Now(),
		AppVersion: Version,
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	spawner := daemon.NewExecSpawner(configPath)

	// Run appropriate daemon
	switch role {
	case domain.RoleWatcher:
		source, err := a.foregroundSource()
		if err != nil {
			logger.Error("failed to open foreground source", zap.Error(err))
			return err
		}

		if cfg.Metrics.Address != "" {
			go func() {
				if err := a.metrics.Serve(ctx, cfg.Metrics.Address, logger); err != nil {
					logger.Error("metrics endpoint failed", zap.Error(err))
				}
			}()
		}

		watcher := daemon.NewWatcher(
			daemon.WatcherConfig{
				TickInterval:         cfg.Durations.Tick,
				SyncInterval:         cfg.Sync.Interval,
				HeartbeatInterval:    cfg.Daemon.Heartbeat,
				PartnerCheckInterval: cfg.Daemon.PartnerCheck,
			},
			source,
			a.monitor,
			a.enforcer,
			a.sessions,
			a.adapter,
			a.registry,
			spawner,
			d,
			logger,
		)
		return watcher.Run(ctx)

	case domain.RoleGuardian:
		guardian := daemon.NewGuardian(
			daemon.GuardianConfig{
				WatcherCheckInterval: cfg.Daemon.PartnerCheck,
				HeartbeatInterval:    cfg.Daemon.Heartbeat,
			},
			a.registry,
			a.policies,
			spawner,
			d,
			logger,
		)
		return guardian.Run(ctx)

	default:
		return fmt.Errorf("unknown role: %s", role)
	}
}

func createLogger(cfg *config.Config) *zap.Logger {
	zapConfig := zap.NewProductionConfig()
	if cfg.Logging.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}
	if cfg.Logging.File != "" {
		path := cfg.Resolve(cfg.Logging.File)
		zapConfig.OutputPaths = []string{path}
		zapConfig.ErrorOutputPaths = []string{path}
	}
	zapConfig.EncoderConfig.TimeKey = "time"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapConfig.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("focusguard %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

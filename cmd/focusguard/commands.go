package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/infra"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect or sync the parent policy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Pull the policy document into local state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if _, err := a.adapter.Sync(ctx); err != nil {
					return err
				}
				n, err := a.adapter.Flush(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Policy synced, %d telemetry records delivered\n", n)
				printPolicy(a.policies.Get(ctx))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the cached policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				printPolicy(a.policies.Get(ctx))
				return nil
			})
		},
	})
	return cmd
}

func newPINCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pin",
		Short: "Check or change the parent PIN",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <pin>",
		Short: "Check a PIN without side effects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.gate.Verify(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("PIN accepted")
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "change <current> <new>",
		Short: "Replace the parent PIN and publish it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.authorizer.ChangePIN(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("PIN changed")
				return nil
			})
		},
	})
	return cmd
}

func newUnlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Grant a temporary bypass with the parent PIN",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "app <app-id> <pin>",
		Short: "Unlock a locked app for the app bypass window",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				g, err := a.authorizer.UnlockApp(ctx, domain.AppID(args[0]), args[1])
				if err != nil {
					return err
				}
				printGrant(g)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "settings <pin>",
		Short: "Unlock the settings surface for the settings bypass window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				g, err := a.authorizer.UnlockSettings(ctx, args[0])
				if err != nil {
					return err
				}
				printGrant(g)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "admin <pin>",
		Short: "Authorize disabling protection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.authorizer.AuthorizeDisableProtection(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Disabling protection authorized")
				return nil
			})
		},
	})
	return cmd
}

type sessionOp func(ctx context.Context, a *app) (domain.FocusSession, error)

func sessionSubcommand(use, short string, op sessionOp) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				s, err := op(ctx, a)
				return reportSession(s, err)
			})
		},
	}
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Drive the focus session",
	}

	var (
		duration time.Duration
		kiosk    bool
	)
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a focus session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				s, err := a.sessions.Start(ctx, duration, kiosk)
				return reportSession(s, err)
			})
		},
	}
	start.Flags().DurationVar(&duration, "duration", 0, "Focus duration (default from config)")
	start.Flags().BoolVar(&kiosk, "kiosk", false, "Hold the device in kiosk lock while focusing")

	exit := &cobra.Command{
		Use:   "exit <pin>",
		Short: "Abandon the session with the parent PIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				s, err := a.sessions.EmergencyExit(ctx, args[0])
				return reportSession(s, err)
			})
		},
	}

	cmd.AddCommand(start, exit,
		sessionSubcommand("pause", "Pause the countdown", func(ctx context.Context, a *app) (domain.FocusSession, error) {
			return a.sessions.Pause(ctx)
		}),
		sessionSubcommand("resume", "Resume a paused countdown", func(ctx context.Context, a *app) (domain.FocusSession, error) {
			return a.sessions.Resume(ctx)
		}),
		sessionSubcommand("reset", "Restart the countdown", func(ctx context.Context, a *app) (domain.FocusSession, error) {
			return a.sessions.Reset(ctx)
		}),
		sessionSubcommand("break", "Take a break", func(ctx context.Context, a *app) (domain.FocusSession, error) {
			return a.sessions.StartBreak(ctx)
		}),
		sessionSubcommand("finish", "End the session as completed", func(ctx context.Context, a *app) (domain.FocusSession, error) {
			return a.sessions.Finish(ctx)
		}),
		sessionSubcommand("ack", "Acknowledge a finished session", func(ctx context.Context, a *app) (domain.FocusSession, error) {
			return a.sessions.Acknowledge(ctx)
		}),
		sessionSubcommand("show", "Show the current session", func(ctx context.Context, a *app) (domain.FocusSession, error) {
			return a.sessions.Current(ctx), nil
		}),
	)
	return cmd
}

// reportSession prints s. A kiosk refusal is a warning; the session stands.
func reportSession(s domain.FocusSession, err error) error {
	if errors.Is(err, domain.ErrKioskEngageFailed) {
		fmt.Fprintf(os.Stderr, "Warning: %v (session runs without kiosk lock)\n", err)
		err = nil
	}
	printSession(s)
	return err
}

func newEventCmd() *cobra.Command {
	var enforce bool
	cmd := &cobra.Command{
		Use:   "event [json]",
		Short: "Evaluate foreground events and print the decisions",
		Long: `Evaluates one foreground event given as an argument, or a stream of
JSON lines on stdin, and prints the decision for each. With --enforce the
decisions are carried out as the watcher would.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					ev, err := infra.ParseForegroundEvent([]byte(args[0]))
					if err != nil {
						return err
					}
					if ev.ObservedAt.IsZero() {
						ev.ObservedAt = time.Now()
					}
					evaluate(ctx, a, ev, enforce, cmd.OutOrStdout())
					return nil
				}

				source := infra.NewJSONLinesSource(cmd.InOrStdin(), a.logger)
				errc := make(chan error, 1)
				go func() { errc <- source.Start(ctx) }()
				for ev := range source.Events() {
					evaluate(ctx, a, ev, enforce, cmd.OutOrStdout())
				}
				return <-errc
			})
		},
	}
	cmd.Flags().BoolVar(&enforce, "enforce", false, "Carry out the decisions")
	return cmd
}

type decisionLine struct {
	Target   domain.AppID `json:"targetId"`
	Decision string       `json:"decision"`
	Repeated bool         `json:"repeated,omitempty"`
}

func evaluate(ctx context.Context, a *app, ev domain.ForegroundEvent, enforce bool, w io.Writer) {
	out := a.monitor.Handle(ctx, ev)
	if enforce && out.Decision.Kind != domain.DecisionAllow {
		a.enforcer.Apply(ctx, out)
	}
	line, _ := json.Marshal(decisionLine{Target: ev.TargetID, Decision: out.Decision.String(), Repeated: out.Repeated})
	fmt.Fprintln(w, string(line))
}

func printPolicy(p domain.Policy) {
	fmt.Println("\nPolicy:")
	fmt.Printf("  PIN configured:  %t\n", p.PIN.IsSet())
	fmt.Printf("  Settings lock:   %t\n", p.SettingsLockEnabled)
	fmt.Printf("  Uninstall lock:  %t\n", p.UninstallLockEnabled)
	apps := p.LockedAppList()
	if len(apps) == 0 {
		fmt.Println("  Locked apps:     (none)")
		return
	}
	names := make([]string, len(apps))
	for i, app := range apps {
		names[i] = string(app)
	}
	fmt.Printf("  Locked apps:     %s\n", strings.Join(names, ", "))
}

func printSession(s domain.FocusSession) {
	fmt.Printf("Session: %s\n", s.State)
	if s.State == domain.SessionIdle {
		return
	}
	fmt.Printf("  ID:        %s\n", s.ID)
	fmt.Printf("  Remaining: %s of %s\n", s.Remaining.Round(time.Second), s.Total.Round(time.Second))
	if s.State == domain.SessionBreak {
		fmt.Printf("  Resumes with: %s\n", s.ResumeRemaining.Round(time.Second))
	}
	fmt.Printf("  Kiosk:     %t\n", s.KioskEngaged)
}

func printGrant(g domain.BypassGrant) {
	fmt.Printf("Unlocked %s until %s\n", g.SubjectKey, g.ExpiresAt.Local().Format(time.RFC3339))
}

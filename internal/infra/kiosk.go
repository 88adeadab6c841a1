package infra

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, argv []string) error
}

// ExecRunner runs real system commands.
type ExecRunner struct{}

// Run executes argv and waits for it to complete.
func (ExecRunner) Run(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, out)
	}
	return nil
}

// CommandKiosk engages the hard lock by running platform commands
// (a screen-lock helper, a kiosk-mode launcher, a window manager rule).
type CommandKiosk struct {
	engage    []string
	disengage []string
	runner    CommandRunner
	logger    *zap.Logger

	mu      sync.Mutex
	engaged bool
}

// NewCommandKiosk creates a kiosk controller around engage/disengage commands.
func NewCommandKiosk(engage, disengage []string, runner CommandRunner, logger *zap.Logger) *CommandKiosk {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &CommandKiosk{engage: engage, disengage: disengage, runner: runner, logger: logger}
}

// Engage runs the engage command. Any failure is reported as ErrKioskEngageFailed.
func (k *CommandKiosk) Engage(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.runner.Run(ctx, k.engage); err != nil {
		k.logger.Warn("kiosk engage refused", zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrKioskEngageFailed, err)
	}
	k.engaged = true
	k.logger.Info("kiosk engaged")
	return nil
}

// Disengage runs the disengage command. Releasing an unlocked kiosk is a no-op.
func (k *CommandKiosk) Disengage(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.disengage) == 0 {
		k.engaged = false
		return nil
	}
	if err := k.runner.Run(ctx, k.disengage); err != nil {
		return fmt.Errorf("failed to disengage kiosk: %w", err)
	}
	k.engaged = false
	k.logger.Info("kiosk disengaged")
	return nil
}

// Engaged reports the last known lock state of this process.
func (k *CommandKiosk) Engaged() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.engaged
}

// UnavailableKiosk is used when no kiosk capability is configured.
// Sessions still run, without the hard lock.
type UnavailableKiosk struct{}

// Engage always refuses.
func (UnavailableKiosk) Engage(context.Context) error {
	return fmt.Errorf("%w: no kiosk capability configured", domain.ErrKioskEngageFailed)
}

// Disengage has nothing to release.
func (UnavailableKiosk) Disengage(context.Context) error { return nil }

// NewKiosk picks the command kiosk when an engage command is configured.
func NewKiosk(engage, disengage []string, logger *zap.Logger) domain.KioskController {
	if len(engage) == 0 {
		return UnavailableKiosk{}
	}
	return NewCommandKiosk(engage, disengage, ExecRunner{}, logger)
}

var (
	_ domain.KioskController = (*CommandKiosk)(nil)
	_ domain.KioskController = UnavailableKiosk{}
)

package daemon

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// Spawner launches a daemon process for a role.
type Spawner interface {
	Start(role domain.DaemonRole) error
}

// ExecSpawner self-execs the focusguard binary in daemon mode.
type ExecSpawner struct {
	Executable string // empty means os.Executable()
	ConfigPath string // forwarded as --config when set
}

// NewExecSpawner creates a spawner for the running binary.
func NewExecSpawner(configPath string) *ExecSpawner {
	return &ExecSpawner{ConfigPath: configPath}
}

// Args returns the command line used for role, without the executable.
// Hidden "daemon" command: focusguard daemon --role watcher --config path
func (s *ExecSpawner) Args(role domain.DaemonRole) []string {
	args := []string{"daemon", "--role", string(role)}
	if s.ConfigPath != "" {
		args = append(args, "--config", s.ConfigPath)
	}
	return args
}

// Start spawns a new daemon process.
// The daemon is detached from the parent process (runs independently).
func (s *ExecSpawner) Start(role domain.DaemonRole) error {
	executable := s.Executable
	if executable == "" {
		var err error
		if executable, err = os.Executable(); err != nil {
			return err
		}
	}

	cmd := exec.Command(executable, s.Args(role)...)

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	// No stdin/stdout/stderr - fully detached
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	return cmd.Start()
}

// StartBothDaemons starts both watcher and guardian daemons.
func StartBothDaemons(s Spawner) error {
	// Start watcher first
	if err := s.Start(domain.RoleWatcher); err != nil {
		return err
	}

	// Start guardian
	if err := s.Start(domain.RoleGuardian); err != nil {
		return err
	}

	return nil
}

// Ensure ExecSpawner implements Spawner.
var _ Spawner = (*ExecSpawner)(nil)

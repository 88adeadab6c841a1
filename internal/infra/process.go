// Package infra implements infrastructure concerns: encrypted state, processes,
// foreground sources, the kiosk capability and metrics.
package infra

import (
	"context"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// FindByName returns PIDs of processes named name (case-insensitive).
func (pm *ProcessManagerImpl) FindByName(name string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var found []int
	for _, p := range procs {
		procName, err := p.Name()
		if err != nil {
			continue // Process may have exited
		}
		if nameMatches(procName, name) {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

// nameMatches compares whole names, ignoring case. A target such as "sh"
// must not match "bash" or "ssh".
func nameMatches(name, target string) bool {
	return target != "" && strings.EqualFold(name, target)
}

// Kill terminates a process by PID using SIGKILL.
func (pm *ProcessManagerImpl) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only probes for existence.
	return proc.Signal(syscall.Signal(0)) == nil
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// ProcessForegroundSource approximates foreground changes on desktops by
// reporting every newly started process. The first poll only seeds the
// baseline so already-running processes don't produce events.
type ProcessForegroundSource struct {
	interval time.Duration
	list     func(ctx context.Context) ([]*process.Process, error)
	logger   *zap.Logger
	events   chan domain.ForegroundEvent
	now      func() time.Time
}

// NewProcessForegroundSource creates a poller with the given interval.
func NewProcessForegroundSource(interval time.Duration, logger *zap.Logger) *ProcessForegroundSource {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProcessForegroundSource{
		interval: interval,
		list:     process.ProcessesWithContext,
		logger:   logger,
		events:   make(chan domain.ForegroundEvent, 64),
		now:      time.Now,
	}
}

// Events returns the event stream.
func (s *ProcessForegroundSource) Events() <-chan domain.ForegroundEvent {
	return s.events
}

// Start polls until ctx is canceled, then closes the event channel.
func (s *ProcessForegroundSource) Start(ctx context.Context) error {
	defer close(s.events)

	seen := make(map[int32]struct{})
	if _, err := s.poll(ctx, seen); err != nil {
		s.logger.Warn("initial process scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fresh, err := s.poll(ctx, seen)
			if err != nil {
				s.logger.Warn("process scan failed", zap.Error(err))
				continue
			}
			for _, ev := range fresh {
				select {
				case s.events <- ev:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// poll refreshes seen and returns events for processes not seen before.
func (s *ProcessForegroundSource) poll(ctx context.Context, seen map[int32]struct{}) ([]domain.ForegroundEvent, error) {
	procs, err := s.list(ctx)
	if err != nil {
		return nil, err
	}

	alive := make(map[int32]struct{}, len(procs))
	var fresh []domain.ForegroundEvent
	for _, p := range procs {
		alive[p.Pid] = struct{}{}
		if _, ok := seen[p.Pid]; ok {
			continue
		}
		seen[p.Pid] = struct{}{}
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue // exited between list and lookup
		}
		exe, _ := p.ExeWithContext(ctx)
		fresh = append(fresh, domain.ForegroundEvent{
			TargetID:         domain.AppID(name),
			SurfaceClassHint: exe,
			ObservedAt:       s.now(),
		})
	}
	for pid := range seen {
		if _, ok := alive[pid]; !ok {
			delete(seen, pid)
		}
	}
	return fresh, nil
}

var (
	_ domain.ProcessManager   = (*ProcessManagerImpl)(nil)
	_ domain.ForegroundSource = (*ProcessForegroundSource)(nil)
)

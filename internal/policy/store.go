package policy

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// Store is the policy cache read by the monitor and written by sync and the PIN flows.
//
// Reads go through to the repository so a daemon observes edits committed by
// another process. The last good snapshot is kept and served when the
// repository can't be read.
type Store struct {
	repo   domain.PolicyRepository
	cost   int
	logger *zap.Logger

	mu   sync.Mutex // serializes writers in this process
	last atomic.Pointer[domain.Policy]
}

// NewStore creates a policy store over repo.
// cost is the bcrypt cost used by UpdatePIN (0 selects DefaultPINCost).
func NewStore(repo domain.PolicyRepository, cost int, logger *zap.Logger) *Store {
	s := &Store{repo: repo, cost: cost, logger: logger}
	empty := domain.Policy{LockedApps: map[domain.AppID]struct{}{}}
	s.last.Store(&empty)
	return s
}

// Get returns the current policy snapshot.
func (s *Store) Get(ctx context.Context) domain.Policy {
	p, err := s.repo.LoadPolicy(ctx)
	if err != nil {
		s.logger.Warn("failed to load policy, serving cached snapshot", zap.Error(err))
		return s.last.Load().Clone()
	}
	s.last.Store(&p)
	return p.Clone()
}

// Replace swaps the whole policy. Grants and the session are left alone.
func (s *Store) Replace(ctx context.Context, p domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = p.Clone()
	if err := s.repo.SavePolicy(ctx, p); err != nil {
		return err
	}
	s.last.Store(&p)
	s.logger.Info("policy replaced",
		zap.Int("locked_apps", len(p.LockedApps)),
		zap.Bool("settings_lock", p.SettingsLockEnabled),
		zap.Bool("uninstall_lock", p.UninstallLockEnabled),
		zap.Bool("pin_set", p.PIN.IsSet()))
	return nil
}

// UpdatePIN validates and seals pin, then commits it.
// A malformed pin returns domain.ErrInvalidCredentialFormat and nothing is written.
func (s *Store) UpdatePIN(ctx context.Context, pin string) error {
	sealed, err := SealPIN(pin, s.cost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.SavePIN(ctx, sealed); err != nil {
		return err
	}
	next := s.last.Load().Clone()
	next.PIN = sealed
	s.last.Store(&next)
	s.logger.Info("pin updated")
	return nil
}

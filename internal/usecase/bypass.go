package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// GrantSet is a point-in-time view of the bypass grants, keyed by subject.
type GrantSet map[string]time.Time

// Valid reports whether subject holds a grant that is still good at now.
func (g GrantSet) Valid(subject string, now time.Time) bool {
	exp, ok := g[subject]
	if !ok {
		return false
	}
	return domain.BypassGrant{SubjectKey: subject, ExpiresAt: exp}.ValidAt(now)
}

// BypassManager issues and checks time-boxed bypass grants.
// Expired grants are pruned lazily whenever a snapshot is taken.
type BypassManager struct {
	repo   domain.GrantRepository
	clock  domain.Clock
	logger *zap.Logger
}

// NewBypassManager creates a bypass manager over repo.
func NewBypassManager(repo domain.GrantRepository, clock domain.Clock, logger *zap.Logger) *BypassManager {
	return &BypassManager{repo: repo, clock: clock, logger: logger}
}

// Grant authorizes subject for d from now, replacing any earlier grant.
func (b *BypassManager) Grant(ctx context.Context, subject string, d time.Duration) (domain.BypassGrant, error) {
	if subject == "" {
		return domain.BypassGrant{}, fmt.Errorf("grant subject is empty")
	}
	if d <= 0 {
		return domain.BypassGrant{}, domain.ErrInvalidDuration
	}

	// Millisecond precision matches the persisted expiresAtMs.
	g := domain.BypassGrant{
		SubjectKey: subject,
		ExpiresAt:  b.clock.Now().Add(d).Truncate(time.Millisecond),
	}
	if err := b.repo.PutGrant(ctx, g); err != nil {
		return domain.BypassGrant{}, fmt.Errorf("failed to store grant: %w", err)
	}

	b.logger.Info("bypass granted",
		zap.String("subject", subject),
		zap.Duration("duration", d),
		zap.Time("expires_at", g.ExpiresAt))
	return g, nil
}

// IsValid reports whether subject is authorized at now.
// A store read failure counts as no grant.
func (b *BypassManager) IsValid(ctx context.Context, subject string, now time.Time) bool {
	grants, err := b.repo.ListGrants(ctx)
	if err != nil {
		b.logger.Warn("failed to read grants", zap.Error(err))
		return false
	}
	for _, g := range grants {
		if g.SubjectKey == subject {
			return g.ValidAt(now)
		}
	}
	return false
}

// Snapshot returns the grants still valid at now and deletes the rest.
func (b *BypassManager) Snapshot(ctx context.Context, now time.Time) GrantSet {
	grants, err := b.repo.ListGrants(ctx)
	if err != nil {
		b.logger.Warn("failed to read grants", zap.Error(err))
		return GrantSet{}
	}

	set := make(GrantSet, len(grants))
	var (
		expired  []domain.BypassGrant
		subjects []string
	)
	for _, g := range grants {
		if g.ValidAt(now) {
			set[g.SubjectKey] = g.ExpiresAt
		} else {
			expired = append(expired, g)
			subjects = append(subjects, g.SubjectKey)
		}
	}

	// The delete is conditional on the expiry read above, so a grant
	// written by the CLI since the list is not lost.
	if len(expired) > 0 {
		if err := b.repo.DeleteGrants(ctx, expired); err != nil {
			b.logger.Warn("failed to prune expired grants", zap.Strings("subjects", subjects), zap.Error(err))
		} else {
			b.logger.Debug("pruned expired grants", zap.Strings("subjects", subjects))
		}
	}
	return set
}

package usecase

import (
	"context"
	"fmt"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/policy"
)

// PolicySource is the read side of the policy store.
type PolicySource interface {
	Get(ctx context.Context) domain.Policy
}

// Verifier checks a submitted parent PIN.
type Verifier interface {
	Verify(ctx context.Context, entered string) error
}

// PINGate validates a submitted PIN against the policy. It has no side effects.
type PINGate struct {
	policies PolicySource
}

// NewPINGate creates a PIN gate reading from policies.
func NewPINGate(policies PolicySource) *PINGate {
	return &PINGate{policies: policies}
}

// Verify returns nil when entered matches the configured PIN.
// The format is checked before anything else, so a malformed input is always
// ErrInvalidCredentialFormat and never ErrIncorrectCredential.
func (g *PINGate) Verify(ctx context.Context, entered string) error {
	if err := policy.ValidatePIN(entered); err != nil {
		return err
	}

	sealed := g.policies.Get(ctx).PIN
	if !sealed.IsSet() {
		return domain.ErrNoPinConfigured
	}

	ok, err := policy.MatchPIN(sealed, entered)
	if err != nil {
		return fmt.Errorf("failed to compare pin: %w", err)
	}
	if !ok {
		return domain.ErrIncorrectCredential
	}
	return nil
}

var _ Verifier = (*PINGate)(nil)

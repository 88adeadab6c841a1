package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/policy"
)

// PINUpdater is the write side of the policy store used for PIN changes.
type PINUpdater interface {
	UpdatePIN(ctx context.Context, pin string) error
}

// AuthorizerConfig holds the bypass window lengths.
type AuthorizerConfig struct {
	AppBypass      time.Duration
	SettingsBypass time.Duration
}

// DefaultAuthorizerConfig returns the stock bypass windows.
func DefaultAuthorizerConfig() AuthorizerConfig {
	return AuthorizerConfig{
		AppBypass:      policy.AppBypassDuration,
		SettingsBypass: policy.SettingsBypassDuration,
	}
}

// Authorizer turns a verified parent PIN into its consequence: a bypass
// grant, permission to disable protection, or a new PIN.
type Authorizer struct {
	gate      Verifier
	bypass    *BypassManager
	pins      PINUpdater
	publisher domain.PolicyPublisher
	cfg       AuthorizerConfig
	logger    *zap.Logger
}

// NewAuthorizer creates an authorizer. publisher may be nil when there is no remote copy.
func NewAuthorizer(
	gate Verifier,
	bypass *BypassManager,
	pins PINUpdater,
	publisher domain.PolicyPublisher,
	cfg AuthorizerConfig,
	logger *zap.Logger,
) *Authorizer {
	return &Authorizer{
		gate:      gate,
		bypass:    bypass,
		pins:      pins,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// UnlockApp grants app for the app bypass window.
func (a *Authorizer) UnlockApp(ctx context.Context, app domain.AppID, pin string) (domain.BypassGrant, error) {
	if err := a.gate.Verify(ctx, pin); err != nil {
		a.logger.Info("app unlock denied", zap.String("app", string(app)), zap.Error(err))
		return domain.BypassGrant{}, err
	}
	return a.bypass.Grant(ctx, string(app), a.cfg.AppBypass)
}

// UnlockSettings grants the settings surface for the settings window.
func (a *Authorizer) UnlockSettings(ctx context.Context, pin string) (domain.BypassGrant, error) {
	if err := a.gate.Verify(ctx, pin); err != nil {
		a.logger.Info("settings unlock denied", zap.Error(err))
		return domain.BypassGrant{}, err
	}
	return a.bypass.Grant(ctx, domain.SettingsSubject, a.cfg.SettingsBypass)
}

// AuthorizeDisableProtection checks the PIN before the admin screen is let through.
// It grants nothing; the caller navigates away on success.
func (a *Authorizer) AuthorizeDisableProtection(ctx context.Context, pin string) error {
	if err := a.gate.Verify(ctx, pin); err != nil {
		a.logger.Info("disable protection denied", zap.Error(err))
		return err
	}
	a.logger.Warn("disable protection authorized")
	return nil
}

// ChangePIN replaces the PIN after the current one checks out. The new PIN
// is pushed to the remote copy first and committed locally only once the
// push succeeds, so the next sync cannot bring the old PIN back.
func (a *Authorizer) ChangePIN(ctx context.Context, current, next string) error {
	if err := a.gate.Verify(ctx, current); err != nil {
		return err
	}
	if err := policy.ValidatePIN(next); err != nil {
		return err
	}

	if a.publisher != nil {
		if err := a.publisher.PublishPIN(ctx, next); err != nil {
			a.logger.Warn("failed to publish new pin", zap.Error(err))
			return fmt.Errorf("failed to publish pin: %w", err)
		}
	}
	if err := a.pins.UpdatePIN(ctx, next); err != nil {
		// The remote copy already has it; the next sync applies it.
		return fmt.Errorf("failed to update pin: %w", err)
	}
	a.logger.Info("pin changed")
	return nil
}

// Package policy owns the parent policy: its constants, PIN sealing, the
// remote document format and the cached store read by the enforcement engine.
package policy

import (
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

const (
	// AppBypassDuration is how long an app stays unlocked after a correct PIN.
	AppBypassDuration = 24 * time.Hour

	// SettingsBypassDuration is the settings "free pass" after a correct PIN.
	SettingsBypassDuration = 5 * time.Minute

	// BreakDuration is the fixed length of a focus break.
	BreakDuration = 5 * time.Minute

	// DefaultSessionDuration is used when a session is started without a duration.
	DefaultSessionDuration = 25 * time.Minute

	// TickInterval is the session countdown resolution.
	TickInterval = time.Second

	// PINLength is the number of digits in a parent PIN.
	PINLength = 4
)

// DefaultPINCost is the bcrypt cost used to seal PINs at rest.
const DefaultPINCost = bcrypt.DefaultCost

// ValidatePIN checks the 4-ASCII-digit format.
func ValidatePIN(pin string) error {
	if len(pin) != PINLength {
		return domain.ErrInvalidCredentialFormat
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return domain.ErrInvalidCredentialFormat
		}
	}
	return nil
}

// SealPIN validates pin and returns its bcrypt digest.
func SealPIN(pin string, cost int) (domain.SealedPIN, error) {
	if err := ValidatePIN(pin); err != nil {
		return "", err
	}
	if cost == 0 {
		cost = DefaultPINCost
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", err
	}
	return domain.SealedPIN(digest), nil
}

// MatchPIN reports whether entered is the PIN sealed in sealed.
// Callers validate the format first.
func MatchPIN(sealed domain.SealedPIN, entered string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(sealed), []byte(entered))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

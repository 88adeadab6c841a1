package domain

import "errors"

var (
	// ErrInvalidCredentialFormat means the submitted PIN is not exactly 4 digits.
	ErrInvalidCredentialFormat = errors.New("pin must be exactly 4 digits")
	// ErrIncorrectCredential means the PIN is well formed but wrong.
	ErrIncorrectCredential = errors.New("incorrect pin")
	// ErrNoPinConfigured means no parent PIN has been synced to this device.
	ErrNoPinConfigured = errors.New("no pin configured")
	// ErrKioskEngageFailed means the kiosk capability refused to lock.
	// The session keeps running without hard-lock enforcement.
	ErrKioskEngageFailed = errors.New("kiosk engage failed")
	// ErrPersistenceWriteFailed means a durable write did not commit.
	ErrPersistenceWriteFailed = errors.New("persistence write failed")
	// ErrInvalidTransition means the session can't take that step from its current state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrInvalidDuration means a non-positive session or grant duration.
	ErrInvalidDuration = errors.New("duration must be positive")
	// ErrRevisionConflict means another writer committed the session first.
	ErrRevisionConflict = errors.New("session revision conflict")
	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
)

package infra

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// Persisted key layout. Every record is a set of string values under these keys.
const (
	keySessionID         = "focusSession.id"
	keySessionState      = "focusSession.state"
	keySessionRemaining  = "focusSession.remainingMs"
	keySessionTotal      = "focusSession.totalMs"
	keySessionResume     = "focusSession.resumeMs"
	keySessionKiosk      = "focusSession.kioskEngaged"
	keySessionSupervised = "focusSession.supervised"
	keySessionStartedAt  = "focusSession.startedAtMs"
	keySessionRevision   = "focusSession.revision"

	keyPolicyPIN           = "policy.pin"
	keyPolicySettingsLock  = "policy.settingsLockEnabled"
	keyPolicyUninstallLock = "policy.uninstallLockEnabled"
	keyPolicyLockedApps    = "policy.lockedApps"

	sessionPrefix = "focusSession."
	bypassPrefix  = "bypass."
	bypassSuffix  = ".expiresAtMs"
)

func grantKey(subject string) string {
	return bypassPrefix + subject + bypassSuffix
}

func grantSubject(key string) (string, bool) {
	if !strings.HasPrefix(key, bypassPrefix) || !strings.HasSuffix(key, bypassSuffix) {
		return "", false
	}
	subject := strings.TrimSuffix(strings.TrimPrefix(key, bypassPrefix), bypassSuffix)
	return subject, subject != ""
}

func encodeSession(s domain.FocusSession) map[string]string {
	return map[string]string{
		keySessionID:         s.ID,
		keySessionState:      string(s.State),
		keySessionRemaining:  strconv.FormatInt(s.Remaining.Milliseconds(), 10),
		keySessionTotal:      strconv.FormatInt(s.Total.Milliseconds(), 10),
		keySessionResume:     strconv.FormatInt(s.ResumeRemaining.Milliseconds(), 10),
		keySessionKiosk:      strconv.FormatBool(s.KioskEngaged),
		keySessionSupervised: strconv.FormatBool(s.Supervised),
		keySessionStartedAt:  strconv.FormatInt(s.StartedAt.UnixMilli(), 10),
		keySessionRevision:   strconv.FormatUint(s.Revision, 10),
	}
}

// decodeSession rebuilds a session from its keys. A missing state means idle.
func decodeSession(kv map[string]string) (domain.FocusSession, error) {
	state, ok := kv[keySessionState]
	if !ok || state == "" {
		s := domain.IdleSession()
		if rev, ok := kv[keySessionRevision]; ok {
			n, err := strconv.ParseUint(rev, 10, 64)
			if err != nil {
				return s, fmt.Errorf("invalid %s: %w", keySessionRevision, err)
			}
			s.Revision = n
		}
		return s, nil
	}

	s := domain.FocusSession{ID: kv[keySessionID], State: domain.SessionState(state)}
	switch s.State {
	case domain.SessionIdle, domain.SessionRunning, domain.SessionPaused,
		domain.SessionBreak, domain.SessionFinished:
	default:
		return domain.IdleSession(), fmt.Errorf("invalid %s: %q", keySessionState, state)
	}

	var err error
	if s.Remaining, err = msField(kv, keySessionRemaining); err != nil {
		return domain.IdleSession(), err
	}
	if s.Total, err = msField(kv, keySessionTotal); err != nil {
		return domain.IdleSession(), err
	}
	if s.ResumeRemaining, err = msField(kv, keySessionResume); err != nil {
		return domain.IdleSession(), err
	}
	s.KioskEngaged = kv[keySessionKiosk] == "true"
	s.Supervised = kv[keySessionSupervised] == "true"
	if ms, err := msField(kv, keySessionStartedAt); err == nil && ms > 0 {
		s.StartedAt = time.UnixMilli(ms.Milliseconds())
	}
	if rev := kv[keySessionRevision]; rev != "" {
		if s.Revision, err = strconv.ParseUint(rev, 10, 64); err != nil {
			return domain.IdleSession(), fmt.Errorf("invalid %s: %w", keySessionRevision, err)
		}
	}
	return s, nil
}

func msField(kv map[string]string, key string) (time.Duration, error) {
	v, ok := kv[key]
	if !ok || v == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func encodePolicy(p domain.Policy) (map[string]string, error) {
	apps, err := json.Marshal(p.LockedAppList())
	if err != nil {
		return nil, err
	}
	return map[string]string{
		keyPolicyPIN:           string(p.PIN),
		keyPolicySettingsLock:  strconv.FormatBool(p.SettingsLockEnabled),
		keyPolicyUninstallLock: strconv.FormatBool(p.UninstallLockEnabled),
		keyPolicyLockedApps:    string(apps),
	}, nil
}

func decodePolicy(kv map[string]string) (domain.Policy, error) {
	p := domain.Policy{
		LockedApps:           map[domain.AppID]struct{}{},
		SettingsLockEnabled:  kv[keyPolicySettingsLock] == "true",
		UninstallLockEnabled: kv[keyPolicyUninstallLock] == "true",
		PIN:                  domain.SealedPIN(kv[keyPolicyPIN]),
	}
	if raw := kv[keyPolicyLockedApps]; raw != "" {
		var apps []domain.AppID
		if err := json.Unmarshal([]byte(raw), &apps); err != nil {
			return p, fmt.Errorf("invalid %s: %w", keyPolicyLockedApps, err)
		}
		for _, app := range apps {
			p.LockedApps[app] = struct{}{}
		}
	}
	return p, nil
}

package policy

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// Document is the remote policy after coercion into typed fields.
type Document struct {
	LockedApps           []domain.AppID
	SettingsLockEnabled  bool
	UninstallLockEnabled bool
	PIN                  string // plaintext as delivered; empty when none

	// Rejected lists entries that were dropped as malformed.
	Rejected []string
}

// Field names of the document. The legacy names are what the mobile
// profile documents used before the policy format was flattened.
var (
	lockedAppsKeys    = []string{"lockedApps", "lockedAppMap"}
	settingsLockKeys  = []string{"settingsLockEnabled", "settingsLock"}
	uninstallLockKeys = []string{"uninstallLockEnabled", "uninstallLock"}
	pinKeys           = []string{"pin", "securityPin"}
)

// ParseDocument decodes a YAML or JSON policy document.
// Malformed entries are dropped and reported in Rejected; a malformed PIN fails the whole document.
func ParseDocument(data []byte) (*Document, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode policy document: %w", err)
	}
	return CoerceDocument(raw)
}

// CoerceDocument converts a loosely typed document into a Document.
func CoerceDocument(raw map[string]any) (*Document, error) {
	doc := &Document{}

	if v, key, ok := lookup(raw, lockedAppsKeys); ok {
		doc.LockedApps, doc.Rejected = coerceApps(key, v)
	}

	var rejected string
	doc.SettingsLockEnabled, rejected = coerceBool(raw, settingsLockKeys)
	doc.reject(rejected)
	doc.UninstallLockEnabled, rejected = coerceBool(raw, uninstallLockKeys)
	doc.reject(rejected)

	if v, key, ok := lookup(raw, pinKeys); ok && v != nil {
		pin, isString := v.(string)
		if !isString {
			return nil, fmt.Errorf("%s: %w", key, domain.ErrInvalidCredentialFormat)
		}
		if pin != "" {
			if err := ValidatePIN(pin); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		}
		doc.PIN = pin
	}

	return doc, nil
}

// Policy seals the PIN and returns the domain policy.
func (d *Document) Policy(cost int) (domain.Policy, error) {
	p := domain.Policy{
		LockedApps:           make(map[domain.AppID]struct{}, len(d.LockedApps)),
		SettingsLockEnabled:  d.SettingsLockEnabled,
		UninstallLockEnabled: d.UninstallLockEnabled,
	}
	for _, app := range d.LockedApps {
		p.LockedApps[app] = struct{}{}
	}
	if d.PIN != "" {
		sealed, err := SealPIN(d.PIN, cost)
		if err != nil {
			return domain.Policy{}, err
		}
		p.PIN = sealed
	}
	return p, nil
}

func (d *Document) reject(entry string) {
	if entry != "" {
		d.Rejected = append(d.Rejected, entry)
	}
}

func lookup(raw map[string]any, keys []string) (any, string, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			return v, k, true
		}
	}
	return nil, "", false
}

func coerceBool(raw map[string]any, keys []string) (bool, string) {
	v, key, ok := lookup(raw, keys)
	if !ok || v == nil {
		return false, ""
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, fmt.Sprintf("%s=%v", key, v)
	}
	return b, ""
}

// coerceApps accepts either a list of ids or a map of id -> bool.
// Only explicit true values lock an app in the map form.
func coerceApps(key string, v any) ([]domain.AppID, []string) {
	set := map[domain.AppID]struct{}{}
	var rejected []string

	switch apps := v.(type) {
	case nil:
	case []any:
		for _, item := range apps {
			s, ok := item.(string)
			s = strings.TrimSpace(s)
			if !ok || s == "" {
				rejected = append(rejected, fmt.Sprintf("%s[]=%v", key, item))
				continue
			}
			set[domain.AppID(s)] = struct{}{}
		}
	case map[string]any:
		for name, flag := range apps {
			name = strings.TrimSpace(name)
			locked, ok := flag.(bool)
			if !ok || name == "" {
				rejected = append(rejected, fmt.Sprintf("%s.%s=%v", key, name, flag))
				continue
			}
			if locked {
				set[domain.AppID(name)] = struct{}{}
			}
		}
	default:
		rejected = append(rejected, fmt.Sprintf("%s=%v", key, v))
	}

	out := make([]domain.AppID, 0, len(set))
	for app := range set {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	sort.Strings(rejected)
	return out, rejected
}

// Package remote adapts the parent's remote store to local files: a policy
// document the parent edits and a JSON-lines telemetry feed read back by the
// parent side.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/infra"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/policy"
)

// PolicyReplacer is the write side of the policy store.
type PolicyReplacer interface {
	Replace(ctx context.Context, p domain.Policy) error
}

// SyncRecorder observes sync outcomes.
type SyncRecorder interface {
	ObservePolicySync(err error, lockedApps int)
}

type nopRecorder struct{}

func (nopRecorder) ObservePolicySync(error, int) {}

// FileAdapter syncs the policy document into the store and drains the
// telemetry outbox to a JSON-lines file.
type FileAdapter struct {
	policyPath string
	outboxPath string
	pinCost    int
	store      PolicyReplacer
	outbox     domain.Outbox
	metrics    SyncRecorder
	logger     *zap.Logger

	mu sync.Mutex // serializes document rewrites
}

// FileAdapterConfig configures a FileAdapter.
type FileAdapterConfig struct {
	PolicyPath string
	OutboxPath string
	PINCost    int
}

// NewFileAdapter creates a file adapter. metrics may be nil.
func NewFileAdapter(cfg FileAdapterConfig, store PolicyReplacer, outbox domain.Outbox, metrics SyncRecorder, logger *zap.Logger) *FileAdapter {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &FileAdapter{
		policyPath: cfg.PolicyPath,
		outboxPath: cfg.OutboxPath,
		pinCost:    cfg.PINCost,
		store:      store,
		outbox:     outbox,
		metrics:    metrics,
		logger:     logger,
	}
}

// lockDocument takes a flock on the document's lock file. Sync holds it
// shared from read to Replace and PublishPIN holds it exclusive, so a sync
// that read the old document always commits before a PIN change does.
func (a *FileAdapter) lockDocument(how int) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(a.policyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create policy directory: %w", err)
	}
	lockFile, err := os.OpenFile(a.policyPath+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), how); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		lockFile.Close()
	}, nil
}

// Sync reads the policy document and replaces the cached policy.
// A missing document is not an error; a malformed PIN leaves the cached
// policy untouched.
func (a *FileAdapter) Sync(ctx context.Context) (domain.Policy, error) {
	unlock, err := a.lockDocument(syscall.LOCK_SH)
	if err != nil {
		a.metrics.ObservePolicySync(err, 0)
		return domain.Policy{}, err
	}
	defer unlock()

	data, err := os.ReadFile(a.policyPath)
	if errors.Is(err, os.ErrNotExist) {
		a.logger.Debug("no policy document yet", zap.String("path", a.policyPath))
		return domain.Policy{}, nil
	}
	if err != nil {
		err = fmt.Errorf("failed to read policy document: %w", err)
		a.metrics.ObservePolicySync(err, 0)
		return domain.Policy{}, err
	}

	p, err := a.apply(ctx, data)
	a.metrics.ObservePolicySync(err, len(p.LockedApps))
	return p, err
}

func (a *FileAdapter) apply(ctx context.Context, data []byte) (domain.Policy, error) {
	doc, err := policy.ParseDocument(data)
	if err != nil {
		return domain.Policy{}, err
	}
	for _, entry := range doc.Rejected {
		a.logger.Warn("dropped malformed policy entry", zap.String("entry", entry))
	}

	p, err := doc.Policy(a.pinCost)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("failed to seal pin: %w", err)
	}
	if err := a.store.Replace(ctx, p); err != nil {
		return domain.Policy{}, fmt.Errorf("failed to store policy: %w", err)
	}
	return p, nil
}

// PublishPIN writes a new plaintext PIN into the policy document, keeping
// every other field as the parent left it.
func (a *FileAdapter) PublishPIN(ctx context.Context, pin string) error {
	if err := policy.ValidatePIN(pin); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	unlock, err := a.lockDocument(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	raw := map[string]any{}
	data, err := os.ReadFile(a.policyPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to decode policy document: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("failed to read policy document: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	delete(raw, "securityPin")
	raw["pin"] = pin

	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode policy document: %w", err)
	}
	if err := infra.WriteFileAtomic(a.policyPath, out, 0600); err != nil {
		return fmt.Errorf("failed to write policy document: %w", err)
	}
	a.logger.Info("pin published", zap.String("path", a.policyPath))
	return nil
}

// Flush appends every pending telemetry record to the outbox file and acks
// them. It returns the number of records delivered.
func (a *FileAdapter) Flush(ctx context.Context) (int, error) {
	events, err := a.outbox.Pending(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(a.outboxPath), 0700); err != nil {
		return 0, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	f, err := os.OpenFile(a.outboxPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to open outbox file: %w", err)
	}

	enc := json.NewEncoder(f)
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			f.Close()
			return 0, fmt.Errorf("failed to write telemetry %s: %w", ev.ID, err)
		}
		ids = append(ids, ev.ID)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close outbox file: %w", err)
	}

	// Records written but not acked are delivered again next flush.
	if err := a.outbox.Ack(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to ack telemetry: %w", err)
	}
	a.logger.Debug("telemetry flushed", zap.Int("count", len(ids)))
	return len(ids), nil
}

// Ensure FileAdapter implements domain.PolicyPublisher.
var _ domain.PolicyPublisher = (*FileAdapter)(nil)

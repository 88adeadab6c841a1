package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const stateDBName = "state.db"

// EncryptedStore implements domain.StateStore and domain.DaemonRegistry
// on a SQLCipher encrypted SQLite database shared by the daemons and the CLI.
//
// Policy, grants and the session live in a key/value table using the
// persisted key layout; each record is written in a single transaction.
type EncryptedStore struct {
	db             *sql.DB
	dbPath         string
	processManager domain.ProcessManager
}

// NewEncryptedStore opens (or creates) the encrypted state database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStore(dataDir string, key []byte, pm domain.ProcessManager) (*EncryptedStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, stateDBName)
	keyHex := hex.EncodeToString(key)

	// Writers take the lock at BEGIN so the daemon and the CLI serialize
	// instead of failing on lock upgrade.
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000&_txlock=immediate",
		dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Verify encryption works by running a query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &EncryptedStore{
		db:             db,
		dbPath:         dbPath,
		processManager: pm,
	}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// createTables creates the schema if it doesn't exist.
func (s *EncryptedStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		attributes TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daemon_state (
		role TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		app_version TEXT DEFAULT ''
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *EncryptedStore) Path() string {
	return s.dbPath
}

// --- key/value helpers ---

// prefixRange returns the [lo, hi) key range of all keys starting with prefix.
// Prefixes end in '.', and '/' sorts right after it.
func prefixRange(prefix string) (string, string) {
	return prefix, prefix[:len(prefix)-1] + "/"
}

func (s *EncryptedStore) readPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	lo, hi := prefixRange(prefix)
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= ? AND key < ?`, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		kv[k] = v
	}
	return kv, rows.Err()
}

func putAll(ctx context.Context, tx *sql.Tx, kv map[string]string) error {
	now := time.Now().UnixMilli()
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)`, k, v, now); err != nil {
			return err
		}
	}
	return nil
}

// inTx runs fn in one transaction and wraps commit failures as persistence errors.
func (s *EncryptedStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", domain.ErrPersistenceWriteFailed, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, domain.ErrRevisionConflict) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrPersistenceWriteFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrPersistenceWriteFailed, err)
	}
	return nil
}

// --- domain.PolicyRepository ---

// LoadPolicy returns the stored policy.
func (s *EncryptedStore) LoadPolicy(ctx context.Context) (domain.Policy, error) {
	kv, err := s.readPrefix(ctx, "policy.")
	if err != nil {
		return domain.Policy{}, err
	}
	return decodePolicy(kv)
}

// SavePolicy replaces the stored policy.
func (s *EncryptedStore) SavePolicy(ctx context.Context, p domain.Policy) error {
	kv, err := encodePolicy(p)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return putAll(ctx, tx, kv)
	})
}

// SavePIN replaces only the sealed PIN.
func (s *EncryptedStore) SavePIN(ctx context.Context, pin domain.SealedPIN) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return putAll(ctx, tx, map[string]string{keyPolicyPIN: string(pin)})
	})
}

// --- domain.GrantRepository ---

// PutGrant inserts or overwrites the grant for its subject.
func (s *EncryptedStore) PutGrant(ctx context.Context, g domain.BypassGrant) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return putAll(ctx, tx, map[string]string{
			grantKey(g.SubjectKey): strconv.FormatInt(g.ExpiresAt.UnixMilli(), 10),
		})
	})
}

// ListGrants returns every stored grant.
func (s *EncryptedStore) ListGrants(ctx context.Context) ([]domain.BypassGrant, error) {
	kv, err := s.readPrefix(ctx, bypassPrefix)
	if err != nil {
		return nil, err
	}
	grants := make([]domain.BypassGrant, 0, len(kv))
	for k, v := range kv {
		subject, ok := grantSubject(k)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", k, err)
		}
		grants = append(grants, domain.BypassGrant{SubjectKey: subject, ExpiresAt: time.UnixMilli(ms)})
	}
	return grants, nil
}

// DeleteGrants removes the given grants if they are still stored with the
// same expiry. A grant rewritten by another process in between survives.
func (s *EncryptedStore) DeleteGrants(ctx context.Context, grants []domain.BypassGrant) error {
	if len(grants) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, g := range grants {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM kv WHERE key = ? AND value = ?`,
				grantKey(g.SubjectKey), strconv.FormatInt(g.ExpiresAt.UnixMilli(), 10))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// --- domain.SessionRepository ---

// LoadSession returns the persisted session.
func (s *EncryptedStore) LoadSession(ctx context.Context) (domain.FocusSession, error) {
	kv, err := s.readPrefix(ctx, sessionPrefix)
	if err != nil {
		return domain.IdleSession(), err
	}
	return decodeSession(kv)
}

// SwapSession commits next when the stored revision equals expected.
func (s *EncryptedStore) SwapSession(ctx context.Context, expected uint64, next domain.FocusSession) (domain.FocusSession, error) {
	var committed domain.FocusSession
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var current uint64
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, keySessionRevision).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			if current, err = strconv.ParseUint(raw, 10, 64); err != nil {
				return err
			}
		}
		if current != expected {
			return domain.ErrRevisionConflict
		}

		if next.State == domain.SessionIdle {
			next = domain.IdleSession()
			lo, hi := prefixRange(sessionPrefix)
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key >= ? AND key < ?`, lo, hi); err != nil {
				return err
			}
		}
		next.Revision = current + 1

		kv := encodeSession(next)
		if next.State == domain.SessionIdle {
			kv = map[string]string{keySessionRevision: kv[keySessionRevision]}
		}
		if err := putAll(ctx, tx, kv); err != nil {
			return err
		}
		committed = next
		return nil
	})
	return committed, err
}

// --- domain.Outbox ---

// Emit queues a telemetry event.
func (s *EncryptedStore) Emit(ctx context.Context, ev domain.TelemetryEvent) error {
	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO outbox (id, kind, session_id, attributes, created_at) VALUES (?, ?, ?, ?, ?)`,
			ev.ID, ev.Kind, ev.SessionID, string(attrs), ev.CreatedAt.UnixMilli())
		return err
	})
}

// Pending returns queued events oldest first.
func (s *EncryptedStore) Pending(ctx context.Context, limit int) ([]domain.TelemetryEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, session_id, attributes, created_at FROM outbox ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.TelemetryEvent
	for rows.Next() {
		var ev domain.TelemetryEvent
		var attrs string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.SessionID, &attrs, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attrs), &ev.Attributes); err != nil {
			return nil, fmt.Errorf("invalid attributes for %s: %w", ev.ID, err)
		}
		ev.CreatedAt = time.UnixMilli(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Ack removes delivered events.
func (s *EncryptedStore) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- domain.DaemonRegistry ---

// Register saves the daemon's PID under its role.
func (s *EncryptedStore) Register(daemon domain.Daemon) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO daemon_state (role, pid, last_heartbeat, app_version)
		VALUES (?, ?, ?, ?)`,
		string(daemon.Role), daemon.PID, time.Now().Unix(), daemon.AppVersion,
	)
	return err
}

// UpdateHeartbeat updates timestamp for liveness check.
func (s *EncryptedStore) UpdateHeartbeat(role domain.DaemonRole) error {
	result, err := s.db.Exec(`UPDATE daemon_state SET last_heartbeat = ? WHERE role = ?`,
		time.Now().Unix(), string(role))
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("daemon %s not registered", role)
	}
	return nil
}

// IsPartnerAlive checks if the partner daemon is running via PID.
func (s *EncryptedStore) IsPartnerAlive(role domain.DaemonRole) (bool, error) {
	partner := domain.RoleWatcher
	if role == domain.RoleWatcher {
		partner = domain.RoleGuardian
	}

	var pid int
	err := s.db.QueryRow(`SELECT pid FROM daemon_state WHERE role = ?`, string(partner)).Scan(&pid)
	if errors.Is(err, sql.ErrNoRows) || pid == 0 {
		return false, nil // Partner not registered = not alive
	}
	if err != nil {
		return false, err
	}
	return s.processManager.IsRunning(pid), nil
}

// GetAll returns the registry state, nil when no daemon registered.
func (s *EncryptedStore) GetAll() (*domain.RegistryEntry, error) {
	rows, err := s.db.Query(`SELECT role, pid, last_heartbeat, app_version FROM daemon_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entry := &domain.RegistryEntry{}
	found := false
	for rows.Next() {
		var role, appVersion string
		var pid int
		var heartbeat int64
		if err := rows.Scan(&role, &pid, &heartbeat, &appVersion); err != nil {
			return nil, err
		}
		found = true
		switch domain.DaemonRole(role) {
		case domain.RoleWatcher:
			entry.WatcherPID = pid
			entry.AppVersion = appVersion
		case domain.RoleGuardian:
			entry.GuardianPID = pid
		}
		if heartbeat > entry.LastHeartbeat {
			entry.LastHeartbeat = heartbeat
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return entry, nil
}

// Clear removes all daemon records.
func (s *EncryptedStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM daemon_state`)
	return err
}

// Close releases the database connection.
func (s *EncryptedStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure EncryptedStore implements both interfaces.
var _ domain.StateStore = (*EncryptedStore)(nil)
var _ domain.DaemonRegistry = (*EncryptedStore)(nil)

package infra

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// newTestStore creates an encrypted store in a temp directory for testing.
func newTestStore(t *testing.T) (*EncryptedStore, string) {
	t.Helper()
	return newTestStoreWithPM(t, newMockProcessManager())
}

// newTestStoreWithPM creates an encrypted store with a custom process manager.
func newTestStoreWithPM(t *testing.T, pm *mockProcessManager) (*EncryptedStore, string) {
	t.Helper()
	dataDir := t.TempDir()
	key, err := GenerateKey()
	require.NoError(t, err)

	store, err := NewEncryptedStore(dataDir, key, pm)
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })
	return store, dataDir
}

func TestEncryptedStore_Register(t *testing.T) {
	tests := []struct {
		name     string
		daemons  []domain.Daemon
		wantPIDs map[domain.DaemonRole]int
	}{
		{
			name: "register watcher",
			daemons: []domain.Daemon{
				{PID: 1234, Role: domain.RoleWatcher, AppVersion: "0.3.0"},
			},
			wantPIDs: map[domain.DaemonRole]int{domain.RoleWatcher: 1234},
		},
		{
			name: "register both daemons",
			daemons: []domain.Daemon{
				{PID: 1234, Role: domain.RoleWatcher, AppVersion: "0.3.0"},
				{PID: 5678, Role: domain.RoleGuardian, AppVersion: "0.3.0"},
			},
			wantPIDs: map[domain.DaemonRole]int{
				domain.RoleWatcher:  1234,
				domain.RoleGuardian: 5678,
			},
		},
		{
			name: "re-register overwrites PID",
			daemons: []domain.Daemon{
				{PID: 1111, Role: domain.RoleWatcher},
				{PID: 2222, Role: domain.RoleWatcher},
			},
			wantPIDs: map[domain.DaemonRole]int{domain.RoleWatcher: 2222},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t)

			for _, d := range tt.daemons {
				require.NoError(t, store.Register(d))
			}

			entry, err := store.GetAll()
			require.NoError(t, err)
			require.NotNil(t, entry)
			if pid, ok := tt.wantPIDs[domain.RoleWatcher]; ok {
				assert.Equal(t, pid, entry.WatcherPID)
			}
			if pid, ok := tt.wantPIDs[domain.RoleGuardian]; ok {
				assert.Equal(t, pid, entry.GuardianPID)
			}
		})
	}
}

func TestEncryptedStore_Heartbeat(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.UpdateHeartbeat(domain.RoleWatcher)
	assert.Error(t, err, "heartbeat for unregistered role should fail")

	require.NoError(t, store.Register(domain.Daemon{PID: 42, Role: domain.RoleWatcher}))
	require.NoError(t, store.UpdateHeartbeat(domain.RoleWatcher))

	entry, err := store.GetAll()
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), entry.LastHeartbeat, 5)
}

func TestEncryptedStore_IsPartnerAlive(t *testing.T) {
	tests := []struct {
		name      string
		register  *domain.Daemon
		running   bool
		role      domain.DaemonRole
		wantAlive bool
	}{
		{
			name:      "partner not registered",
			role:      domain.RoleWatcher,
			wantAlive: false,
		},
		{
			name:      "guardian registered and running",
			register:  &domain.Daemon{PID: 900, Role: domain.RoleGuardian},
			running:   true,
			role:      domain.RoleWatcher,
			wantAlive: true,
		},
		{
			name:      "watcher registered but dead",
			register:  &domain.Daemon{PID: 901, Role: domain.RoleWatcher},
			running:   false,
			role:      domain.RoleGuardian,
			wantAlive: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := newMockProcessManager()
			store, _ := newTestStoreWithPM(t, pm)
			if tt.register != nil {
				require.NoError(t, store.Register(*tt.register))
				pm.SetRunning(tt.register.PID, tt.running)
			}

			alive, err := store.IsPartnerAlive(tt.role)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlive, alive)
		})
	}
}

func TestEncryptedStore_Clear(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Register(domain.Daemon{PID: 1, Role: domain.RoleWatcher}))
	require.NoError(t, store.Clear())

	entry, err := store.GetAll()
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestEncryptedStore_Policy(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	empty, err := store.LoadPolicy(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty.LockedApps)
	assert.False(t, empty.PIN.IsSet())

	p := domain.Policy{
		LockedApps:           map[domain.AppID]struct{}{"com.game": {}, "com.video": {}},
		SettingsLockEnabled:  true,
		UninstallLockEnabled: true,
		PIN:                  "$2a$04$digest",
	}
	require.NoError(t, store.SavePolicy(ctx, p))

	got, err := store.LoadPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	require.NoError(t, store.SavePIN(ctx, "$2a$04$other"))
	got, err = store.LoadPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SealedPIN("$2a$04$other"), got.PIN)
	assert.True(t, got.IsLocked("com.game"), "SavePIN must not touch the rest of the policy")
}

func TestEncryptedStore_Grants(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	exp := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())

	require.NoError(t, store.PutGrant(ctx, domain.BypassGrant{SubjectKey: "com.game", ExpiresAt: exp}))
	require.NoError(t, store.PutGrant(ctx, domain.BypassGrant{SubjectKey: domain.SettingsSubject, ExpiresAt: exp}))
	// Overwrite keeps one grant per subject.
	later := exp.Add(time.Minute)
	require.NoError(t, store.PutGrant(ctx, domain.BypassGrant{SubjectKey: "com.game", ExpiresAt: later}))

	grants, err := store.ListGrants(ctx)
	require.NoError(t, err)
	byKey := map[string]time.Time{}
	for _, g := range grants {
		byKey[g.SubjectKey] = g.ExpiresAt
	}
	assert.Len(t, byKey, 2)
	assert.True(t, later.Equal(byKey["com.game"]))
	assert.True(t, exp.Equal(byKey[domain.SettingsSubject]))

	// A stale expiry does not delete the rewritten grant.
	require.NoError(t, store.DeleteGrants(ctx, []domain.BypassGrant{{SubjectKey: "com.game", ExpiresAt: exp}}))
	grants, err = store.ListGrants(ctx)
	require.NoError(t, err)
	require.Len(t, grants, 2)

	require.NoError(t, store.DeleteGrants(ctx, []domain.BypassGrant{{SubjectKey: "com.game", ExpiresAt: later}}))
	grants, err = store.ListGrants(ctx)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, domain.SettingsSubject, grants[0].SubjectKey)
}

func TestEncryptedStore_DeleteGrantsKeepsConcurrentRegrant(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	old := time.UnixMilli(time.Now().Add(-time.Minute).UnixMilli())
	require.NoError(t, store.PutGrant(ctx, domain.BypassGrant{SubjectKey: "app.social", ExpiresAt: old}))

	seen, err := store.ListGrants(ctx)
	require.NoError(t, err)
	require.Len(t, seen, 1)

	// Re-granted between the read and the prune.
	fresh := time.UnixMilli(time.Now().Add(24 * time.Hour).UnixMilli())
	require.NoError(t, store.PutGrant(ctx, domain.BypassGrant{SubjectKey: "app.social", ExpiresAt: fresh}))

	require.NoError(t, store.DeleteGrants(ctx, seen))

	grants, err := store.ListGrants(ctx)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.True(t, fresh.Equal(grants[0].ExpiresAt))
}

func TestEncryptedStore_SwapSession(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	initial, err := store.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionIdle, initial.State)
	assert.Equal(t, uint64(0), initial.Revision)

	running := domain.FocusSession{
		ID:           "s-1",
		State:        domain.SessionRunning,
		Total:        25 * time.Minute,
		Remaining:    25 * time.Minute,
		KioskEngaged: true,
		Supervised:   true,
		StartedAt:    time.UnixMilli(1_700_000_000_000),
	}
	committed, err := store.SwapSession(ctx, 0, running)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), committed.Revision)

	loaded, err := store.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, committed, loaded)

	t.Run("stale revision is rejected", func(t *testing.T) {
		_, err := store.SwapSession(ctx, 0, running)
		assert.ErrorIs(t, err, domain.ErrRevisionConflict)

		still, err := store.LoadSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), still.Revision)
	})

	t.Run("idle clears the record but keeps the revision", func(t *testing.T) {
		idle, err := store.SwapSession(ctx, 1, domain.FocusSession{State: domain.SessionIdle, ID: "ignored"})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), idle.Revision)
		assert.Empty(t, idle.ID)

		loaded, err := store.LoadSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionIdle, loaded.State)
		assert.False(t, loaded.KioskEngaged)
		assert.Equal(t, uint64(2), loaded.Revision)
	})
}

func TestEncryptedStore_Outbox(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	base := time.UnixMilli(1_700_000_000_000)

	events := []domain.TelemetryEvent{
		{ID: "b", Kind: domain.TelemetryBreakStarted, SessionID: "s-1", CreatedAt: base.Add(time.Second)},
		{ID: "a", Kind: domain.TelemetrySessionCompleted, SessionID: "s-1",
			Attributes: map[string]string{"duration_ms": "1500000"}, CreatedAt: base},
	}
	for _, ev := range events {
		require.NoError(t, store.Emit(ctx, ev))
	}

	pending, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID, "oldest first")
	assert.Equal(t, "1500000", pending[0].Attributes["duration_ms"])

	limited, err := store.Pending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, store.Ack(ctx, []string{"a"}))
	pending, err = store.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)
}

func TestEncryptedStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	key, err := GenerateKey()
	require.NoError(t, err)

	store, err := NewEncryptedStore(dataDir, key, newMockProcessManager())
	require.NoError(t, err)
	require.NoError(t, store.PutGrant(ctx, domain.BypassGrant{SubjectKey: "com.game", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, store.Close())

	reopened, err := NewEncryptedStore(dataDir, key, newMockProcessManager())
	require.NoError(t, err)
	defer reopened.Close()

	grants, err := reopened.ListGrants(ctx)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestEncryptedStore_WrongKeyFails(t *testing.T) {
	dataDir := t.TempDir()
	key, err := GenerateKey()
	require.NoError(t, err)

	store, err := NewEncryptedStore(dataDir, key, newMockProcessManager())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	otherKey, err := GenerateKey()
	require.NoError(t, err)
	_, err = NewEncryptedStore(dataDir, otherKey, newMockProcessManager())
	assert.Error(t, err, "opening with a different key should fail")
}

func TestEncryptedStore_FileIsNotPlaintext(t *testing.T) {
	ctx := context.Background()
	store, dataDir := newTestStore(t)
	require.NoError(t, store.PutGrant(ctx, domain.BypassGrant{SubjectKey: "com.secret.app", ExpiresAt: time.Now()}))

	raw, err := os.ReadFile(filepath.Join(dataDir, stateDBName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "com.secret.app")
	assert.NotContains(t, string(raw), "SQLite format 3")
}

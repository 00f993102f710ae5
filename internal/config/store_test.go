package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/faucetdb/spigot/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("") // in-memory
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAdmin(t *testing.T, s *Store, username string, role model.Role) *model.Admin {
	t.Helper()
	a := &model.Admin{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "$2a$12$placeholder",
		Role:         role,
		IsActive:     true,
	}
	if err := s.CreateAdmin(context.Background(), a); err != nil {
		t.Fatalf("CreateAdmin(%s): %v", username, err)
	}
	return a
}

func ptr[T any](v T) *T { return &v }

// ---------------------------------------------------------------------------
// Admins
// ---------------------------------------------------------------------------

func TestAdminCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	has, err := s.HasAnyAdmin(ctx)
	if err != nil {
		t.Fatalf("HasAnyAdmin: %v", err)
	}
	if has {
		t.Fatal("expected empty store")
	}

	a := seedAdmin(t, s, "alice", model.RoleSuperAdmin)
	if a.ID == 0 {
		t.Fatal("expected non-zero ID after create")
	}

	got, err := s.GetAdmin(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAdmin: %v", err)
	}
	if got.Username != "alice" || got.Role != model.RoleSuperAdmin || !got.IsActive {
		t.Errorf("got %+v", got)
	}

	byEmail, err := s.GetAdminByIdentity(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetAdminByIdentity(email): %v", err)
	}
	byName, err := s.GetAdminByIdentity(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAdminByIdentity(username): %v", err)
	}
	if byEmail.ID != a.ID || byName.ID != a.ID {
		t.Errorf("identity lookup returned wrong admin: %d / %d, want %d", byEmail.ID, byName.ID, a.ID)
	}

	a.Name = "Alice"
	a.Role = model.RoleAdmin
	if err := s.UpdateAdmin(ctx, a); err != nil {
		t.Fatalf("UpdateAdmin: %v", err)
	}
	got, _ = s.GetAdmin(ctx, a.ID)
	if got.Name != "Alice" || got.Role != model.RoleAdmin {
		t.Errorf("after update got name %q role %q", got.Name, got.Role)
	}

	if err := s.UpdateAdminPassword(ctx, a.ID, "$2a$12$other"); err != nil {
		t.Fatalf("UpdateAdminPassword: %v", err)
	}
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := s.UpdateAdminLastLogin(ctx, a.ID, at); err != nil {
		t.Fatalf("UpdateAdminLastLogin: %v", err)
	}
	got, _ = s.GetAdmin(ctx, a.ID)
	if got.PasswordHash != "$2a$12$other" {
		t.Errorf("password hash not updated")
	}
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(at) {
		t.Errorf("LastLoginAt: got %v, want %v", got.LastLoginAt, at)
	}

	n, err := s.CountAdmins(ctx)
	if err != nil || n != 1 {
		t.Errorf("CountAdmins: got %d, %v", n, err)
	}

	if err := s.DeleteAdmin(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAdmin: %v", err)
	}
	if _, err := s.GetAdmin(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAdmin after delete: got %v, want ErrNotFound", err)
	}
	if err := s.DeleteAdmin(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteAdmin: got %v, want ErrNotFound", err)
	}
}

func TestAdminDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAdmin(t, s, "alice", model.RoleAdmin)

	dupName := &model.Admin{Username: "alice", Email: "other@example.com", PasswordHash: "x", Role: model.RoleViewer}
	if err := s.CreateAdmin(ctx, dupName); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate username: got %v, want ErrDuplicate", err)
	}

	dupEmail := &model.Admin{Username: "bob", Email: "alice@example.com", PasswordHash: "x", Role: model.RoleViewer}
	if err := s.CreateAdmin(ctx, dupEmail); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate email: got %v, want ErrDuplicate", err)
	}
}

func TestCountActiveAdminsWithRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAdmin(t, s, "root", model.RoleSuperAdmin)
	second := seedAdmin(t, s, "root2", model.RoleSuperAdmin)
	seedAdmin(t, s, "ed", model.RoleEditor)

	second.IsActive = false
	if err := s.UpdateAdmin(ctx, second); err != nil {
		t.Fatalf("UpdateAdmin: %v", err)
	}

	n, err := s.CountActiveAdminsWithRole(ctx, model.RoleSuperAdmin)
	if err != nil {
		t.Fatalf("CountActiveAdminsWithRole: %v", err)
	}
	if n != 1 {
		t.Errorf("got %d active super admins, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func newSession(owner int64, id, access, refresh string, now time.Time) *model.Session {
	return &model.Session{
		ID:               id,
		OwnerID:          owner,
		AccessTokenHash:  access,
		RefreshTokenHash: ptr(refresh),
		OriginAddress:    "10.0.0.1",
		UserAgent:        "test",
		CreatedAt:        now,
		LastActivityAt:   now,
		ExpiresAt:        now.Add(24 * time.Hour),
		RefreshExpiresAt: ptr(now.Add(7 * 24 * time.Hour)),
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAdmin(t, s, "alice", model.RoleAdmin)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	if err := s.CreateSession(ctx, newSession(a.ID, "s1", "acc1", "ref1", now)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetLiveSessionByAccessHash(ctx, "acc1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetLiveSessionByAccessHash: %v", err)
	}
	if got.ID != "s1" || got.OwnerID != a.ID {
		t.Errorf("got session %+v", got)
	}

	if _, err := s.GetLiveSessionByAccessHash(ctx, "acc1", now.Add(25*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired access side: got %v, want ErrNotFound", err)
	}
	if _, err := s.GetLiveSessionByAccessHash(ctx, "nope", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown hash: got %v, want ErrNotFound", err)
	}

	touched := now.Add(10 * time.Minute)
	if err := s.TouchSession(ctx, "s1", touched); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	got, _ = s.GetSession(ctx, "s1")
	if !got.LastActivityAt.Equal(touched) {
		t.Errorf("LastActivityAt: got %v, want %v", got.LastActivityAt, touched)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetLiveSessionByAccessHash(ctx, "acc1", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: got %v, want ErrNotFound", err)
	}
}

func TestRotateSessionReplacesBothHashes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAdmin(t, s, "alice", model.RoleAdmin)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, newSession(a.ID, "s1", "acc1", "ref1", now)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	later := now.Add(time.Hour)
	params := RotateParams{
		OwnerID:          a.ID,
		OldRefreshHash:   "ref1",
		NewAccessHash:    "acc2",
		NewRefreshHash:   "ref2",
		ExpiresAt:        later.Add(24 * time.Hour),
		RefreshExpiresAt: later.Add(7 * 24 * time.Hour),
		Now:              later,
	}
	sess, err := s.RotateSession(ctx, params)
	if err != nil {
		t.Fatalf("RotateSession: %v", err)
	}
	if sess.ID != "s1" || sess.AccessTokenHash != "acc2" || *sess.RefreshTokenHash != "ref2" {
		t.Errorf("rotated session: %+v", sess)
	}
	if !sess.ExpiresAt.Equal(params.ExpiresAt) {
		t.Errorf("ExpiresAt not extended: got %v", sess.ExpiresAt)
	}

	if _, err := s.GetLiveSessionByAccessHash(ctx, "acc1", later); !errors.Is(err, ErrNotFound) {
		t.Errorf("old access hash still resolves: %v", err)
	}

	// Replaying the old refresh hash finds no row.
	if _, err := s.RotateSession(ctx, params); !errors.Is(err, ErrNotFound) {
		t.Errorf("replay: got %v, want ErrNotFound", err)
	}

	// Owner mismatch never matches.
	params.OldRefreshHash = "ref2"
	params.OwnerID = a.ID + 100
	if _, err := s.RotateSession(ctx, params); !errors.Is(err, ErrNotFound) {
		t.Errorf("wrong owner: got %v, want ErrNotFound", err)
	}

	all, _ := s.ListSessions(ctx)
	if len(all) != 1 {
		t.Errorf("rotation must not insert rows: got %d sessions", len(all))
	}
}

func TestRotateSessionRejectsExpiredRefresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAdmin(t, s, "alice", model.RoleAdmin)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, newSession(a.ID, "s1", "acc1", "ref1", now)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	late := now.Add(8 * 24 * time.Hour)
	_, err := s.RotateSession(ctx, RotateParams{
		OwnerID: a.ID, OldRefreshHash: "ref1", NewAccessHash: "a", NewRefreshHash: "r",
		ExpiresAt: late.Add(time.Hour), RefreshExpiresAt: late.Add(time.Hour), Now: late,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRotateSessionConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAdmin(t, s, "alice", model.RoleAdmin)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, newSession(a.ID, "s1", "acc1", "ref1", now)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.RotateSession(ctx, RotateParams{
				OwnerID:          a.ID,
				OldRefreshHash:   "ref1",
				NewAccessHash:    "acc-" + string(rune('a'+i)),
				NewRefreshHash:   "ref-" + string(rune('a'+i)),
				ExpiresAt:        now.Add(48 * time.Hour),
				RefreshExpiresAt: now.Add(96 * time.Hour),
				Now:              now.Add(time.Minute),
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrNotFound) {
				t.Errorf("worker %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("got %d successful rotations, want exactly 1", wins)
	}
}

func TestDeleteSessionsByOwnerAndOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAdmin(t, s, "alice", model.RoleAdmin)
	b := seedAdmin(t, s, "bob", model.RoleViewer)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	for _, sess := range []*model.Session{
		newSession(a.ID, "a1", "acc-a1", "ref-a1", now),
		newSession(a.ID, "a2", "acc-a2", "ref-a2", now.Add(time.Second)),
		newSession(a.ID, "a3", "acc-a3", "ref-a3", now.Add(2*time.Second)),
		newSession(b.ID, "b1", "acc-b1", "ref-b1", now),
	} {
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession(%s): %v", sess.ID, err)
		}
	}

	if err := s.DeleteOwnedSession(ctx, b.ID, "a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleting someone else's session: got %v, want ErrNotFound", err)
	}

	n, err := s.DeleteSessionsByOwner(ctx, a.ID, "a2")
	if err != nil {
		t.Fatalf("DeleteSessionsByOwner: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d sessions, want 2", n)
	}

	left, _ := s.ListSessionsByOwner(ctx, a.ID)
	if len(left) != 1 || left[0].ID != "a2" {
		t.Errorf("remaining sessions for alice: %+v", left)
	}
	bobs, _ := s.ListSessionsByOwner(ctx, b.ID)
	if len(bobs) != 1 {
		t.Errorf("bob's sessions must be untouched, got %d", len(bobs))
	}
}

func TestDeleteAdminCascadesSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAdmin(t, s, "alice", model.RoleAdmin)
	now := time.Now().UTC()
	if err := s.CreateSession(ctx, newSession(a.ID, "s1", "acc1", "ref1", now)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.DeleteAdmin(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAdmin: %v", err)
	}
	if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("session should be removed with its owner, got %v", err)
	}
}

func TestDeleteDeadSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAdmin(t, s, "alice", model.RoleAdmin)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	// Access expired but refresh still valid: kept.
	refreshable := newSession(a.ID, "keep", "acc1", "ref1", now.Add(-48*time.Hour))
	// Both sides expired: removed.
	dead := newSession(a.ID, "dead", "acc2", "ref2", now.Add(-30*24*time.Hour))
	// No refresh side and access expired: removed.
	bare := newSession(a.ID, "bare", "acc3", "ref3", now.Add(-48*time.Hour))
	bare.RefreshTokenHash = nil
	bare.RefreshExpiresAt = nil

	for _, sess := range []*model.Session{refreshable, dead, bare} {
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession(%s): %v", sess.ID, err)
		}
	}

	n, err := s.DeleteDeadSessions(ctx, now)
	if err != nil {
		t.Fatalf("DeleteDeadSessions: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	if _, err := s.GetSession(ctx, "keep"); err != nil {
		t.Errorf("refreshable session removed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Lockouts
// ---------------------------------------------------------------------------

func TestIncrementFailureLocksAtThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	var rec *model.LockoutRecord
	var err error
	for i := 1; i <= 4; i++ {
		rec, err = s.IncrementFailure(ctx, model.LockoutIdentity, "alice", 5, 15*time.Minute, now)
		if err != nil {
			t.Fatalf("IncrementFailure #%d: %v", i, err)
		}
		if rec.FailureCount != i {
			t.Errorf("count after %d failures: got %d", i, rec.FailureCount)
		}
		if rec.LockedUntil != nil {
			t.Errorf("locked after only %d failures", i)
		}
	}

	rec, err = s.IncrementFailure(ctx, model.LockoutIdentity, "alice", 5, 15*time.Minute, now)
	if err != nil {
		t.Fatalf("IncrementFailure #5: %v", err)
	}
	if rec.LockedUntil == nil {
		t.Fatal("expected lockedUntil after 5th failure")
	}
	if want := now.Add(15 * time.Minute); !rec.LockedUntil.Equal(want) {
		t.Errorf("lockedUntil: got %v, want %v", rec.LockedUntil, want)
	}

	// Origin key is independent.
	if _, err := s.GetLockout(ctx, model.LockoutOrigin, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("origin record should not exist: %v", err)
	}
}

func TestIncrementFailureConcurrentNoLostUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IncrementFailure(ctx, model.LockoutOrigin, "10.0.0.9", 100, time.Minute, now); err != nil {
				t.Errorf("IncrementFailure: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := s.GetLockout(ctx, model.LockoutOrigin, "10.0.0.9")
	if err != nil {
		t.Fatalf("GetLockout: %v", err)
	}
	if rec.FailureCount != workers {
		t.Errorf("got count %d, want %d", rec.FailureCount, workers)
	}
}

func TestDeleteExpiredLockouts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		s.IncrementFailure(ctx, model.LockoutIdentity, "locked", 5, 15*time.Minute, now)
	}
	s.IncrementFailure(ctx, model.LockoutIdentity, "counting", 5, 15*time.Minute, now)

	removed, err := s.DeleteLockoutIfExpired(ctx, model.LockoutIdentity, "locked", now.Add(time.Minute))
	if err != nil || removed {
		t.Errorf("DeleteLockoutIfExpired before expiry: removed=%v err=%v", removed, err)
	}

	n, err := s.DeleteExpiredLockouts(ctx, now.Add(16*time.Minute))
	if err != nil {
		t.Fatalf("DeleteExpiredLockouts: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}

	list, _ := s.ListLockouts(ctx)
	if len(list) != 1 || list[0].Key != "counting" {
		t.Errorf("remaining lockouts: %+v", list)
	}

	if err := s.DeleteLockout(ctx, model.LockoutIdentity, "counting"); err != nil {
		t.Fatalf("DeleteLockout: %v", err)
	}
	if err := s.DeleteLockout(ctx, model.LockoutIdentity, "counting"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteLockout: got %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Open / YAML
// ---------------------------------------------------------------------------

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open("oracle", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestNewStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()
	if s.Dialect() != DialectSQLite {
		t.Errorf("dialect: got %q", s.Dialect())
	}
	if _, err := os.Stat(filepath.Join(dir, "spigot.db")); err != nil {
		t.Errorf("database file not created: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestMySQLDSNForcesParseTime(t *testing.T) {
	dsn, err := mysqlDSN("user:pass@tcp(localhost:3306)/spigot")
	if err != nil {
		t.Fatalf("mysqlDSN: %v", err)
	}
	if want := "parseTime=true"; !strings.Contains(dsn, want) {
		t.Errorf("dsn %q missing %q", dsn, want)
	}
}

func TestLoadYAMLConfigOverlaysDefaults(t *testing.T) {
	t.Setenv("SPIGOT_TEST_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "spigot.yaml")
	content := `
auth:
  jwt_secret: ${SPIGOT_TEST_SECRET}
  access_ttl: 2h
rate_limit:
  auth:
    limit: 3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadYAMLConfig(path)
	if err != nil {
		t.Fatalf("LoadYAMLConfig: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("jwt_secret: got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.AccessTTL != "2h" {
		t.Errorf("access_ttl: got %q", cfg.Auth.AccessTTL)
	}
	if cfg.Auth.RefreshTTL != "168h" {
		t.Errorf("refresh_ttl default lost: got %q", cfg.Auth.RefreshTTL)
	}
	if cfg.RateLimit.Auth.Limit != 3 {
		t.Errorf("auth limit: got %d", cfg.RateLimit.Auth.Limit)
	}
	if cfg.Lockout.Threshold != 5 {
		t.Errorf("lockout threshold default lost: got %d", cfg.Lockout.Threshold)
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("", time.Minute); got != time.Minute {
		t.Errorf("empty: got %v", got)
	}
	if got := ParseDuration("garbage", time.Minute); got != time.Minute {
		t.Errorf("invalid: got %v", got)
	}
	if got := ParseDuration("-5s", time.Minute); got != time.Minute {
		t.Errorf("negative: got %v", got)
	}
	if got := ParseDuration("90s", time.Minute); got != 90*time.Second {
		t.Errorf("valid: got %v", got)
	}
}

func TestHashToken(t *testing.T) {
	h := HashToken("abc")
	if len(h) != 64 {
		t.Errorf("hash length: got %d, want 64", len(h))
	}
	if h != HashToken("abc") {
		t.Error("hash must be deterministic")
	}
	if h == HashToken("abd") {
		t.Error("different inputs must hash differently")
	}
}

package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/faucetdb/spigot/internal/cache"
	"github.com/faucetdb/spigot/internal/config"
	"github.com/faucetdb/spigot/internal/model"
)

const strongSecret = "Tr0ub4dor&3xtra!"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	store    *config.Store
	cache    *cache.Store
	clock    *fakeClock
	codec    *TokenCodec
	sessions *SessionRegistry
	lockout  *LockoutGuard
	auth     *Authenticator
	admins   *AdminService
	csrf     *CSRFManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	kv, err := cache.Open("")
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	clock := newFakeClock()
	opts := []Option{
		WithClock(clock.Now),
		WithBcryptCost(bcrypt.MinCost),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}

	codec, err := NewTokenCodec(TokenConfig{
		Secret:     []byte("test-secret-key-for-jwt"),
		Issuer:     "spigot-test",
		AccessTTL:  24 * time.Hour,
		RefreshTTL: 7 * 24 * time.Hour,
	}, opts...)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}

	sessions := NewSessionRegistry(store, opts...)
	lockout := NewLockoutGuard(store, DefaultLockoutPolicy, opts...)
	auth, err := NewAuthenticator(store, codec, sessions, lockout, opts...)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	return &testEnv{
		store:    store,
		cache:    kv,
		clock:    clock,
		codec:    codec,
		sessions: sessions,
		lockout:  lockout,
		auth:     auth,
		admins:   NewAdminService(store, sessions, opts...),
		csrf:     NewCSRFManager(kv, time.Hour, opts...),
	}
}

// bootstrap registers the first administrator.
func (e *testEnv) bootstrap(t *testing.T, identity string) *LoginResult {
	t.Helper()
	res, err := e.auth.Register(context.Background(), nil, RegisterInput{
		AdminInput: AdminInput{Identity: identity, Email: identity, Secret: strongSecret},
		Origin:     "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("bootstrap Register: %v", err)
	}
	return res
}

func (e *testEnv) login(t *testing.T, identity, origin string) *LoginResult {
	t.Helper()
	res, err := e.auth.Login(context.Background(), LoginInput{Identity: identity, Secret: strongSecret, Origin: origin})
	if err != nil {
		t.Fatalf("Login(%s): %v", identity, err)
	}
	return res
}

func TestExampleScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg := env.bootstrap(t, "admin@example.com")
	if reg.Admin.Role != model.RoleSuperAdmin {
		t.Errorf("bootstrap role: got %q, want super_admin", reg.Admin.Role)
	}
	if reg.Tokens == nil {
		t.Fatal("bootstrap registration should issue tokens")
	}

	login := env.login(t, "admin@example.com", "10.0.0.1")

	refreshed, err := env.auth.Refresh(ctx, RefreshInput{
		RefreshToken: login.Tokens.RefreshToken,
		PrincipalID:  login.Admin.ID,
	})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.Tokens.AccessToken == login.Tokens.AccessToken {
		t.Error("refresh returned the original access token")
	}
	if refreshed.Session.ID != login.Session.ID {
		t.Errorf("rotation should keep the session row: got %s, want %s", refreshed.Session.ID, login.Session.ID)
	}

	if _, err := env.auth.Authorize(ctx, login.Tokens.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("original access token: got %v, want ErrTokenRevoked", err)
	}
	p, err := env.auth.Authorize(ctx, refreshed.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authorize new token: %v", err)
	}
	if p.ID != login.Admin.ID || p.SessionID != login.Session.ID {
		t.Errorf("principal: got %+v", p)
	}
}

func TestLoginThenAuthorizeThenRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bootstrap(t, "root")

	res := env.login(t, "root", "10.0.0.2")
	p, err := env.auth.Authorize(ctx, res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if p.Role != model.RoleSuperAdmin {
		t.Errorf("Role: got %q", p.Role)
	}

	if err := env.auth.Logout(ctx, p); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	// The token signature and expiry are still fine; only the row is gone.
	if _, err := env.codec.Verify(res.Tokens.AccessToken, PurposeAccess); err != nil {
		t.Fatalf("token should still verify: %v", err)
	}
	_, err = env.auth.Authorize(ctx, res.Tokens.AccessToken)
	if !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("after logout: got %v, want ErrTokenRevoked", err)
	}
	if ActionFor(err) != ActionRefresh {
		t.Errorf("action: got %q, want %q", ActionFor(err), ActionRefresh)
	}
}

func TestAuthorizeFailureModes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bootstrap(t, "root")
	res := env.login(t, "root", "10.0.0.2")

	other, err := NewTokenCodec(TokenConfig{Secret: []byte("another-secret"), Issuer: "spigot-test"})
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	forged, err := other.IssuePair(res.Admin.ID)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	tests := []struct {
		name   string
		token  string
		want   error
		action string
	}{
		{"missing", "", ErrTokenMissing, ActionLogin},
		{"garbage", "garbage.token.here", ErrTokenMalformed, ActionLogin},
		{"forged signature", forged.AccessToken, ErrTokenMalformed, ActionLogin},
		{"refresh token as access", res.Tokens.RefreshToken, ErrTokenMalformed, ActionLogin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.auth.Authorize(ctx, tt.token)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if got := ActionFor(err); got != tt.action {
				t.Errorf("action: got %q, want %q", got, tt.action)
			}
		})
	}

	env.clock.Advance(25 * time.Hour)
	_, err = env.auth.Authorize(ctx, res.Tokens.AccessToken)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired: got %v, want ErrTokenExpired", err)
	}
	if ActionFor(err) != ActionRefresh {
		t.Errorf("expired action: got %q", ActionFor(err))
	}
}

func TestAuthorizeTouchesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bootstrap(t, "root")
	res := env.login(t, "root", "10.0.0.2")

	env.clock.Advance(10 * time.Minute)
	if _, err := env.auth.Authorize(ctx, res.Tokens.AccessToken); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	sess, err := env.store.GetSession(ctx, res.Session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !sess.LastActivityAt.Equal(env.clock.Now()) {
		t.Errorf("LastActivityAt: got %v, want %v", sess.LastActivityAt, env.clock.Now())
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bootstrap(t, "root")

	_, unknown := env.auth.Login(ctx, LoginInput{Identity: "nobody", Secret: strongSecret, Origin: "10.0.0.3"})
	_, wrong := env.auth.Login(ctx, LoginInput{Identity: "root", Secret: "Wrong-Secret-123", Origin: "10.0.0.4"})

	if !errors.Is(unknown, ErrInvalidCredentials) || !errors.Is(wrong, ErrInvalidCredentials) {
		t.Fatalf("got %v and %v, want ErrInvalidCredentials for both", unknown, wrong)
	}
	if unknown.Error() != wrong.Error() {
		t.Errorf("messages differ: %q vs %q", unknown, wrong)
	}
}

func TestLoginLockoutAfterFiveFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bootstrap(t, "root")

	for i := 0; i < 5; i++ {
		_, err := env.auth.Login(ctx, LoginInput{Identity: "root", Secret: "Bad-Secret-999!", Origin: "10.0.0.5"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v", i+1, err)
		}
	}

	// Correct secret, but locked.
	_, err := env.auth.Login(ctx, LoginInput{Identity: "root", Secret: strongSecret, Origin: "10.0.0.5"})
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("6th attempt: got %v, want *LockedError", err)
	}
	if !errors.Is(err, ErrAccountLocked) {
		t.Error("LockedError should match ErrAccountLocked")
	}
	if locked.RetryMinutes() != 15 {
		t.Errorf("RetryMinutes: got %d, want 15", locked.RetryMinutes())
	}

	env.clock.Advance(15*time.Minute + time.Second)
	if _, err := env.auth.Login(ctx, LoginInput{Identity: "root", Secret: strongSecret, Origin: "10.0.0.5"}); err != nil {
		t.Fatalf("after lockout window: %v", err)
	}
}

func TestLoginSuccessClearsBothKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bootstrap(t, "root")

	for i := 0; i < 3; i++ {
		env.auth.Login(ctx, LoginInput{Identity: "root", Secret: "Bad-Secret-999!", Origin: "10.0.0.6"})
	}
	env.login(t, "root", "10.0.0.6")

	if _, err := env.store.GetLockout(ctx, model.LockoutIdentity, "root"); !errors.Is(err, config.ErrNotFound) {
		t.Errorf("identity record: got %v, want ErrNotFound", err)
	}
	if _, err := env.store.GetLockout(ctx, model.LockoutOrigin, "10.0.0.6"); !errors.Is(err, config.ErrNotFound) {
		t.Errorf("origin record: got %v, want ErrNotFound", err)
	}
}

func TestLoginInactiveAdminRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	root := env.bootstrap(t, "root")
	caller := &Principal{ID: root.Admin.ID, Role: model.RoleSuperAdmin}

	ed, err := env.admins.Create(ctx, caller, AdminInput{Identity: "ed", Email: "ed@example.com", Secret: strongSecret, Role: model.RoleEditor})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res := env.login(t, "ed", "10.0.0.7")

	inactive := false
	if _, err := env.admins.Update(ctx, caller, ed.ID, AdminUpdate{IsActive: &inactive}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := env.auth.Authorize(ctx, res.Tokens.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("Authorize after deactivation: got %v, want ErrTokenRevoked", err)
	}
	_, err = env.auth.Login(ctx, LoginInput{Identity: "ed", Secret: strongSecret, Origin: "10.0.0.7"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login after deactivation: got %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginByEmailCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	root := env.bootstrap(t, "root")
	caller := &Principal{ID: root.Admin.ID, Role: model.RoleSuperAdmin}

	if _, err := env.admins.Create(ctx, caller, AdminInput{Identity: "val", Email: "Val@Example.com", Secret: strongSecret}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	res := env.login(t, "VAL@example.COM", "10.0.0.8")
	if res.Admin.Username != "val" {
		t.Errorf("Username: got %q", res.Admin.Username)
	}
	if res.Admin.LastLoginAt == nil {
		t.Error("LastLoginAt should be set")
	}
}

func TestRefreshReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bootstrap(t, "root")
	res := env.login(t, "root", "10.0.0.9")

	in := RefreshInput{RefreshToken: res.Tokens.RefreshToken, PrincipalID: res.Admin.ID}
	if _, err := env.auth.Refresh(ctx, in); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	_, err := env.auth.Refresh(ctx, in)
	if !errors.Is(err, ErrRefreshReplayed) {
		t.Fatalf("second Refresh: got %v, want ErrRefreshReplayed", err)
	}
	if !errors.Is(err, ErrTokenRevoked) {
		t.Error("a replay must be indistinguishable from a revoked token")
	}
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bootstrap(t, "root")
	res := env.login(t, "root", "10.0.0.10")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	in := RefreshInput{RefreshToken: res.Tokens.RefreshToken, PrincipalID: res.Admin.ID}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.auth.Refresh(ctx, in)
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrTokenRevoked) {
				t.Errorf("loser: got %v, want ErrTokenRevoked", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("successful rotations: got %d, want 1", success)
	}
}

func TestRefreshRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bootstrap(t, "root")
	res := env.login(t, "root", "10.0.0.11")

	tests := []struct {
		name string
		in   RefreshInput
		want error
	}{
		{"wrong principal", RefreshInput{RefreshToken: res.Tokens.RefreshToken, PrincipalID: res.Admin.ID + 1}, ErrTokenMalformed},
		{"access token", RefreshInput{RefreshToken: res.Tokens.AccessToken, PrincipalID: res.Admin.ID}, ErrTokenMalformed},
		{"garbage", RefreshInput{RefreshToken: "nope", PrincipalID: res.Admin.ID}, ErrTokenMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.auth.Refresh(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	env.clock.Advance(8 * 24 * time.Hour)
	_, err := env.auth.Refresh(ctx, RefreshInput{RefreshToken: res.Tokens.RefreshToken, PrincipalID: res.Admin.ID})
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired refresh: got %v, want ErrTokenExpired", err)
	}
}

func TestRefreshAfterAccessExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bootstrap(t, "root")
	res := env.login(t, "root", "10.0.0.12")

	env.clock.Advance(30 * time.Hour)
	refreshed, err := env.auth.Refresh(ctx, RefreshInput{RefreshToken: res.Tokens.RefreshToken, PrincipalID: res.Admin.ID})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := env.auth.Authorize(ctx, refreshed.Tokens.AccessToken); err != nil {
		t.Errorf("Authorize refreshed token: %v", err)
	}
}

func TestRevokeAllKeepsCurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bootstrap(t, "root")

	a := env.login(t, "root", "10.0.0.13")
	b := env.login(t, "root", "10.0.0.14")
	c := env.login(t, "root", "10.0.0.15")

	p, err := env.auth.Authorize(ctx, a.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	n, err := env.auth.RevokeAll(ctx, p, false)
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	// bootstrap session + b + c
	if n != 3 {
		t.Errorf("revoked: got %d, want 3", n)
	}
	if _, err := env.auth.Authorize(ctx, a.Tokens.AccessToken); err != nil {
		t.Errorf("current session should survive: %v", err)
	}
	for _, tok := range []string{b.Tokens.AccessToken, c.Tokens.AccessToken} {
		if _, err := env.auth.Authorize(ctx, tok); !errors.Is(err, ErrTokenRevoked) {
			t.Errorf("got %v, want ErrTokenRevoked", err)
		}
	}

	if n, err := env.auth.RevokeAll(ctx, p, true); err != nil || n != 1 {
		t.Errorf("RevokeAll include current: got %d, %v", n, err)
	}
}

func TestRegisterRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	root := env.bootstrap(t, "root")

	in := func(identity, email string, role model.Role) RegisterInput {
		return RegisterInput{AdminInput: AdminInput{Identity: identity, Email: email, Secret: strongSecret, Role: role}}
	}

	if _, err := env.auth.Register(ctx, nil, in("eve", "eve@example.com", "")); !errors.Is(err, ErrRegistrationForbidden) {
		t.Errorf("anonymous after bootstrap: got %v, want ErrRegistrationForbidden", err)
	}

	viewer := &Principal{ID: 99, Role: model.RoleViewer}
	if _, err := env.auth.Register(ctx, viewer, in("eve", "eve@example.com", "")); !errors.Is(err, ErrRegistrationForbidden) {
		t.Errorf("viewer caller: got %v, want ErrRegistrationForbidden", err)
	}

	admin := &Principal{ID: 98, Role: model.RoleAdmin}
	if _, err := env.auth.Register(ctx, admin, in("eve", "eve@example.com", model.RoleSuperAdmin)); !errors.Is(err, ErrRegistrationForbidden) {
		t.Errorf("grant above own rank: got %v, want ErrRegistrationForbidden", err)
	}

	res, err := env.auth.Register(ctx, admin, in("eve", "eve@example.com", ""))
	if err != nil {
		t.Fatalf("privileged Register: %v", err)
	}
	if res.Admin.Role != model.RoleViewer {
		t.Errorf("default role: got %q, want viewer", res.Admin.Role)
	}
	if res.Tokens != nil || res.Session != nil {
		t.Error("privileged registration must not open a session")
	}

	if _, err := env.auth.Register(ctx, admin, in("eve", "other@example.com", "")); !errors.Is(err, ErrDuplicateIdentity) {
		t.Errorf("duplicate identity: got %v", err)
	}
	if _, err := env.auth.Register(ctx, admin, in("eve2", "EVE@example.com", "")); !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("duplicate email: got %v", err)
	}
	// A username may not shadow someone else's email, since login accepts both.
	if _, err := env.auth.Register(ctx, admin, in(root.Admin.Email, "x@example.com", "")); !errors.Is(err, ErrDuplicateIdentity) {
		t.Errorf("identity equal to existing email: got %v", err)
	}
	if _, err := env.auth.Register(ctx, admin, in("zed", "zed@example.com", "owner")); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("unknown role: got %v", err)
	}
}

func TestRegisterWeakSecret(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.auth.Register(context.Background(), nil, RegisterInput{
		AdminInput: AdminInput{Identity: "root", Email: "root@example.com", Secret: "password"},
	})
	var weak *WeakSecretError
	if !errors.As(err, &weak) {
		t.Fatalf("got %v, want *WeakSecretError", err)
	}
	want := map[string]bool{RuleMinLength: true, RuleUpper: true, RuleDigit: true, RuleSymbol: true, RuleNotCommon: true}
	if len(weak.Unmet) != len(want) {
		t.Errorf("Unmet: got %v", weak.Unmet)
	}
	for _, r := range weak.Unmet {
		if !want[r] {
			t.Errorf("unexpected rule %q", r)
		}
	}

	// Nothing was created, so bootstrap is still open.
	if n, _ := env.store.CountAdmins(context.Background()); n != 0 {
		t.Errorf("admins: got %d, want 0", n)
	}
}

func TestRegisterSecretTooLongForBcrypt(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.auth.Register(context.Background(), nil, RegisterInput{
		AdminInput: AdminInput{Identity: "root", Email: "root@example.com", Secret: strings.Repeat("Tr0ub4dor&3xtra!", 5)},
	})
	var weak *WeakSecretError
	if !errors.As(err, &weak) {
		t.Fatalf("got %v, want *WeakSecretError", err)
	}
	if len(weak.Unmet) != 1 || weak.Unmet[0] != RuleMaxLength {
		t.Errorf("Unmet: got %v, want [%s]", weak.Unmet, RuleMaxLength)
	}
	if n, _ := env.store.CountAdmins(context.Background()); n != 0 {
		t.Errorf("admins: got %d, want 0", n)
	}
}

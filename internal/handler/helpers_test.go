package handler

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/faucetdb/spigot/internal/model"
	"github.com/faucetdb/spigot/internal/service"
)

// ---------------------------------------------------------------------------
// queryBool tests
// ---------------------------------------------------------------------------

func TestQueryBool(t *testing.T) {
	tests := []struct {
		name string
		url  string
		key  string
		want bool
	}{
		{"true for 'true'", "/test?all=true", "all", true},
		{"true for '1'", "/test?all=1", "all", true},
		{"false for 'false'", "/test?all=false", "all", false},
		{"false for missing", "/test", "all", false},
		{"false for '0'", "/test?all=0", "all", false},
		{"false for empty", "/test?all=", "all", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			if got := queryBool(r, tt.key); got != tt.want {
				t.Errorf("queryBool(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// parseID tests
// ---------------------------------------------------------------------------

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1", 1, false},
		{"9001", 9001, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"abc", 0, true},
		{"", 0, true},
		{"99999999999999999999", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseID(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// writeError / writeJSON tests
// ---------------------------------------------------------------------------

func TestWriteError(t *testing.T) {
	t.Run("writes JSON error response", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeError(w, http.StatusBadRequest, "Invalid input")

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		body := w.Body.String()
		if !strings.Contains(body, `"code":400`) {
			t.Errorf("expected code 400 in body: %s", body)
		}
		if !strings.Contains(body, `"message":"Invalid input"`) {
			t.Errorf("expected message in body: %s", body)
		}
		if strings.Contains(body, `"context"`) {
			t.Errorf("context should be omitted when empty: %s", body)
		}
	})

	t.Run("includes context", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeError(w, http.StatusUnauthorized, "Invalid token", map[string]interface{}{"action": "login"})
		if !strings.Contains(w.Body.String(), `"action":"login"`) {
			t.Errorf("expected action in body: %s", w.Body.String())
		}
	})
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
	if !strings.Contains(w.Body.String(), `"hello":"world"`) {
		t.Errorf("expected JSON body, got: %s", w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// readJSON tests
// ---------------------------------------------------------------------------

func TestReadJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantErr    bool
		wantFields []string
	}{
		{"valid", `{"identity":"root","secret":"pw"}`, false, nil},
		{"malformed", `{"identity":`, true, nil},
		{"wrong type", `{"identity":42,"secret":"pw"}`, true, nil},
		{"missing secret", `{"identity":"root"}`, true, []string{"secret"}},
		{"missing both", `{}`, true, []string{"identity", "secret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/auth/login", strings.NewReader(tt.body))
			var req loginRequest
			err := readJSON(httptest.NewRecorder(), r, &req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("readJSON error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var re *requestError
			if !errors.As(err, &re) {
				t.Fatalf("error %T is not a *requestError", err)
			}
			for _, f := range tt.wantFields {
				if re.fields[f] != "is required" {
					t.Errorf("fields[%q] = %q, want %q", f, re.fields[f], "is required")
				}
			}
			if len(re.fields) != len(tt.wantFields) {
				t.Errorf("fields = %v, want keys %v", re.fields, tt.wantFields)
			}
		})
	}
}

func TestReadJSON_BodyTooLarge(t *testing.T) {
	big := `{"identity":"` + strings.Repeat("a", maxBodyBytes) + `","secret":"pw"}`
	r := httptest.NewRequest("POST", "/auth/login", strings.NewReader(big))
	var req loginRequest
	if err := readJSON(httptest.NewRecorder(), r, &req); err == nil {
		t.Fatal("expected an error for an oversized body")
	}
}

func TestReadJSON_FieldMessages(t *testing.T) {
	body := `{"identity":"x","email":"nope","secret":"pw","role":"owner"}`
	r := httptest.NewRequest("POST", "/auth/register", strings.NewReader(body))
	var req registerRequest
	err := readJSON(httptest.NewRecorder(), r, &req)

	var re *requestError
	if !errors.As(err, &re) {
		t.Fatalf("readJSON = %v, want *requestError", err)
	}
	if re.fields["email"] != "must be a valid email address" {
		t.Errorf("fields[email] = %q", re.fields["email"])
	}
	if !strings.HasPrefix(re.fields["role"], "must be one of:") {
		t.Errorf("fields[role] = %q", re.fields["role"])
	}
}

func TestWriteRequestError(t *testing.T) {
	w := httptest.NewRecorder()
	writeRequestError(w, &requestError{message: "Invalid request: secret", fields: map[string]string{"secret": "is required"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body model.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	fields, ok := body.Error.Context["fields"].(map[string]interface{})
	if !ok || fields["secret"] != "is required" {
		t.Errorf("context = %v", body.Error.Context)
	}
}

// ---------------------------------------------------------------------------
// writeServiceError tests
// ---------------------------------------------------------------------------

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantAction string
	}{
		{"invalid credentials", service.ErrInvalidCredentials, http.StatusUnauthorized, ""},
		{"missing token", service.ErrTokenMissing, http.StatusUnauthorized, service.ActionLogin},
		{"malformed token", service.ErrTokenMalformed, http.StatusUnauthorized, service.ActionLogin},
		{"expired token", service.ErrTokenExpired, http.StatusUnauthorized, service.ActionRefresh},
		{"revoked token", service.ErrTokenRevoked, http.StatusUnauthorized, service.ActionRefresh},
		{"replayed refresh", service.ErrRefreshReplayed, http.StatusUnauthorized, service.ActionRefresh},
		{"duplicate identity", service.ErrDuplicateIdentity, http.StatusBadRequest, ""},
		{"duplicate email", fmt.Errorf("create: %w", service.ErrDuplicateEmail), http.StatusBadRequest, ""},
		{"invalid role", service.ErrInvalidRole, http.StatusBadRequest, ""},
		{"registration forbidden", service.ErrRegistrationForbidden, http.StatusForbidden, ""},
		{"forbidden", service.ErrForbidden, http.StatusForbidden, ""},
		{"self target", service.ErrSelfTarget, http.StatusForbidden, ""},
		{"last super admin", service.ErrLastSuperAdmin, http.StatusForbidden, ""},
		{"admin not found", service.ErrAdminNotFound, http.StatusNotFound, ""},
		{"session not found", service.ErrSessionNotFound, http.StatusNotFound, ""},
		{"lockout not found", service.ErrLockoutNotFound, http.StatusNotFound, ""},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, ""},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeServiceError(w, httptest.NewRequest("GET", "/", nil), logger, tt.err)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			var body model.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got, _ := body.Error.Context["action"].(string); got != tt.wantAction {
				t.Errorf("action = %q, want %q", got, tt.wantAction)
			}
		})
	}
}

func TestWriteServiceError_HidesInternals(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	w := httptest.NewRecorder()
	writeServiceError(w, httptest.NewRequest("GET", "/api/v1/system/me", nil), logger,
		errors.New("pq: relation admins does not exist"))

	if strings.Contains(w.Body.String(), "relation") {
		t.Errorf("response leaks internal error: %s", w.Body.String())
	}
	if !strings.Contains(logs.String(), "relation admins does not exist") {
		t.Errorf("internal error not logged: %s", logs.String())
	}
}

func TestWriteServiceError_Locked(t *testing.T) {
	until := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	w := httptest.NewRecorder()
	writeServiceError(w, httptest.NewRequest("POST", "/auth/login", nil), slog.Default(),
		&service.LockedError{Until: until, RetryAfter: 14*time.Minute + 30*time.Second})

	if w.Code != http.StatusLocked {
		t.Fatalf("status = %d, want 423", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "870" {
		t.Errorf("Retry-After = %q, want 870", got)
	}
	var body model.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Context["retryAfterMinutes"] != float64(15) {
		t.Errorf("retryAfterMinutes = %v, want 15", body.Error.Context["retryAfterMinutes"])
	}
	if body.Error.Context["lockedUntil"] != until.Format(time.RFC3339) {
		t.Errorf("lockedUntil = %v, want %s", body.Error.Context["lockedUntil"], until.Format(time.RFC3339))
	}
}

func TestWriteServiceError_WeakSecret(t *testing.T) {
	w := httptest.NewRecorder()
	writeServiceError(w, httptest.NewRequest("POST", "/auth/register", nil), slog.Default(),
		&service.WeakSecretError{Unmet: []string{"at least 8 characters", "a digit"}})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"unmet":["at least 8 characters","a digit"]`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestCapitalize(t *testing.T) {
	if got := capitalize("admin not found"); got != "Admin not found" {
		t.Errorf("capitalize = %q", got)
	}
	if got := capitalize(""); got != "" {
		t.Errorf("capitalize(\"\") = %q", got)
	}
}

// ---------------------------------------------------------------------------
// baseURL tests
// ---------------------------------------------------------------------------

func TestBaseURL(t *testing.T) {
	r := httptest.NewRequest("GET", "/openapi.json", nil)
	r.Host = "panel.example.com"
	if got := baseURL(r); got != "http://panel.example.com" {
		t.Errorf("baseURL = %q", got)
	}

	r.Header.Set("X-Forwarded-Proto", "https")
	if got := baseURL(r); got != "https://panel.example.com" {
		t.Errorf("baseURL behind proxy = %q", got)
	}

	r = httptest.NewRequest("GET", "/openapi.json", nil)
	r.Host = "panel.example.com"
	r.TLS = &tls.ConnectionState{}
	if got := baseURL(r); got != "https://panel.example.com" {
		t.Errorf("baseURL over TLS = %q", got)
	}
}

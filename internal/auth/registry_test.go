package auth_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"kilit.org/internal/auth"
	"kilit.org/internal/obs"
	"kilit.org/internal/store/memory"
)

func newTestRegistry(t *testing.T, store auth.Store, issuer *auth.Issuer, cfg auth.Config) *auth.Registry {
	t.Helper()
	registry, err := auth.NewRegistry(store, issuer.Denylist(), cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry
}

func TestListSessions(t *testing.T) {
	store, p := seedStore(t)
	cfg := auth.DefaultConfig()
	issuer := newTestIssuer(t, store, cfg)
	registry := newTestRegistry(t, store, issuer, cfg)

	first, err := issuer.IssueInitial(context.Background(), &p)
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}
	second, err := issuer.IssueInitial(context.Background(), &p)
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	sessions, err := registry.ListSessions(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	seen := map[string]bool{}
	for _, s := range sessions {
		seen[s.ID] = true
	}
	if !seen[first.FamilyID] || !seen[second.FamilyID] {
		t.Fatalf("sessions missing issued families: %v", seen)
	}
}

func TestRevokeSingleSession(t *testing.T) {
	store, p := seedStore(t)
	cfg := auth.DefaultConfig()
	issuer := newTestIssuer(t, store, cfg)
	registry := newTestRegistry(t, store, issuer, cfg)

	doomed, err := issuer.IssueInitial(context.Background(), &p)
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}
	survivor, err := issuer.IssueInitial(context.Background(), &p)
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	if err := registry.Revoke(context.Background(), p.ID, doomed.FamilyID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if _, err := issuer.Rotate(context.Background(), doomed.RefreshToken); !errors.Is(err, auth.ErrTokenBlacklisted) {
		t.Fatalf("expected revoked session to fail rotation, got %v", err)
	}
	if _, err := issuer.Authenticate(context.Background(), doomed.AccessToken); !errors.Is(err, auth.ErrTokenBlacklisted) {
		t.Fatalf("expected revoked session's access token to fail, got %v", err)
	}

	// Other sessions are untouched.
	if _, err := issuer.Authenticate(context.Background(), survivor.AccessToken); err != nil {
		t.Fatalf("survivor access token should still work: %v", err)
	}
	if _, err := issuer.Rotate(context.Background(), survivor.RefreshToken); err != nil {
		t.Fatalf("survivor refresh token should still rotate: %v", err)
	}
}

func TestRevokeRequiresOwnership(t *testing.T) {
	store, p := seedStore(t)
	cfg := auth.DefaultConfig()
	issuer := newTestIssuer(t, store, cfg)
	registry := newTestRegistry(t, store, issuer, cfg)

	pair, err := issuer.IssueInitial(context.Background(), &p)
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	// Same 404 whether the family does not exist or belongs to someone else.
	if err := registry.Revoke(context.Background(), "other-principal", pair.FamilyID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign family, got %v", err)
	}
	if err := registry.Revoke(context.Background(), p.ID, "no-such-family"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown family, got %v", err)
	}

	// The session is still alive.
	if _, err := issuer.Authenticate(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("session should survive failed revocations: %v", err)
	}
}

func TestRevokeAllIsLogoutEverywhere(t *testing.T) {
	store, p := seedStore(t)
	cfg := auth.DefaultConfig()
	issuer := newTestIssuer(t, store, cfg)
	registry := newTestRegistry(t, store, issuer, cfg)

	var pairs []auth.TokenPair
	for i := 0; i < 3; i++ {
		pair, err := issuer.IssueInitial(context.Background(), &p)
		if err != nil {
			t.Fatalf("IssueInitial: %v", err)
		}
		pairs = append(pairs, pair)
	}

	revoked, err := registry.RevokeAll(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if revoked != 3 {
		t.Fatalf("expected 3 revoked families, got %d", revoked)
	}

	for _, pair := range pairs {
		if _, err := issuer.Rotate(context.Background(), pair.RefreshToken); !errors.Is(err, auth.ErrTokenBlacklisted) {
			t.Fatalf("expected every refresh token to fail, got %v", err)
		}
		if _, err := issuer.Authenticate(context.Background(), pair.AccessToken); !errors.Is(err, auth.ErrTokenBlacklisted) {
			t.Fatalf("expected every access token to fail, got %v", err)
		}
	}

	// Idempotent: nothing left to revoke.
	revoked, err = registry.RevokeAll(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("RevokeAll second pass: %v", err)
	}
	if revoked != 0 {
		t.Fatalf("expected 0 on second pass, got %d", revoked)
	}
}

func TestRevokeAllUnknownPrincipal(t *testing.T) {
	store := memory.New()
	cfg := auth.DefaultConfig()
	registry, err := auth.NewRegistry(store, nil, cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	revoked, err := registry.RevokeAll(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if revoked != 0 {
		t.Fatalf("expected 0 revoked families, got %d", revoked)
	}
}

func TestRevokeSurvivesDenylistOutage(t *testing.T) {
	store, p := seedStore(t)
	cfg := auth.DefaultConfig()
	issuer := newTestIssuer(t, store, cfg)

	registry, err := auth.NewRegistry(store, failingLedger{}, cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	pair, err := issuer.IssueInitial(context.Background(), &p)
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	// Durable revocation succeeds even though the deny-list is down.
	if err := registry.Revoke(context.Background(), p.ID, pair.FamilyID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := issuer.Rotate(context.Background(), pair.RefreshToken); !errors.Is(err, auth.ErrTokenBlacklisted) {
		t.Fatalf("expected rotation of revoked family to fail, got %v", err)
	}

	// The failed mirror write must leave a trace.
	if !strings.Contains(buf.String(), "denylist fan-out failed") {
		t.Fatalf("expected fan-out failure log, got %q", buf.String())
	}
}

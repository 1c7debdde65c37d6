package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"kilit.org/internal/auth"
)

// newOfflineLedger returns a ledger over a client that points at nothing.
// Tests using it only exercise paths that short-circuit before any command
// is sent.
func newOfflineLedger(t *testing.T) *Ledger {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = client.Close() })
	l := NewLedger(client)
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return l
}

func TestCheckAndInsertExpiredEntryIsFresh(t *testing.T) {
	l := newOfflineLedger(t)
	ok, err := l.CheckAndInsert(context.Background(), auth.LedgerEntry{
		JTI:       "jti-1",
		Reason:    auth.ReasonRotated,
		ExpiresAt: l.now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CheckAndInsert: %v", err)
	}
	if !ok {
		t.Fatal("expired entry should be reported as fresh")
	}
}

func TestInsertExpiredEntryIsNoop(t *testing.T) {
	l := newOfflineLedger(t)
	err := l.Insert(context.Background(), auth.LedgerEntry{
		JTI:       "jti-1",
		Reason:    auth.ReasonRevoked,
		ExpiresAt: l.now(),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestRevokeFamilyInThePastIsNoop(t *testing.T) {
	l := newOfflineLedger(t)
	if err := l.RevokeFamily(context.Background(), "fam-1", l.now().Add(-time.Second)); err != nil {
		t.Fatalf("RevokeFamily: %v", err)
	}
}

func TestPurgeExpiredIsNoop(t *testing.T) {
	l := newOfflineLedger(t)
	n, err := l.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 purged, got %d", n)
	}
}

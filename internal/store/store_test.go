package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/SchemaPipe/internal/models"
)

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	r := models.Receipt{To: "+123", Status: models.MessageStatusSent, Time: 1}
	if err := s.AddReceipt(r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	receipts, err := s.GetReceipts()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(receipts) != 1 || receipts[0].To != "+123" {
		t.Error("Receipt not stored or retrieved correctly")
	}
}

func TestInMemoryStoreTurnsAreScopedBySession(t *testing.T) {
	s := NewInMemoryStore()
	s.AddTurn(models.TurnRecord{SessionID: "a", Turn: 1, PhaseAfter: models.PhaseIntro})
	s.AddTurn(models.TurnRecord{SessionID: "b", Turn: 1})
	s.AddTurn(models.TurnRecord{SessionID: "a", Turn: 2, PhaseAfter: models.PhaseGetNarrative})

	turns, err := s.GetTurns("a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 2 || turns[1].PhaseAfter != models.PhaseGetNarrative {
		t.Errorf("unexpected turns for a: %+v", turns)
	}
	if turns, _ := s.GetTurns("missing"); len(turns) != 0 {
		t.Errorf("expected no turns, got %d", len(turns))
	}
}

func TestSQLiteStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "transcript.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	defer s.Close()

	if err := s.AddReceipt(models.Receipt{To: "+39123", Status: models.MessageStatusDelivered, Time: 42}); err != nil {
		t.Fatalf("AddReceipt failed: %v", err)
	}
	if err := s.AddResponse(models.Response{From: "+39123", Body: "ciao", Time: 43}); err != nil {
		t.Fatalf("AddResponse failed: %v", err)
	}
	receipts, err := s.GetReceipts()
	if err != nil || len(receipts) != 1 || receipts[0].Status != models.MessageStatusDelivered {
		t.Errorf("unexpected receipts: %+v (err=%v)", receipts, err)
	}
	responses, err := s.GetResponses()
	if err != nil || len(responses) != 1 || responses[0].Body != "ciao" {
		t.Errorf("unexpected responses: %+v (err=%v)", responses, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	for i := 1; i <= 2; i++ {
		rec := models.TurnRecord{
			SessionID:   "sess-1",
			Turn:        i,
			PhaseBefore: models.PhaseStart,
			PhaseAfter:  models.PhaseIntro,
			UserMessage: "ciao",
			Reply:       "benvenuto",
			CreatedAt:   now,
		}
		if err := s.AddTurn(rec); err != nil {
			t.Fatalf("AddTurn failed: %v", err)
		}
	}
	turns, err := s.GetTurns("sess-1")
	if err != nil {
		t.Fatalf("GetTurns failed: %v", err)
	}
	if len(turns) != 2 || turns[0].Turn != 1 || turns[1].PhaseAfter != models.PhaseIntro {
		t.Errorf("unexpected turns: %+v", turns)
	}
}

func TestSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error without DSN")
	}
}

func TestInMemorySessionStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewInMemorySessionStore(time.Hour)

	if _, err := s.GetSession(ctx, "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	state := models.NewConversationState()
	state.Phase = models.PhaseGetTrigger
	if err := s.SaveSession(ctx, "x", state); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	state.Phase = models.PhaseError

	got, err := s.GetSession(ctx, "x")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Phase != models.PhaseGetTrigger {
		t.Errorf("stored state must not alias the caller's, got %s", got.Phase)
	}

	if err := s.DeleteSession(ctx, "x"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := s.GetSession(ctx, "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected deleted session to be gone, got %v", err)
	}
}

func TestInMemorySessionStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewInMemorySessionStore(time.Minute)
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	s.SaveSession(ctx, "a", models.NewConversationState())
	s.SaveSession(ctx, "b", models.NewConversationState())

	clock = clock.Add(30 * time.Second)
	if _, err := s.GetSession(ctx, "a"); err != nil {
		t.Fatalf("session should still be live: %v", err)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := s.GetSession(ctx, "a"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected expired session, got %v", err)
	}
	if n := s.Sweep(); n != 1 {
		t.Errorf("expected sweep to remove 1 session, got %d", n)
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":               "postgres",
		"postgresql://localhost/db":                 "postgres",
		"host=localhost user=app dbname=schemapipe": "postgres",
		"redis://localhost:6379/0":                  "redis",
		"rediss://cache:6380":                       "redis",
		"/var/lib/schemapipe/state.db":              "sqlite",
		"file:test.db?cache=shared":                 "sqlite",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestPostgresStore(t *testing.T) {
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	pgStore.db.Exec("DELETE FROM turns WHERE session_id = 'pg-test'")

	rec := models.TurnRecord{SessionID: "pg-test", Turn: 1, PhaseBefore: models.PhaseStart, PhaseAfter: models.PhaseIntro, CreatedAt: time.Now()}
	if err := pgStore.AddTurn(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	turns, err := pgStore.GetTurns("pg-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 1 || turns[0].PhaseAfter != models.PhaseIntro {
		t.Errorf("turn not stored or retrieved correctly in Postgres: %+v", turns)
	}
}

func TestRedisSessionStore(t *testing.T) {
	url := getenvOrSkip(t, "REDIS_URL")
	rs, err := NewRedisSessionStore(WithRedisURL(url), WithSessionTTL(time.Minute), WithKeyPrefix("schemapipe:test:"))
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer rs.Close()
	ctx := context.Background()

	state := models.NewConversationState()
	state.Schema.Set(models.SlotTrigger, "toccare una maniglia")
	if err := rs.SaveSession(ctx, "r1", state); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	got, err := rs.GetSession(ctx, "r1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if v, _ := got.Schema.Get(models.SlotTrigger); v != "toccare una maniglia" {
		t.Errorf("schema lost in redis round trip: %q", v)
	}
	rs.DeleteSession(ctx, "r1")
	if _, err := rs.GetSession(ctx, "r1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestNewRedisSessionStoreRequiresURL(t *testing.T) {
	if _, err := NewRedisSessionStore(); err == nil {
		t.Error("expected error without URL")
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

package archive_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/intervox/internal/archive"
)

// testDSN returns the test database DSN or skips the test when
// INTERVOX_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("INTERVOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INTERVOX_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore drops the archive table and returns a freshly migrated store.
func newTestStore(t *testing.T) *archive.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS interview_turns CASCADE"); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	pool.Close()

	store, err := archive.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestSaveAndListTurns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

	turns := []archive.Turn{
		{SessionID: "s1", Index: 1, Transcript: "I led the migration.", Audio: []byte("RIFF-two"), MIMEType: "audio/wav", StartedAt: started.Add(time.Minute), Duration: 4 * time.Second},
		{SessionID: "s1", Index: 0, Transcript: "Hello, I am Sam.", Audio: []byte("RIFF-one"), MIMEType: "audio/wav", StartedAt: started, Duration: 2500 * time.Millisecond},
		{SessionID: "s2", Index: 0, Transcript: "other session", StartedAt: started},
	}
	for _, turn := range turns {
		if err := store.SaveTurn(ctx, turn); err != nil {
			t.Fatalf("SaveTurn: %v", err)
		}
	}

	got, err := store.ListTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListTurns: got %d turns, want 2", len(got))
	}
	if got[0].Index != 0 || got[1].Index != 1 {
		t.Errorf("turn order = [%d %d], want [0 1]", got[0].Index, got[1].Index)
	}
	if got[0].Transcript != "Hello, I am Sam." {
		t.Errorf("Transcript = %q", got[0].Transcript)
	}
	if !bytes.Equal(got[0].Audio, []byte("RIFF-one")) {
		t.Errorf("Audio = %q, want RIFF-one", got[0].Audio)
	}
	if got[0].Duration != 2500*time.Millisecond {
		t.Errorf("Duration = %v, want 2.5s", got[0].Duration)
	}
	if !got[0].StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got[0].StartedAt, started)
	}
}

func TestSaveTurn_ReplacesSameIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := archive.Turn{SessionID: "s1", Index: 0, Transcript: "draft", StartedAt: time.Now()}
	second := first
	second.Transcript = "final"

	if err := store.SaveTurn(ctx, first); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if err := store.SaveTurn(ctx, second); err != nil {
		t.Fatalf("SaveTurn again: %v", err)
	}

	got, err := store.ListTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(got) != 1 || got[0].Transcript != "final" {
		t.Errorf("ListTurns = %+v, want one turn with transcript final", got)
	}
}

func TestDeleteSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		if err := store.SaveTurn(ctx, archive.Turn{SessionID: "s1", Index: i, StartedAt: time.Now()}); err != nil {
			t.Fatalf("SaveTurn: %v", err)
		}
	}

	n, err := store.DeleteSession(ctx, "s1")
	if err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d rows, want 3", n)
	}
	got, err := store.ListTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListTurns after delete = %d turns, want 0", len(got))
	}
}

func TestSaveTurn_RejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, turn := range []archive.Turn{
		{Index: 0},
		{SessionID: "s1", Index: -1},
	} {
		if err := store.SaveTurn(ctx, turn); !errors.Is(err, archive.ErrInvalidTurn) {
			t.Errorf("SaveTurn(%+v) = %v, want ErrInvalidTurn", turn, err)
		}
	}
}

func TestNewStore_BadDSN(t *testing.T) {
	t.Parallel()
	if _, err := archive.NewStore(context.Background(), "postgres://%zz"); err == nil {
		t.Fatal("NewStore with malformed DSN succeeded")
	}
}

package app

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/intervox/internal/archive"
	"github.com/MrWong99/intervox/internal/resilience"
)

type failingStore struct {
	calls int
	err   error
}

func (s *failingStore) SaveTurn(context.Context, archive.Turn) error {
	s.calls++
	return s.err
}

func TestGuardedArchive_StopsCallingFailingStore(t *testing.T) {
	t.Parallel()
	down := errors.New("connection refused")
	store := &failingStore{err: down}
	g := &guardedArchive{store: store, breaker: resilience.New(resilience.Config{Name: "archive", Threshold: 2})}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := g.SaveTurn(ctx, archive.Turn{SessionID: "s", Index: i}); !errors.Is(err, down) {
			t.Fatalf("save %d: err = %v, want store error", i, err)
		}
	}
	if err := g.SaveTurn(ctx, archive.Turn{SessionID: "s", Index: 2}); !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if store.calls != 2 {
		t.Errorf("store calls = %d, want 2", store.calls)
	}
}

func TestGuardedArchive_PassesThrough(t *testing.T) {
	t.Parallel()
	store := &failingStore{}
	g := &guardedArchive{store: store, breaker: resilience.New(resilience.Config{Name: "archive"})}
	if err := g.SaveTurn(context.Background(), archive.Turn{SessionID: "s"}); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if store.calls != 1 {
		t.Errorf("store calls = %d, want 1", store.calls)
	}
}

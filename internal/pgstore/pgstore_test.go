package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"mentorline/internal/store"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	url := os.Getenv("MENTOR_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MENTOR_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, url)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.DeleteAllGoals(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	return s, ctx
}

func TestPostgresDeleteLastGoalCascades(t *testing.T) {
	s, ctx := newTestStore(t)
	keep, err := s.InsertGoal(ctx, "keep", "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertTask(ctx, keep, "a"); err != nil {
		t.Fatal(err)
	}
	drop, _ := s.InsertGoal(ctx, "drop", "2024-01-01T00:00:00Z")
	if _, err := s.InsertTask(ctx, drop, "b"); err != nil {
		t.Fatal(err)
	}
	g, err := s.DeleteLastGoal(ctx)
	if err != nil || g.ID != drop {
		t.Fatalf("DeleteLastGoal() = %+v, %v", g, err)
	}
	pending, err := s.PendingTasks(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Text != "a" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestPostgresAtomicRollback(t *testing.T) {
	s, ctx := newTestStore(t)
	boom := errors.New("boom")
	err := s.Atomic(ctx, func(q store.Queries) error {
		if _, err := q.InsertGoal(ctx, "temp", "2024-01-01T00:00:00Z"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	goals, _ := s.ListGoals(ctx)
	if len(goals) != 0 {
		t.Fatalf("goals = %+v", goals)
	}
}

func TestPostgresClaimDigest(t *testing.T) {
	s, ctx := newTestStore(t)
	recipient := "pg-test-" + uuid.NewString()
	first, err := s.ClaimDigest(ctx, recipient, "1999-01-01")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.ClaimDigest(ctx, recipient, "1999-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if !first || second {
		t.Fatalf("claims = %v, %v; want true then false", first, second)
	}
}

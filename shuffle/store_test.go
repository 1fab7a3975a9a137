package shuffle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/petal-labs/rownumber/core"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newSQLiteStore(t *testing.T, runID string) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteStoreConfig{DSN: testDSN(t), RunID: runID})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// storeFactories runs every contract test against each implementation.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"mem": func(t *testing.T) Store {
			return NewMemStore()
		},
		"sqlite": func(t *testing.T) Store {
			return newSQLiteStore(t, "run-1")
		},
	}
}

func data(p int, payload string) core.Token {
	return core.NewDataToken(p, []byte(payload))
}

func describe(group []core.Token) []string {
	out := make([]string, len(group))
	for i, tok := range group {
		if tok.IsCount() {
			out[i] = fmt.Sprintf("c%d", tok.Count)
		} else {
			out[i] = string(tok.Payload)
		}
	}
	return out
}

func assertGroup(t *testing.T, got []core.Token, want ...string) {
	t.Helper()
	desc := describe(got)
	if len(desc) != len(want) {
		t.Fatalf("group = %v, want %v", desc, want)
	}
	for i := range want {
		if desc[i] != want[i] {
			t.Fatalf("group = %v, want %v", desc, want)
		}
	}
}

func TestStore_GroupOrdersCountsFirst(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			// Counting phase output: data tokens first, counts appended at finalize.
			shardB := []core.Token{data(1, "b1"), data(0, "b0"), data(1, "b2"), core.NewCountToken(1, 1)}
			shardA := []core.Token{data(1, "a1"), data(0, "a0"), core.NewCountToken(1, 2)}

			// Commit out of shard order to prove the group is ordered by shard id.
			if err := s.CommitShard(ctx, 1, shardB); err != nil {
				t.Fatalf("CommitShard(1): %v", err)
			}
			if err := s.CommitShard(ctx, 0, shardA); err != nil {
				t.Fatalf("CommitShard(0): %v", err)
			}

			g1, err := s.Group(ctx, 1)
			if err != nil {
				t.Fatalf("Group(1): %v", err)
			}
			assertGroup(t, g1, "c2", "c1", "a1", "b1", "b2")

			g0, err := s.Group(ctx, 0)
			if err != nil {
				t.Fatalf("Group(0): %v", err)
			}
			assertGroup(t, g0, "a0", "b0")
			for _, tok := range g1 {
				if tok.Partition != 1 {
					t.Errorf("token %v has partition %d, want 1", tok, tok.Partition)
				}
			}
		})
	}
}

func TestStore_EmptyPartition(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			g, err := s.Group(context.Background(), 3)
			if err != nil {
				t.Fatalf("Group: %v", err)
			}
			if len(g) != 0 {
				t.Errorf("got %d tokens, want 0", len(g))
			}
		})
	}
}

func TestStore_CommitReplacesShard(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			if err := s.CommitShard(ctx, 0, []core.Token{data(0, "stale"), data(0, "stale2")}); err != nil {
				t.Fatal(err)
			}
			if err := s.CommitShard(ctx, 0, []core.Token{data(0, "fresh")}); err != nil {
				t.Fatal(err)
			}
			g, err := s.Group(ctx, 0)
			if err != nil {
				t.Fatal(err)
			}
			assertGroup(t, g, "fresh")
		})
	}
}

func TestStore_DiscardShard(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			if err := s.CommitShard(ctx, 0, []core.Token{data(0, "keep")}); err != nil {
				t.Fatal(err)
			}
			if err := s.CommitShard(ctx, 1, []core.Token{data(0, "drop")}); err != nil {
				t.Fatal(err)
			}
			if err := s.DiscardShard(ctx, 1); err != nil {
				t.Fatalf("DiscardShard: %v", err)
			}
			g, err := s.Group(ctx, 0)
			if err != nil {
				t.Fatal(err)
			}
			assertGroup(t, g, "keep")
		})
	}
}

func TestMemStore_UseAfterClose(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	if err := s.CommitShard(ctx, 0, []core.Token{data(0, "a")}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := s.Group(ctx, 0); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Group after Close error = %v, want ErrStoreClosed", err)
	}
	if err := s.CommitShard(ctx, 1, nil); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("CommitShard after Close error = %v, want ErrStoreClosed", err)
	}
	if err := s.DiscardShard(ctx, 0); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("DiscardShard after Close error = %v, want ErrStoreClosed", err)
	}
}

func TestStore_ConcurrentCommits(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			const shards = 8
			var wg sync.WaitGroup
			errs := make(chan error, shards)
			for i := 0; i < shards; i++ {
				wg.Add(1)
				go func(shard int) {
					defer wg.Done()
					tokens := []core.Token{data(0, fmt.Sprintf("s%d", shard))}
					errs <- s.CommitShard(ctx, shard, tokens)
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("CommitShard: %v", err)
				}
			}

			g, err := s.Group(ctx, 0)
			if err != nil {
				t.Fatal(err)
			}
			want := make([]string, shards)
			for i := range want {
				want[i] = fmt.Sprintf("s%d", i)
			}
			assertGroup(t, g, want...)
		})
	}
}

func TestSQLiteStore_RunIsolation(t *testing.T) {
	ctx := context.Background()
	dsn := testDSN(t)

	s1, err := NewSQLiteStore(SQLiteStoreConfig{DSN: dsn, RunID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()
	s2, err := NewSQLiteStore(SQLiteStoreConfig{DSN: dsn, RunID: "run-2"})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if err := s1.CommitShard(ctx, 0, []core.Token{data(0, "one")}); err != nil {
		t.Fatal(err)
	}
	if err := s2.CommitShard(ctx, 0, []core.Token{data(0, "two"), data(0, "three")}); err != nil {
		t.Fatal(err)
	}

	g, err := s1.Group(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	assertGroup(t, g, "one")

	n, err := s2.Tokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Tokens() = %d, want 2", n)
	}
}

func TestSQLiteStore_RequiresRunID(t *testing.T) {
	if _, err := NewSQLiteStore(SQLiteStoreConfig{DSN: testDSN(t)}); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestOrderTokens_Stable(t *testing.T) {
	tokens := []core.Token{data(0, "x"), core.NewCountToken(0, 9), data(0, "y"), core.NewCountToken(0, 4)}
	OrderTokens(tokens)
	assertGroup(t, tokens, "c9", "c4", "x", "y")
}

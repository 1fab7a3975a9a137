package shuffle

import (
	"context"
	"sync"

	"github.com/petal-labs/rownumber/core"
)

// MemStore is a thread-safe in-memory Store. Close drops every token;
// later calls return ErrStoreClosed.
type MemStore struct {
	mu     sync.RWMutex
	shards map[int][]core.Token // shard -> tokens in emission order
	closed bool
}

// NewMemStore creates a new in-memory shuffle store.
func NewMemStore() *MemStore {
	return &MemStore{
		shards: make(map[int][]core.Token),
	}
}

func (s *MemStore) CommitShard(_ context.Context, shard int, tokens []core.Token) error {
	cp := make([]core.Token, len(tokens))
	copy(cp, tokens)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.shards[shard] = cp
	return nil
}

func (s *MemStore) DiscardShard(_ context.Context, shard int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.shards, shard)
	return nil
}

func (s *MemStore) Group(_ context.Context, partition int) ([]core.Token, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	var entries []Entry
	for shard, tokens := range s.shards {
		for seq, tok := range tokens {
			if tok.Partition == partition {
				entries = append(entries, Entry{Shard: shard, Seq: seq, Token: tok})
			}
		}
	}
	s.mu.RUnlock()

	Order(entries)
	group := make([]core.Token, len(entries))
	for i, e := range entries {
		group[i] = e.Token
	}
	return group, nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.shards = nil
	return nil
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

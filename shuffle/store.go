// Package shuffle implements the host side of the merge contract between the
// counting and numbering phases.
//
// A Store collects the tokens each shard produced and hands every partition
// its tokens as one ordered group: all count tokens first, then data tokens
// in shard order and, within a shard, in emission order.
package shuffle

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/petal-labs/rownumber/core"
)

// ErrStoreClosed is returned by a Store used after Close.
var ErrStoreClosed = errors.New("shuffle: store is closed")

// Store redistributes tokens by partition.
type Store interface {
	// CommitShard atomically stores a shard's tokens, replacing anything the
	// same shard committed before. Tokens keep the order given.
	CommitShard(ctx context.Context, shard int, tokens []core.Token) error

	// DiscardShard removes every token committed by shard.
	DiscardShard(ctx context.Context, shard int) error

	// Group returns the ordered tokens addressed to partition.
	// An empty partition yields an empty group and no error.
	Group(ctx context.Context, partition int) ([]core.Token, error)

	// Close releases resources held by the store.
	Close() error
}

// Entry is a token with its origin, used to order a partition's group.
type Entry struct {
	Shard int
	Seq   int
	Token core.Token
}

// Order sorts entries by marker, then shard, then intra-shard sequence.
func Order(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		if c := core.CompareTokens(a.Token, b.Token); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Shard, b.Shard); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}

// OrderTokens stable-sorts tokens by marker only, preserving arrival order
// within count tokens and within data tokens.
func OrderTokens(tokens []core.Token) {
	slices.SortStableFunc(tokens, core.CompareTokens)
}

// Package counter implements the counting phase of a row numbering job.
//
// A LocalCounter owns one input shard. It converts each record into a routed
// data token while privately counting records per partition, and on shard
// completion emits prefix-sum count tokens describing how many of the shard's
// records precede each partition boundary. No state is shared between
// counters, so any number of them can run in parallel without locking.
package counter

import (
	"fmt"

	"github.com/petal-labs/rownumber/core"
	"github.com/petal-labs/rownumber/partition"
)

// LocalCounter numbers nothing itself; it only counts. It is not safe for
// concurrent use: one counter belongs to exactly one shard.
type LocalCounter struct {
	partitions  int
	partitioner partition.Partitioner
	counts      []int64
	finalized   bool
	err         error
}

// New creates a LocalCounter for a job with the given partition count.
// It fails with core.ErrConfiguration if partitions < 1 or p is nil.
func New(partitions int, p partition.Partitioner) (*LocalCounter, error) {
	cfg, err := core.NewConfig(partitions)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: partitioner is nil", core.ErrConfiguration)
	}
	return &LocalCounter{
		partitions:  cfg.Partitions,
		partitioner: p,
		counts:      make([]int64, cfg.Partitions),
	}, nil
}

// Process routes record to its partition and returns the data token
// addressed to it. A partition function result outside [0, K) aborts the
// counter: the error is returned now and from every later call.
func (c *LocalCounter) Process(record []byte) (core.Token, error) {
	if c.err != nil {
		return core.Token{}, c.err
	}
	if c.finalized {
		return core.Token{}, core.ErrShardFinalized
	}

	p, err := partition.Check(c.partitioner, record, c.partitions)
	if err != nil {
		c.err = err
		return core.Token{}, err
	}

	c.counts[p]++
	return core.NewDataToken(p, record), nil
}

// Finalize returns the boundary count tokens for this shard. It scans
// partitions 0..K-2 keeping a running prefix sum, and emits
// CountToken(c+1, prefix) whenever the shard's records in partitions [0, c]
// are nonzero. No token targets partition 0, and no token carries the
// shard's grand total.
//
// Finalize may be called once. It returns nil for a shard with no records.
func (c *LocalCounter) Finalize() ([]core.Token, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.finalized {
		return nil, core.ErrShardFinalized
	}
	c.finalized = true

	// Scan a copy so Counts keeps reporting per-partition values.
	prefix := c.Counts()
	var tokens []core.Token
	for p := 0; p < c.partitions-1; p++ {
		if prefix[p] > 0 {
			tokens = append(tokens, core.NewCountToken(p+1, prefix[p]))
		}
		prefix[p+1] += prefix[p]
	}
	return tokens, nil
}

// Counts returns a copy of the per-partition record counts seen so far.
func (c *LocalCounter) Counts() []int64 {
	out := make([]int64, len(c.counts))
	copy(out, c.counts)
	return out
}

// Records returns the number of records processed successfully.
func (c *LocalCounter) Records() int64 {
	var n int64
	for _, v := range c.counts {
		n += v
	}
	return n
}

// Partitions returns the partition count K.
func (c *LocalCounter) Partitions() int {
	return c.partitions
}

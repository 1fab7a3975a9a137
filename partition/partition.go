// Package partition routes records to one of K output partitions.
//
// A Partitioner must be a pure function of record content: the same record
// always yields the same partition regardless of call order or goroutine.
// Count tokens never pass through a Partitioner; their target is explicit.
package partition

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/petal-labs/rownumber/core"
)

// Partitioner maps a record to a partition in [0, partitions).
type Partitioner interface {
	Partition(record []byte, partitions int) int
}

// Func adapts an ordinary function to the Partitioner interface.
type Func func(record []byte, partitions int) int

// Partition calls f(record, partitions).
func (f Func) Partition(record []byte, partitions int) int {
	return f(record, partitions)
}

// Hash partitions records by the xxhash64 digest of their content.
type Hash struct{}

// Partition returns xxhash64(record) mod partitions.
func (Hash) Partition(record []byte, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	return int(xxhash.Sum64(record) % uint64(partitions))
}

// Range partitions records by lexicographic comparison against sorted
// split points. A record r goes to the number of boundaries b with b <= r,
// so Range with n boundaries addresses exactly n+1 partitions and partition
// order matches byte order of the records.
type Range struct {
	boundaries [][]byte
}

// NewRange creates a Range partitioner. Boundaries must be strictly increasing.
func NewRange(boundaries []string) (*Range, error) {
	r := &Range{boundaries: make([][]byte, len(boundaries))}
	for i, b := range boundaries {
		r.boundaries[i] = []byte(b)
		if i > 0 && bytes.Compare(r.boundaries[i-1], r.boundaries[i]) >= 0 {
			return nil, fmt.Errorf("%w: range boundaries must be strictly increasing (%q >= %q)",
				core.ErrConfiguration, boundaries[i-1], b)
		}
	}
	return r, nil
}

// Partitions returns the number of partitions the boundaries define.
func (r *Range) Partitions() int {
	return len(r.boundaries) + 1
}

// Partition returns the index of the range containing record.
// The partitions argument is not consulted; callers are expected to size the
// job with Partitions() and Check catches any mismatch.
func (r *Range) Partition(record []byte, _ int) int {
	idx, found := slices.BinarySearchFunc(r.boundaries, record, bytes.Compare)
	if found {
		return idx + 1
	}
	return idx
}

// Check applies p to record and verifies the result is in [0, partitions).
func Check(p Partitioner, record []byte, partitions int) (int, error) {
	idx := p.Partition(record, partitions)
	if idx < 0 || idx >= partitions {
		return idx, &core.PartitionRangeError{Value: idx, Partitions: partitions}
	}
	return idx, nil
}

// Compile-time interface checks.
var (
	_ Partitioner = Hash{}
	_ Partitioner = (*Range)(nil)
	_ Partitioner = Func(nil)
)

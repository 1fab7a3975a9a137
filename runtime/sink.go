package runtime

import (
	"context"
	"slices"
	"sync"

	"github.com/petal-labs/rownumber/core"
)

// Shard is one contiguous slice of input owned by a single Local Counter.
type Shard interface {
	// Name identifies the shard in events and logs.
	Name() string

	// Records calls fn for each record in shard order. The runtime keeps the
	// slices it is given, so implementations must not reuse them. Records
	// stops at, and returns, the first error from fn.
	Records(ctx context.Context, fn func(record []byte) error) error
}

// Sink receives the numbered outputs of each partition.
type Sink interface {
	// OpenPartition returns a writer for one partition's outputs.
	OpenPartition(ctx context.Context, partition int) (PartitionWriter, error)
}

// PartitionWriter receives one partition's outputs in index order.
// Exactly one of Commit or Abort is called.
type PartitionWriter interface {
	Write(out core.Output) error
	Commit() error
	Abort() error
}

// SliceShard is an in-memory Shard.
type SliceShard struct {
	Label string
	Lines [][]byte
}

// NewSliceShard creates a SliceShard from string records.
func NewSliceShard(label string, records ...string) *SliceShard {
	lines := make([][]byte, len(records))
	for i, r := range records {
		lines[i] = []byte(r)
	}
	return &SliceShard{Label: label, Lines: lines}
}

func (s *SliceShard) Name() string {
	return s.Label
}

func (s *SliceShard) Records(ctx context.Context, fn func([]byte) error) error {
	for _, line := range s.Lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return nil
}

// CollectSink keeps committed outputs in memory, keyed by partition.
type CollectSink struct {
	mu      sync.Mutex
	outputs map[int][]core.Output
}

// NewCollectSink creates an empty CollectSink.
func NewCollectSink() *CollectSink {
	return &CollectSink{outputs: make(map[int][]core.Output)}
}

func (s *CollectSink) OpenPartition(_ context.Context, partition int) (PartitionWriter, error) {
	return &collectWriter{sink: s, partition: partition}, nil
}

// Partition returns the committed outputs of one partition.
func (s *CollectSink) Partition(partition int) []core.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outputs[partition])
}

// All returns every committed output ordered by index.
func (s *CollectSink) All() []core.Output {
	s.mu.Lock()
	var all []core.Output
	for _, outs := range s.outputs {
		all = append(all, outs...)
	}
	s.mu.Unlock()

	slices.SortFunc(all, func(a, b core.Output) int {
		switch {
		case a.Index < b.Index:
			return -1
		case a.Index > b.Index:
			return 1
		default:
			return 0
		}
	})
	return all
}

type collectWriter struct {
	sink      *CollectSink
	partition int
	pending   []core.Output
}

func (w *collectWriter) Write(out core.Output) error {
	w.pending = append(w.pending, out)
	return nil
}

func (w *collectWriter) Commit() error {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	if len(w.pending) > 0 {
		w.sink.outputs[w.partition] = w.pending
	}
	return nil
}

func (w *collectWriter) Abort() error {
	w.pending = nil
	return nil
}

// Compile-time interface checks.
var (
	_ Shard = (*SliceShard)(nil)
	_ Sink  = (*CollectSink)(nil)
)

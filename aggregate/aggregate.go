// Package aggregate implements the numbering phase of a row numbering job.
//
// One Aggregator runs per partition. It sums the count tokens that lead its
// ordered group into a base offset, then numbers the data tokens that follow
// sequentially from that offset. Because every shard reports how many of its
// records precede the partition's boundary, the sum is the global prefix sum.
package aggregate

import (
	"fmt"
	"iter"

	"github.com/petal-labs/rownumber/core"
)

// State is the position of an Aggregator in its state machine.
type State int

const (
	StateSummingCounts State = iota
	StateEmittingData
	StateDone
	StateFailed
)

// String returns the string representation of the State.
func (s State) String() string {
	switch s {
	case StateSummingCounts:
		return "summing_counts"
	case StateEmittingData:
		return "emitting_data"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Aggregator numbers the tokens of a single partition.
// It is not safe for concurrent use.
type Aggregator struct {
	partition int
	state     State
	offset    int64
	base      int64
	position  int
	emitted   int64
	err       error
}

// New creates an Aggregator for the given partition.
func New(partition int) *Aggregator {
	return &Aggregator{partition: partition}
}

// Feed consumes the next token of the partition's ordered group. It returns
// an Output and true for data tokens, and false for count tokens.
//
// A count token arriving after the first data token is an ordering contract
// violation: Feed returns an *core.OrderViolationError and the Aggregator
// stays failed. Tokens addressed to another partition and count tokens with
// a count below 1 are rejected the same way.
func (a *Aggregator) Feed(tok core.Token) (core.Output, bool, error) {
	if a.err != nil {
		return core.Output{}, false, a.err
	}
	if a.state == StateDone {
		return core.Output{}, false, fmt.Errorf("aggregate: partition %d: feed after close", a.partition)
	}

	pos := a.position
	a.position++

	if tok.Partition != a.partition {
		return a.fail(fmt.Errorf("%w: token for partition %d at position %d reached partition %d",
			core.ErrMisrouted, tok.Partition, pos, a.partition))
	}

	switch tok.Marker {
	case core.MarkerCount:
		if a.state == StateEmittingData {
			return a.fail(&core.OrderViolationError{Partition: a.partition, Position: pos})
		}
		if tok.Count < 1 {
			return a.fail(fmt.Errorf("%w: partition %d: count token at position %d has count %d",
				core.ErrInvalidToken, a.partition, pos, tok.Count))
		}
		a.offset += tok.Count
		return core.Output{}, false, nil

	case core.MarkerData:
		if a.state == StateSummingCounts {
			a.state = StateEmittingData
			a.base = a.offset
		}
		out := core.Output{
			Partition: a.partition,
			Index:     a.offset,
			Payload:   tok.Payload,
		}
		a.offset++
		a.emitted++
		return out, true, nil

	default:
		return a.fail(fmt.Errorf("%w: partition %d: unknown marker %v at position %d",
			core.ErrInvalidToken, a.partition, tok.Marker, pos))
	}
}

func (a *Aggregator) fail(err error) (core.Output, bool, error) {
	a.state = StateFailed
	a.err = err
	return core.Output{}, false, err
}

// Close marks the stream as exhausted. It returns the error that failed the
// Aggregator, if any.
func (a *Aggregator) Close() error {
	if a.err != nil {
		return a.err
	}
	a.state = StateDone
	return nil
}

// State returns the current state.
func (a *Aggregator) State() State {
	return a.state
}

// Base returns the offset of the first emitted index, or the summed counts
// when no data token has been seen yet.
func (a *Aggregator) Base() int64 {
	if a.emitted == 0 {
		return a.offset
	}
	return a.base
}

// Emitted returns the number of outputs produced so far.
func (a *Aggregator) Emitted() int64 {
	return a.emitted
}

// Partition returns the partition index this Aggregator numbers.
func (a *Aggregator) Partition() int {
	return a.partition
}

// ConsumeGroup numbers one partition's ordered token group and returns its
// outputs. The group must satisfy the merge contract: every count token
// before every data token. An empty group yields no outputs and no error.
// On error no outputs are returned; a partial numbering is never surfaced.
func ConsumeGroup(partition int, tokens iter.Seq[core.Token]) ([]core.Output, error) {
	var outputs []core.Output
	err := Stream(partition, tokens, func(out core.Output) error {
		outputs = append(outputs, out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// Stream is like ConsumeGroup but passes each output to emit as soon as it
// is numbered. An error from emit stops the stream and is returned.
func Stream(partition int, tokens iter.Seq[core.Token], emit func(core.Output) error) error {
	a := New(partition)
	for tok := range tokens {
		out, ok, err := a.Feed(tok)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := emit(out); err != nil {
			return err
		}
	}
	return a.Close()
}

package core

import (
	"errors"
	"fmt"
)

// Job errors
var (
	ErrConfiguration  = errors.New("invalid configuration")
	ErrPartitionRange = errors.New("partition out of range")
	ErrOrderViolation = errors.New("count token after data token")
	ErrShardFinalized = errors.New("shard already finalized")
	ErrMisrouted      = errors.New("token delivered to wrong partition")
	ErrInvalidToken   = errors.New("invalid token")
)

// PartitionRangeError is returned when a partition function yields a value
// outside [0, Partitions). It signals a defective partition function.
type PartitionRangeError struct {
	Value      int
	Partitions int
}

// Error implements the error interface for PartitionRangeError.
func (e *PartitionRangeError) Error() string {
	return fmt.Sprintf("partition %d out of range [0, %d)", e.Value, e.Partitions)
}

// Unwrap allows errors.Is(err, ErrPartitionRange).
func (e *PartitionRangeError) Unwrap() error {
	return ErrPartitionRange
}

// OrderViolationError is returned by an Aggregator that observes a count
// token after it started emitting data. Any offset computed for the
// partition is unrecoverably wrong once this happens.
type OrderViolationError struct {
	Partition int
	Position  int // zero-based position of the offending token in the group
}

// Error implements the error interface for OrderViolationError.
func (e *OrderViolationError) Error() string {
	return fmt.Sprintf("partition %d: count token at position %d follows data tokens", e.Partition, e.Position)
}

// Unwrap allows errors.Is(err, ErrOrderViolation).
func (e *OrderViolationError) Unwrap() error {
	return ErrOrderViolation
}

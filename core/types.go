// Package core provides the foundational types shared by the counting and
// aggregation phases of a row numbering job.
//
// This package contains:
//   - Token: the tagged unit flowing from Local Counters to Aggregators
//   - Marker: the sort key that places count tokens before data tokens
//   - Output: a final (index, payload) pair
//   - Config: the validated partition count
package core

import (
	"fmt"
	"strconv"
)

// Marker tags a token as a count token or a data token.
// Markers are compared as bytes: every count marker sorts strictly before
// every data marker, independent of payload content.
type Marker byte

const (
	MarkerCount Marker = 'T'
	MarkerData  Marker = 'W'
)

// String returns the string representation of the Marker.
func (m Marker) String() string {
	switch m {
	case MarkerCount:
		return "count"
	case MarkerData:
		return "data"
	default:
		return "marker(" + strconv.Itoa(int(m)) + ")"
	}
}

// Token is either a count token or a data token.
//
// Partition is the token's address. For a count token it is the explicit
// target partition chosen by its producer; for a data token it is the result
// of the partition function applied to the payload.
type Token struct {
	Marker    Marker
	Partition int
	Count     int64  // count tokens only
	Payload   []byte // data tokens only
}

// NewCountToken creates a count token addressed to target.
func NewCountToken(target int, count int64) Token {
	return Token{
		Marker:    MarkerCount,
		Partition: target,
		Count:     count,
	}
}

// NewDataToken creates a data token carrying payload, addressed to partition.
func NewDataToken(partition int, payload []byte) Token {
	return Token{
		Marker:    MarkerData,
		Partition: partition,
		Payload:   payload,
	}
}

// IsCount reports whether t is a count token.
func (t Token) IsCount() bool {
	return t.Marker == MarkerCount
}

// IsData reports whether t is a data token.
func (t Token) IsData() bool {
	return t.Marker == MarkerData
}

// String returns a short human-readable form used in logs and test failures.
func (t Token) String() string {
	if t.IsCount() {
		return fmt.Sprintf("count(p=%d, n=%d)", t.Partition, t.Count)
	}
	return fmt.Sprintf("data(p=%d, %q)", t.Partition, t.Payload)
}

// CompareTokens orders tokens by marker only. It returns a negative number
// when a sorts before b, zero when they share a marker and a positive number
// otherwise. Combined with a stable sort it keeps arrival order within a marker.
func CompareTokens(a, b Token) int {
	return int(a.Marker) - int(b.Marker)
}

// Output is a numbered record produced by an Aggregator.
type Output struct {
	Partition int
	Index     int64
	Payload   []byte
}

// Line renders the output as "index<TAB>payload" without a trailing newline.
func (o Output) Line() string {
	return strconv.FormatInt(o.Index, 10) + "\t" + string(o.Payload)
}

// Config holds the validated partition count K shared by every component of a job.
type Config struct {
	Partitions int
}

// NewConfig validates the partition count and returns a Config.
// It fails with ErrConfiguration if partitions < 1.
func NewConfig(partitions int) (Config, error) {
	if partitions < 1 {
		return Config{}, fmt.Errorf("%w: partition count must be at least 1, got %d", ErrConfiguration, partitions)
	}
	return Config{Partitions: partitions}, nil
}

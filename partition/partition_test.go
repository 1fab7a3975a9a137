package partition

import (
	"errors"
	"fmt"
	"testing"

	"github.com/petal-labs/rownumber/core"
)

func TestHash_DeterministicAndInRange(t *testing.T) {
	var h Hash
	for k := 1; k <= 16; k++ {
		for i := 0; i < 200; i++ {
			rec := []byte(fmt.Sprintf("record-%d", i))
			first := h.Partition(rec, k)
			if first < 0 || first >= k {
				t.Fatalf("Partition(%q, %d) = %d, out of range", rec, k, first)
			}
			if again := h.Partition(rec, k); again != first {
				t.Fatalf("Partition(%q, %d) not deterministic: %d then %d", rec, k, first, again)
			}
		}
	}
}

func TestHash_SinglePartition(t *testing.T) {
	if got := (Hash{}).Partition([]byte("anything"), 1); got != 0 {
		t.Errorf("Partition with K=1 = %d, want 0", got)
	}
}

func TestHash_Spreads(t *testing.T) {
	const k = 4
	seen := make(map[int]int)
	for i := 0; i < 1000; i++ {
		seen[(Hash{}).Partition([]byte(fmt.Sprintf("line %d", i)), k)]++
	}
	for p := 0; p < k; p++ {
		if seen[p] == 0 {
			t.Errorf("partition %d received no records out of 1000", p)
		}
	}
}

func TestRange_Partition(t *testing.T) {
	r, err := NewRange([]string{"g", "n", "t"})
	if err != nil {
		t.Fatalf("NewRange: %v", err)
	}
	if r.Partitions() != 4 {
		t.Fatalf("Partitions() = %d, want 4", r.Partitions())
	}

	tests := []struct {
		record string
		want   int
	}{
		{"", 0},
		{"apple", 0},
		{"g", 1},
		{"grape", 1},
		{"n", 2},
		{"orange", 2},
		{"t", 3},
		{"zucchini", 3},
	}
	for _, tt := range tests {
		if got := r.Partition([]byte(tt.record), 4); got != tt.want {
			t.Errorf("Partition(%q) = %d, want %d", tt.record, got, tt.want)
		}
	}
}

func TestNewRange_RejectsUnsortedBoundaries(t *testing.T) {
	for _, bounds := range [][]string{{"b", "a"}, {"a", "a"}} {
		if _, err := NewRange(bounds); !errors.Is(err, core.ErrConfiguration) {
			t.Errorf("NewRange(%v) error = %v, want ErrConfiguration", bounds, err)
		}
	}
}

func TestCheck(t *testing.T) {
	bad := Func(func([]byte, int) int { return 5 })
	_, err := Check(bad, []byte("x"), 3)
	var rangeErr *core.PartitionRangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("Check error = %v, want *PartitionRangeError", err)
	}
	if rangeErr.Value != 5 || rangeErr.Partitions != 3 {
		t.Errorf("got %+v", rangeErr)
	}

	negative := Func(func([]byte, int) int { return -1 })
	if _, err := Check(negative, []byte("x"), 3); !errors.Is(err, core.ErrPartitionRange) {
		t.Errorf("negative partition error = %v, want ErrPartitionRange", err)
	}

	idx, err := Check(Hash{}, []byte("x"), 3)
	if err != nil || idx < 0 || idx >= 3 {
		t.Errorf("Check(Hash) = %d, %v", idx, err)
	}
}

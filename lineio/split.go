// Package lineio reads line-oriented input as byte-range shards and writes
// numbered partitions as text files.
package lineio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/petal-labs/rownumber/runtime"
)

// zstdSuffix marks compressed inputs and outputs.
const zstdSuffix = ".zst"

// FileShard is a byte range of one input file. A line belongs to the shard
// that contains its first byte, so adjacent shards of a file never share
// or drop a line.
type FileShard struct {
	Path  string
	Start int64
	// End is exclusive. A negative End reads to the end of the file.
	End int64
}

// Name returns "path:start+length", or just the path for whole-file shards.
func (s *FileShard) Name() string {
	if s.End < 0 {
		return s.Path
	}
	return fmt.Sprintf("%s:%d+%d", s.Path, s.Start, s.End-s.Start)
}

// Records calls fn with each line of the shard, without its line terminator.
// Zstandard inputs are decompressed and always read whole.
func (s *FileShard) Records(ctx context.Context, fn func([]byte) error) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("lineio: open %s: %w", s.Path, err)
	}
	defer f.Close()

	if strings.HasSuffix(s.Path, zstdSuffix) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("lineio: zstd reader %s: %w", s.Path, err)
		}
		defer dec.Close()
		return readLines(ctx, bufio.NewReader(dec), 0, -1, fn)
	}

	pos := s.Start
	if s.Start > 0 {
		// Skip the tail of a line owned by the previous shard. Starting one
		// byte early keeps a line that begins exactly at Start.
		if _, err := f.Seek(s.Start-1, io.SeekStart); err != nil {
			return fmt.Errorf("lineio: seek %s: %w", s.Path, err)
		}
		r := bufio.NewReader(f)
		skipped, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lineio: read %s: %w", s.Path, err)
		}
		pos = s.Start - 1 + int64(len(skipped))
		return readLines(ctx, r, pos, s.End, fn)
	}
	return readLines(ctx, bufio.NewReader(f), pos, s.End, fn)
}

// readLines reads lines starting at offset pos until a line would start at
// or after end. A negative end reads to EOF.
func readLines(ctx context.Context, r *bufio.Reader, pos, end int64, fn func([]byte) error) error {
	for end < 0 || pos < end {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			pos += int64(len(line))
			if cbErr := fn(trimEOL(line)); cbErr != nil {
				return cbErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lineio: read: %w", err)
		}
	}
	return nil
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// Split cuts each input into shards of at most splitSize bytes, in input
// order then offset order. A splitSize <= 0, or a compressed input, yields
// one shard per file.
func Split(paths []string, splitSize int64) ([]runtime.Shard, error) {
	var shards []runtime.Shard
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("lineio: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("lineio: %s is a directory", path)
		}

		size := info.Size()
		if splitSize <= 0 || size <= splitSize || strings.HasSuffix(path, zstdSuffix) {
			shards = append(shards, &FileShard{Path: path, End: -1})
			continue
		}
		for start := int64(0); start < size; start += splitSize {
			shards = append(shards, &FileShard{
				Path:  path,
				Start: start,
				End:   min(start+splitSize, size),
			})
		}
	}
	return shards, nil
}

// Compile-time interface check.
var _ runtime.Shard = (*FileShard)(nil)

package lineio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/petal-labs/rownumber/core"
	"github.com/petal-labs/rownumber/runtime"
)

// DirSinkOptions configures a DirSink.
type DirSinkOptions struct {
	// Compress writes zstd-compressed partition files with a .zst suffix.
	Compress bool
}

// DirSink writes each partition to dir/part-r-NNNNN as index<TAB>payload
// lines. A partition file appears only once its writer commits.
type DirSink struct {
	dir  string
	opts DirSinkOptions
}

// NewDirSink prepares dir for output. An existing dir is removed first.
func NewDirSink(dir string, opts DirSinkOptions) (*DirSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: output directory is required", core.ErrConfiguration)
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("lineio: remove %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lineio: create %s: %w", dir, err)
	}
	return &DirSink{dir: dir, opts: opts}, nil
}

// PartitionFile returns the file name used for a partition.
func (s *DirSink) PartitionFile(partition int) string {
	name := fmt.Sprintf("part-r-%05d", partition)
	if s.opts.Compress {
		name += zstdSuffix
	}
	return filepath.Join(s.dir, name)
}

func (s *DirSink) OpenPartition(_ context.Context, partition int) (runtime.PartitionWriter, error) {
	final := s.PartitionFile(partition)
	f, err := os.CreateTemp(s.dir, "."+filepath.Base(final)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("lineio: create partition %d: %w", partition, err)
	}

	w := &fileWriter{file: f, final: final}
	var dst io.Writer = f
	if s.opts.Compress {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return nil, fmt.Errorf("lineio: zstd writer: %w", err)
		}
		w.enc = enc
		dst = enc
	}
	w.buf = bufio.NewWriter(dst)
	return w, nil
}

type fileWriter struct {
	file  *os.File
	enc   *zstd.Encoder
	buf   *bufio.Writer
	final string
}

func (w *fileWriter) Write(out core.Output) error {
	if _, err := w.buf.WriteString(out.Line()); err != nil {
		return fmt.Errorf("lineio: write %s: %w", w.final, err)
	}
	return w.buf.WriteByte('\n')
}

func (w *fileWriter) Commit() error {
	err := w.buf.Flush()
	if w.enc != nil {
		err = errors.Join(err, w.enc.Close())
	}
	err = errors.Join(err, w.file.Close())
	if err != nil {
		_ = os.Remove(w.file.Name())
		return fmt.Errorf("lineio: commit %s: %w", w.final, err)
	}
	if err := os.Rename(w.file.Name(), w.final); err != nil {
		_ = os.Remove(w.file.Name())
		return fmt.Errorf("lineio: commit %s: %w", w.final, err)
	}
	return nil
}

func (w *fileWriter) Abort() error {
	if w.enc != nil {
		_ = w.enc.Close()
	}
	_ = w.file.Close()
	if err := os.Remove(w.file.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lineio: abort %s: %w", w.final, err)
	}
	return nil
}

// Compile-time interface check.
var _ runtime.Sink = (*DirSink)(nil)

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/rownumber/aggregate"
	"github.com/petal-labs/rownumber/core"
	"github.com/petal-labs/rownumber/counter"
	"github.com/petal-labs/rownumber/partition"
	"github.com/petal-labs/rownumber/shuffle"
)

// Runtime errors
var (
	ErrRunCanceled = errors.New("run was canceled")
	ErrShardFailed = errors.New("shard failed")
	ErrIndexGap    = errors.New("partition ranges are not contiguous")
)

// newDefaultStore creates the store used when RunOptions.Store is nil.
// Run owns it and closes it before returning.
var newDefaultStore = func() shuffle.Store { return shuffle.NewMemStore() }

// RunOptions controls job execution.
type RunOptions struct {
	// Partitions is the partition count K (required, >= 1).
	Partitions int

	// Partitioner routes records to partitions (default: partition.Hash).
	Partitioner partition.Partitioner

	// Concurrency sets the worker pool size for both phases (default: 1).
	Concurrency int

	// MaxShardAttempts bounds how often a failing shard is replayed from the
	// start (default: 1, no replay). Partition range errors are never replayed.
	MaxShardAttempts int

	// Store redistributes tokens between the phases (default: a shuffle.MemStore
	// owned and closed by Run). A caller-provided store is left open.
	Store shuffle.Store

	// Sink receives numbered outputs (required).
	Sink Sink

	// RunID identifies the run (default: a random UUID).
	RunID string

	// ProgressEvery emits a shard.progress event every N records (0 disables).
	ProgressEvery int64

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time

	// EventHandler receives events during execution.
	EventHandler EventHandler

	// EventEmitterDecorator wraps the internal event emitter.
	EventEmitterDecorator EventEmitterDecorator

	// EventBus distributes events to subscribers.
	EventBus EventPublisher

	// Logger receives debug logs (default: slog.Default()).
	Logger *slog.Logger
}

// PartitionSummary describes the index range one partition received.
type PartitionSummary struct {
	Partition int
	Base      int64 // first index; meaningful only when Count > 0
	Count     int64
}

// Result is the outcome of a successful run.
type Result struct {
	RunID      string
	Shards     int
	Records    int64
	Partitions []PartitionSummary
}

// Run numbers every record of shards with dense, gapless indices 0..N-1.
//
// The counting phase runs one Local Counter per shard on the worker pool and
// commits each shard's tokens to the store. Once every shard has committed
// (the barrier), one Aggregator per partition numbers its ordered group and
// streams outputs to the sink.
func Run(ctx context.Context, shards []Shard, opts RunOptions) (*Result, error) {
	cfg, err := core.NewConfig(opts.Partitions)
	if err != nil {
		return nil, err
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("%w: sink is required", core.ErrConfiguration)
	}
	if opts.Partitioner == nil {
		opts.Partitioner = partition.Hash{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxShardAttempts <= 0 {
		opts.MaxShardAttempts = 1
	}
	if opts.Store == nil {
		store := newDefaultStore()
		defer func() {
			_ = store.Close()
		}()
		opts.Store = store
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	j := &job{
		cfg:    cfg,
		opts:   opts,
		shards: shards,
		emit:   newEmitter(opts),
	}
	return j.run(ctx)
}

func newEmitter(opts RunOptions) EventEmitter {
	var (
		mu  sync.Mutex
		seq eventSeq
	)
	// Delivery happens under the lock so subscribers see Seq in order.
	emit := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		e.Seq = seq.next()
		if opts.EventBus != nil {
			opts.EventBus.Publish(e)
		}
		if opts.EventHandler != nil {
			opts.EventHandler(e)
		}
	}
	if opts.EventEmitterDecorator != nil {
		emit = opts.EventEmitterDecorator(emit)
	}
	return emit
}

type job struct {
	cfg    core.Config
	opts   RunOptions
	shards []Shard
	emit   EventEmitter
}

func (j *job) event(kind EventKind) Event {
	e := NewEvent(kind, j.opts.RunID)
	e.Time = j.opts.Now()
	return e
}

func (j *job) run(ctx context.Context) (*Result, error) {
	runStart := j.opts.Now()
	j.emit(j.event(EventRunStarted).
		WithPayload("shards", len(j.shards)).
		WithPayload("partitions", j.cfg.Partitions))

	result, err := j.execute(ctx)

	finish := j.event(EventRunFinished).WithElapsed(j.opts.Now().Sub(runStart))
	if err != nil {
		finish = finish.
			WithPayload("status", "failed").
			WithPayload("error", err.Error())
	} else {
		finish = finish.
			WithPayload("status", "completed").
			WithPayload("records", result.Records)
	}
	j.emit(finish)

	return result, err
}

func (j *job) execute(ctx context.Context) (*Result, error) {
	records := make([]int64, len(j.shards))
	err := forEach(ctx, len(j.shards), j.opts.Concurrency, func(ctx context.Context, i int) error {
		n, err := j.countShard(ctx, i)
		records[i] = n
		return err
	})
	if err != nil {
		return nil, j.phaseError(ctx, err)
	}

	var total int64
	for _, n := range records {
		total += n
	}
	// Barrier: every shard has committed; numbering may begin.
	j.emit(j.event(EventBarrierReached).
		WithPayload("records", total).
		WithPayload("shards", len(j.shards)))
	j.opts.Logger.Debug("counting phase complete",
		"run_id", j.opts.RunID,
		"shards", len(j.shards),
		"records", total,
	)

	summaries := make([]PartitionSummary, j.cfg.Partitions)
	err = forEach(ctx, j.cfg.Partitions, j.opts.Concurrency, func(ctx context.Context, p int) error {
		summary, err := j.numberPartition(ctx, p)
		summaries[p] = summary
		return err
	})
	if err != nil {
		return nil, j.phaseError(ctx, err)
	}

	if err := verifySummaries(summaries, total); err != nil {
		return nil, err
	}

	return &Result{
		RunID:      j.opts.RunID,
		Shards:     len(j.shards),
		Records:    total,
		Partitions: summaries,
	}, nil
}

func (j *job) phaseError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %v", ErrRunCanceled, ctx.Err())
	}
	return err
}

// countShard runs the shard, replaying it from the start after a recoverable
// failure. It returns the number of records counted by the successful attempt.
func (j *job) countShard(ctx context.Context, idx int) (int64, error) {
	shard := j.shards[idx]
	name := shard.Name()

	var lastErr error
	for attempt := 1; attempt <= j.opts.MaxShardAttempts; attempt++ {
		if attempt > 1 {
			j.emit(j.event(EventShardRetried).
				WithShard(idx, name).
				WithAttempt(attempt).
				WithPayload("error", lastErr.Error()))
		}

		start := j.opts.Now()
		j.emit(j.event(EventShardStarted).WithShard(idx, name).WithAttempt(attempt))

		n, err := j.countAttempt(ctx, idx, shard, attempt)
		if err == nil {
			j.emit(j.event(EventShardFinished).
				WithShard(idx, name).
				WithAttempt(attempt).
				WithElapsed(j.opts.Now().Sub(start)).
				WithPayload("records", n))
			return n, nil
		}

		// Tokens of a failed attempt must never reach an Aggregator.
		if discardErr := j.opts.Store.DiscardShard(context.WithoutCancel(ctx), idx); discardErr != nil {
			err = errors.Join(err, discardErr)
		}
		j.emit(j.event(EventShardFailed).
			WithShard(idx, name).
			WithAttempt(attempt).
			WithElapsed(j.opts.Now().Sub(start)).
			WithPayload("error", err.Error()))
		j.opts.Logger.Debug("shard attempt failed",
			"run_id", j.opts.RunID,
			"shard", name,
			"attempt", attempt,
			"error", err,
		)

		lastErr = err
		if errors.Is(err, core.ErrPartitionRange) || ctx.Err() != nil {
			break
		}
	}
	return 0, fmt.Errorf("%w: %s: %w", ErrShardFailed, name, lastErr)
}

func (j *job) countAttempt(ctx context.Context, idx int, shard Shard, attempt int) (int64, error) {
	c, err := counter.New(j.cfg.Partitions, j.opts.Partitioner)
	if err != nil {
		return 0, err
	}

	var tokens []core.Token
	err = shard.Records(ctx, func(record []byte) error {
		tok, err := c.Process(record)
		if err != nil {
			return err
		}
		tokens = append(tokens, tok)
		if every := j.opts.ProgressEvery; every > 0 && int64(len(tokens))%every == 0 {
			j.emit(j.event(EventShardProgress).
				WithShard(idx, shard.Name()).
				WithAttempt(attempt).
				WithPayload("records", int64(len(tokens))))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	counts, err := c.Finalize()
	if err != nil {
		return 0, err
	}
	tokens = append(tokens, counts...)

	if err := j.opts.Store.CommitShard(ctx, idx, tokens); err != nil {
		return 0, err
	}
	return c.Records(), nil
}

// numberPartition runs one Aggregator over the partition's ordered group.
// A failed partition is aborted in the sink; it is never partially committed.
func (j *job) numberPartition(ctx context.Context, p int) (PartitionSummary, error) {
	start := j.opts.Now()
	j.emit(j.event(EventPartitionStarted).WithPartition(p))

	summary, err := j.aggregatePartition(ctx, p)
	if err != nil {
		j.emit(j.event(EventPartitionFailed).
			WithPartition(p).
			WithElapsed(j.opts.Now().Sub(start)).
			WithPayload("error", err.Error()))
		return summary, fmt.Errorf("partition %d: %w", p, err)
	}

	j.emit(j.event(EventPartitionFinished).
		WithPartition(p).
		WithElapsed(j.opts.Now().Sub(start)).
		WithPayload("base", summary.Base).
		WithPayload("records", summary.Count))
	return summary, nil
}

func (j *job) aggregatePartition(ctx context.Context, p int) (PartitionSummary, error) {
	summary := PartitionSummary{Partition: p}

	group, err := j.opts.Store.Group(ctx, p)
	if err != nil {
		return summary, err
	}

	w, err := j.opts.Sink.OpenPartition(ctx, p)
	if err != nil {
		return summary, err
	}

	agg := aggregate.New(p)
	for _, tok := range group {
		if err := ctx.Err(); err != nil {
			return summary, errors.Join(err, w.Abort())
		}
		out, ok, err := agg.Feed(tok)
		if err != nil {
			return summary, errors.Join(err, w.Abort())
		}
		if !ok {
			continue
		}
		if err := w.Write(out); err != nil {
			return summary, errors.Join(err, w.Abort())
		}
	}
	if err := agg.Close(); err != nil {
		return summary, errors.Join(err, w.Abort())
	}
	if err := w.Commit(); err != nil {
		return summary, err
	}

	summary.Base = agg.Base()
	summary.Count = agg.Emitted()
	return summary, nil
}

// verifySummaries checks that nonempty partitions tile [0, total) in
// partition order.
func verifySummaries(summaries []PartitionSummary, total int64) error {
	ordered := slices.Clone(summaries)
	slices.SortFunc(ordered, func(a, b PartitionSummary) int { return a.Partition - b.Partition })

	var next int64
	for _, s := range ordered {
		if s.Count == 0 {
			continue
		}
		if s.Base != next {
			return fmt.Errorf("%w: partition %d starts at %d, want %d", ErrIndexGap, s.Partition, s.Base, next)
		}
		next += s.Count
	}
	if next != total {
		return fmt.Errorf("%w: numbered %d records, counted %d", ErrIndexGap, next, total)
	}
	return nil
}

// forEach calls fn(ctx, i) for i in [0, n) on a pool of concurrency workers.
// The first error cancels the remaining work and is returned.
func forEach(ctx context.Context, n, concurrency int, fn func(context.Context, int) error) error {
	if n == 0 {
		return ctx.Err()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workCh := make(chan int)
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	workers := min(concurrency, n)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workCh {
				if err := fn(workerCtx, i); err != nil {
					fail(err)
				}
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		select {
		case <-workerCtx.Done():
			break feed
		case workCh <- i:
		}
	}
	close(workCh)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

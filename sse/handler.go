// Package sse streams the events of a row numbering run to HTTP clients as
// Server-Sent Events. Stored history is sent first, then live events from
// the bus.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/rownumber/bus"
	"github.com/petal-labs/rownumber/runtime"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// wireEvent is the JSON body of one SSE message. Shard and partition are
// omitted when the event does not concern one.
type wireEvent struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	Seq       uint64         `json:"seq"`
	Time      time.Time      `json:"time"`
	Shard     *int           `json:"shard,omitempty"`
	ShardName string         `json:"shard_name,omitempty"`
	Attempt   int            `json:"attempt"`
	Partition *int           `json:"partition,omitempty"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

func index(v int) *int {
	if v == runtime.None {
		return nil
	}
	return &v
}

func newWireEvent(e runtime.Event) wireEvent {
	return wireEvent{
		Kind:      e.Kind.String(),
		RunID:     e.RunID,
		Seq:       e.Seq,
		Time:      e.Time,
		Shard:     index(e.Shard),
		ShardName: e.ShardName,
		Attempt:   e.Attempt,
		Partition: index(e.Partition),
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
}

// Handler serves GET /runs/{run_id}/events.
//
// The resume point is the "after" query parameter or, for reconnecting
// browsers, the Last-Event-ID header. Every message carries its Seq as the
// SSE id. A live event that skips ahead of the last sent Seq means the
// subscription overflowed; the missing range is backfilled from the store
// before the event is sent. The stream ends after run.finished.
type Handler struct {
	store bus.EventStore
	bus   bus.EventBus
}

// NewHandler creates a Handler reading history from store and live events
// from eb.
func NewHandler(store bus.EventStore, eb bus.EventBus) *Handler {
	return &Handler{store: store, bus: eb}
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /runs/{run_id}/events", h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	after, err := resumePoint(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Subscribed before the headers go out, so a client that has seen the
	// response cannot miss a live event.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &stream{
		ctx:     r.Context(),
		w:       w,
		flusher: flusher,
		store:   h.store,
		runID:   runID,
		last:    after,
	}
	if done, err := s.backfill(0); err != nil || done {
		return
	}
	s.follow(sub)
}

func resumePoint(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid resume point %q", raw)
	}
	return seq, nil
}

// stream is the state of one client connection.
type stream struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher
	store   bus.EventStore
	runID   string
	last    uint64 // highest Seq sent
}

// backfill sends stored events above s.last, stopping before seq before
// (0 means no bound). It reports whether run.finished was sent.
func (s *stream) backfill(before uint64) (bool, error) {
	events, err := s.store.List(s.ctx, s.runID, s.last, 0)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if before > 0 && e.Seq >= before {
			break
		}
		if done, err := s.send(e); err != nil || done {
			return done, err
		}
	}
	return false, nil
}

// follow relays live events until run.finished, disconnect or bus close.
func (s *stream) follow(sub bus.Subscription) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if e.Seq <= s.last {
				continue
			}
			if e.Seq > s.last+1 {
				if done, err := s.backfill(e.Seq); err != nil || done {
					return
				}
			}
			if done, err := s.send(e); err != nil || done {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
				return
			}
			s.flusher.Flush()
		}
	}
}

// send writes one message and reports whether it was run.finished.
func (s *stream) send(e runtime.Event) (bool, error) {
	if err := s.ctx.Err(); err != nil {
		return false, err
	}
	data, err := json.Marshal(newWireEvent(e))
	if err != nil {
		return false, err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data); err != nil {
		return false, err
	}
	s.flusher.Flush()
	s.last = e.Seq
	return e.Kind == runtime.EventRunFinished, nil
}

package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/rownumber/bus"
	"github.com/petal-labs/rownumber/runtime"
	"github.com/petal-labs/rownumber/sse"
)

// testEvent creates a test event with the given sequence number and kind.
func testEvent(runID string, seq uint64, kind runtime.EventKind) runtime.Event {
	e := runtime.NewEvent(kind, runID)
	e.Time = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Seq = seq
	return e
}

// sseMessage represents a parsed SSE message from the stream.
type sseMessage struct {
	ID    string
	Event string
	Data  string
}

// parseSSEMessages reads SSE messages from the response body string.
func parseSSEMessages(body string) []sseMessage {
	var msgs []sseMessage
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current sseMessage
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.ID != "" || current.Event != "" || current.Data != "" {
				msgs = append(msgs, current)
				current = sseMessage{}
			}
		case strings.HasPrefix(line, ": "):
			// Heartbeat comment.
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return msgs
}

// setupTestServer creates a test server with the SSE handler registered.
func setupTestServer(store bus.EventStore, eb bus.EventBus) *httptest.Server {
	mux := http.NewServeMux()
	sse.NewHandler(store, eb).Register(mux)
	return httptest.NewServer(mux)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestHandler_ReplayFromStore(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	runID := "run-replay"
	ctx := context.Background()
	events := []runtime.Event{
		testEvent(runID, 1, runtime.EventRunStarted),
		testEvent(runID, 2, runtime.EventShardStarted).WithShard(0, "in.txt:0+10"),
		testEvent(runID, 3, runtime.EventPartitionFinished).WithPartition(2),
		testEvent(runID, 4, runtime.EventRunFinished),
	}
	for _, e := range events {
		if err := store.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/" + runID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type text/event-stream, got %s", ct)
	}

	body := readBody(t, resp)
	msgs := parseSSEMessages(body)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %v", len(msgs), body)
	}
	if msgs[0].ID != "1" || msgs[0].Event != "run.started" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[3].ID != "4" || msgs[3].Event != "run.finished" {
		t.Errorf("last message = %+v", msgs[3])
	}

	var shard map[string]any
	if err := json.Unmarshal([]byte(msgs[1].Data), &shard); err != nil {
		t.Fatalf("failed to parse data JSON: %v", err)
	}
	if shard["shard"] != float64(0) || shard["shard_name"] != "in.txt:0+10" {
		t.Errorf("shard event data = %v", shard)
	}
	if _, ok := shard["partition"]; ok {
		t.Error("unset partition should be omitted")
	}

	var part map[string]any
	if err := json.Unmarshal([]byte(msgs[2].Data), &part); err != nil {
		t.Fatal(err)
	}
	if part["partition"] != float64(2) {
		t.Errorf("partition event data = %v", part)
	}
}

func TestHandler_LiveSubscription(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	runID := "run-live"
	ts := setupTestServer(store, eb)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/runs/"+runID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}

	// The handler subscribes before it sends headers.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	eb.Publish(testEvent(runID, 1, runtime.EventRunStarted))
	eb.Publish(testEvent(runID, 2, runtime.EventBarrierReached))
	eb.Publish(testEvent("other-run", 9, runtime.EventRunStarted))
	eb.Publish(testEvent(runID, 3, runtime.EventRunFinished))

	body := readBody(t, resp)
	msgs := parseSSEMessages(body)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d: %s", len(msgs), body)
	}
	if msgs[1].Event != "barrier.reached" || msgs[2].Event != "run.finished" {
		t.Errorf("events = %s, %s", msgs[1].Event, msgs[2].Event)
	}
}

func TestHandler_AfterCursor(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	runID := "run-cursor"
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		kind := runtime.EventShardProgress
		if i == 5 {
			kind = runtime.EventRunFinished
		}
		if err := store.Append(ctx, testEvent(runID, i, kind)); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/" + runID + "/events?after=3")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	msgs := parseSSEMessages(readBody(t, resp))
	if len(msgs) != 2 || msgs[0].ID != "4" || msgs[1].ID != "5" {
		t.Fatalf("messages = %+v, want ids 4 and 5", msgs)
	}
}

func TestHandler_ReplayThenLiveSkipsDuplicates(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	runID := "run-dedup"
	ctx := context.Background()
	for i := uint64(1); i <= 2; i++ {
		if err := store.Append(ctx, testEvent(runID, i, runtime.EventShardStarted)); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "GET", ts.URL+"/runs/"+runID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Seq 2 was already replayed.
	eb.Publish(testEvent(runID, 2, runtime.EventShardStarted))
	eb.Publish(testEvent(runID, 3, runtime.EventRunFinished))

	msgs := parseSSEMessages(readBody(t, resp))
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if want := []string{"1", "2", "3"}[i]; m.ID != want {
			t.Errorf("message %d id = %s, want %s", i, m.ID, want)
		}
	}
}

func TestHandler_InvalidAfter(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	ts := setupTestServer(bus.NewMemEventStore(), eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/run-1/events?after=abc")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandler_LastEventIDResumes(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	runID := "run-reconnect"
	ctx := context.Background()
	for i := uint64(1); i <= 4; i++ {
		kind := runtime.EventShardFinished
		if i == 4 {
			kind = runtime.EventRunFinished
		}
		if err := store.Append(ctx, testEvent(runID, i, kind)); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	req, err := http.NewRequest("GET", ts.URL+"/runs/"+runID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	msgs := parseSSEMessages(readBody(t, resp))
	if len(msgs) != 2 || msgs[0].ID != "3" || msgs[1].ID != "4" {
		t.Fatalf("messages = %+v, want ids 3 and 4", msgs)
	}
}

func TestHandler_BackfillsSkippedLiveEvents(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	runID := "run-gap"
	ts := setupTestServer(store, eb)
	defer ts.Close()

	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "GET", ts.URL+"/runs/"+runID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Seqs 1 and 2 only reach the store; the live stream jumps to 3.
	ctx := context.Background()
	for i := uint64(1); i <= 2; i++ {
		if err := store.Append(ctx, testEvent(runID, i, runtime.EventShardProgress)); err != nil {
			t.Fatal(err)
		}
	}
	eb.Publish(testEvent(runID, 3, runtime.EventRunFinished))

	msgs := parseSSEMessages(readBody(t, resp))
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(msgs), msgs)
	}
	for i, m := range msgs {
		if want := strconv.Itoa(i + 1); m.ID != want {
			t.Errorf("message %d id = %s, want %s", i, m.ID, want)
		}
	}
}

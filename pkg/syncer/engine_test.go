package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fleetops/offlineq/pkg/actions"
	"github.com/fleetops/offlineq/pkg/queue"
	"github.com/fleetops/offlineq/pkg/store"
)

// scriptedDispatcher fails every item whose id is in failing, or every item
// while failAll is set.
type scriptedDispatcher struct {
	mu      sync.Mutex
	failAll bool
	failing map[string]bool
	calls   map[string]int
	order   []string
	hook    func(item actions.QueueItem)
}

func newScripted() *scriptedDispatcher {
	return &scriptedDispatcher{failing: map[string]bool{}, calls: map[string]int{}}
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, item actions.QueueItem) error {
	if d.hook != nil {
		d.hook(item)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[item.ID]++
	d.order = append(d.order, item.ID)
	if d.failAll || d.failing[item.ID] {
		return errors.New("network unreachable")
	}
	return nil
}

func (d *scriptedDispatcher) setFailAll(v bool) {
	d.mu.Lock()
	d.failAll = v
	d.mu.Unlock()
}

func setupTestEngine(t *testing.T) (*miniredis.Miniredis, *queue.Manager, *scriptedDispatcher, *Engine) {
	t.Helper()
	s := miniredis.RunT(t)
	st, err := store.NewRedisStore(context.Background(), s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.NewManager(st, queue.WithMaxRetries(3))
	d := newScripted()
	return s, q, d, New(q, d, 3)
}

func enqueueFuel(t *testing.T, q *queue.Manager, vehicle string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), actions.FuelPurchase{VehicleID: vehicle, Quantity: 25.5, Price: 290})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func TestRunSyncEmptyQueue(t *testing.T) {
	_, _, _, e := setupTestEngine(t)

	sum, err := e.RunSync(context.Background())
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	if sum.Processed != 0 || sum.Failed != 0 || sum.Remaining != 0 {
		t.Errorf("Unexpected summary %+v", sum)
	}
}

func TestTransientFailureThenSuccess(t *testing.T) {
	_, q, d, e := setupTestEngine(t)
	ctx := context.Background()

	id := enqueueFuel(t, q, "V1")
	items, _ := q.ListAll(ctx)
	if len(items) != 1 || items[0].RetryCount != 0 {
		t.Fatalf("Unexpected queue %+v", items)
	}

	// Run 1: network error.
	d.setFailAll(true)
	sum, err := e.RunSync(ctx)
	if err != nil {
		t.Fatalf("RunSync 1 failed: %v", err)
	}
	if sum.Processed != 0 || sum.Failed != 1 || sum.Remaining != 1 {
		t.Errorf("Run 1: unexpected summary %+v", sum)
	}
	items, _ = q.ListAll(ctx)
	if len(items) != 1 || items[0].RetryCount != 1 || items[0].LastError == "" {
		t.Fatalf("Run 1: expected item with retryCount 1 and lastError, got %+v", items)
	}

	// Run 2: backend reachable.
	d.setFailAll(false)
	sum, err = e.RunSync(ctx)
	if err != nil {
		t.Fatalf("RunSync 2 failed: %v", err)
	}
	if sum.Processed != 1 || sum.Failed != 0 || sum.Remaining != 0 {
		t.Errorf("Run 2: unexpected summary %+v", sum)
	}
	if d.calls[id] != 2 {
		t.Errorf("Expected 2 dispatch attempts, got %d", d.calls[id])
	}
}

func TestAtLeastOnceAcrossRuns(t *testing.T) {
	_, q, d, e := setupTestEngine(t)
	ctx := context.Background()
	enqueueFuel(t, q, "V1")

	processed := 0
	for run := 0; run < 5; run++ {
		d.setFailAll(run < 2)
		sum, err := e.RunSync(ctx)
		if err != nil {
			t.Fatalf("RunSync %d failed: %v", run, err)
		}
		processed += sum.Processed
		if run == 2 && sum.Remaining != 0 {
			t.Errorf("Expected item removed after run 3, remaining %d", sum.Remaining)
		}
	}
	if processed != 1 {
		t.Errorf("Expected processed exactly once, got %d", processed)
	}
}

func TestRetryCeilingParksItem(t *testing.T) {
	_, q, d, e := setupTestEngine(t)
	ctx := context.Background()
	id := enqueueFuel(t, q, "V1")
	d.setFailAll(true)

	for run := 1; run <= 3; run++ {
		if _, err := e.RunSync(ctx); err != nil {
			t.Fatalf("RunSync %d failed: %v", run, err)
		}
	}
	items, _ := q.ListAll(ctx)
	if len(items) != 1 || items[0].RetryCount != 3 {
		t.Fatalf("Expected parked item with retryCount 3, got %+v", items)
	}

	for run := 4; run <= 6; run++ {
		sum, err := e.RunSync(ctx)
		if err != nil {
			t.Fatalf("RunSync %d failed: %v", run, err)
		}
		if sum.Failed != 1 || sum.Remaining != 1 {
			t.Errorf("Run %d: unexpected summary %+v", run, sum)
		}
	}
	if d.calls[id] != 3 {
		t.Errorf("Expected no dispatch once parked, got %d attempts", d.calls[id])
	}
	items, _ = q.ListAll(ctx)
	if items[0].RetryCount != 3 {
		t.Errorf("Expected retryCount to stay at 3, got %d", items[0].RetryCount)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	_, q, d, e := setupTestEngine(t)
	ctx := context.Background()

	a := enqueueFuel(t, q, "A")
	b := enqueueFuel(t, q, "B")
	c := enqueueFuel(t, q, "C")
	d.failing[b] = true

	sum, _ := e.RunSync(ctx)
	if sum.Processed != 2 || sum.Failed != 1 || sum.Remaining != 1 {
		t.Errorf("Run 1: unexpected summary %+v", sum)
	}
	if len(d.order) != 3 || d.order[0] != a || d.order[1] != b || d.order[2] != c {
		t.Errorf("Expected FIFO dispatch order, got %v", d.order)
	}

	e.RunSync(ctx)
	e.RunSync(ctx)

	items, _ := q.ListAll(ctx)
	if len(items) != 1 || items[0].ID != b || items[0].RetryCount != 3 {
		t.Fatalf("Expected only B parked at 3 retries, got %+v", items)
	}

	removed, err := q.PurgeFailed(ctx, 3)
	if err != nil || removed != 1 {
		t.Fatalf("PurgeFailed: %d, %v", removed, err)
	}
	items, _ = q.ListAll(ctx)
	if len(items) != 0 {
		t.Errorf("Expected empty queue, got %+v", items)
	}
}

func TestItemsEnqueuedMidRunWaitForNextRun(t *testing.T) {
	_, q, d, e := setupTestEngine(t)
	ctx := context.Background()
	enqueueFuel(t, q, "first")

	var late string
	d.hook = func(item actions.QueueItem) {
		if late == "" {
			late = enqueueFuel(t, q, "late")
		}
	}

	sum, err := e.RunSync(ctx)
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	if sum.Processed != 1 || sum.Remaining != 1 {
		t.Errorf("Unexpected summary %+v", sum)
	}
	if d.calls[late] != 0 {
		t.Error("Expected item enqueued mid-run to be deferred")
	}

	sum, _ = e.RunSync(ctx)
	if sum.Processed != 1 || sum.Remaining != 0 {
		t.Errorf("Expected late item processed on next run, got %+v", sum)
	}
}

func TestSingleFlight(t *testing.T) {
	_, q, d, e := setupTestEngine(t)
	ctx := context.Background()
	enqueueFuel(t, q, "V1")

	entered := make(chan struct{})
	release := make(chan struct{})
	d.hook = func(actions.QueueItem) {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.RunSync(ctx)
		done <- err
	}()

	<-entered
	if !e.Running() {
		t.Error("Expected engine to report running")
	}
	if _, err := e.RunSync(ctx); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("Expected ErrSyncInProgress, got %v", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if e.Running() {
		t.Error("Expected engine to be idle")
	}
	if len(d.order) != 1 {
		t.Errorf("Expected a single dispatch, got %d", len(d.order))
	}
}

func TestStorageErrorAbortsRun(t *testing.T) {
	s, q, _, e := setupTestEngine(t)
	enqueueFuel(t, q, "V1")
	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sum, err := e.RunSync(ctx)
	if err == nil {
		t.Fatal("Expected storage error to propagate")
	}
	if sum.Error == "" {
		t.Error("Expected summary to carry the error")
	}
	if e.Running() {
		t.Error("Expected engine to return to idle after an aborted run")
	}
}

func TestCancelledRunStops(t *testing.T) {
	_, q, d, e := setupTestEngine(t)
	enqueueFuel(t, q, "A")
	enqueueFuel(t, q, "B")

	ctx, cancel := context.WithCancel(context.Background())
	d.hook = func(actions.QueueItem) { cancel() }
	d.setFailAll(true)

	_, err := e.RunSync(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(d.order) != 1 {
		t.Errorf("Expected run to stop after first item, got %d dispatches", len(d.order))
	}

	items, _ := q.ListAll(context.Background())
	if items[0].RetryCount != 0 {
		t.Errorf("Expected cancelled attempt not to count, got retryCount %d", items[0].RetryCount)
	}
}

func TestLastSummary(t *testing.T) {
	_, q, _, e := setupTestEngine(t)
	if _, ok := e.LastSummary(); ok {
		t.Error("Expected no summary before the first run")
	}
	enqueueFuel(t, q, "V1")
	e.RunSync(context.Background())

	last, ok := e.LastSummary()
	if !ok || last.Processed != 1 {
		t.Errorf("Unexpected last summary %+v", last)
	}
}

func TestRecordQueueStats(t *testing.T) {
	// Smoke test: must not panic on label cardinality.
	RecordQueueStats(queue.Stats{Total: 3, Pending: 1, Retrying: 1, Failed: 1})
}

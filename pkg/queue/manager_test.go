package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fleetops/offlineq/pkg/actions"
	"github.com/fleetops/offlineq/pkg/store"
)

func setupTestQueue(t *testing.T, opts ...Option) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	s := miniredis.RunT(t)
	st, err := store.NewRedisStore(context.Background(), s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return s, NewManager(st, opts...)
}

func fuel(vehicle string) actions.FuelPurchase {
	return actions.FuelPurchase{VehicleID: vehicle, Quantity: 25.5, Price: 290}
}

func TestEnqueueOffline(t *testing.T) {
	_, m := setupTestQueue(t)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, fuel("V1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	items, err := m.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(items))
	}
	if items[0].ID != id || items[0].RetryCount != 0 || items[0].Action != actions.KindRecordFuelPurchase {
		t.Errorf("Unexpected item %+v", items[0])
	}
}

func TestListAllEmpty(t *testing.T) {
	_, m := setupTestQueue(t)
	items, err := m.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if items == nil || len(items) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", items)
	}
}

func TestFIFOOrder(t *testing.T) {
	_, m := setupTestQueue(t)
	ctx := context.Background()

	var ids []string
	for _, v := range []string{"V1", "V2", "V3", "V4", "V5"} {
		id, err := m.Enqueue(ctx, fuel(v))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
	}

	items, _ := m.ListAll(ctx)
	if len(items) != len(ids) {
		t.Fatalf("Expected %d items, got %d", len(ids), len(items))
	}
	for i := range ids {
		if items[i].ID != ids[i] {
			t.Errorf("Position %d: expected %s, got %s", i, ids[i], items[i].ID)
		}
	}
}

func TestRemoveIdempotent(t *testing.T) {
	s, m := setupTestQueue(t)
	ctx := context.Background()

	a, _ := m.Enqueue(ctx, fuel("A"))
	b, _ := m.Enqueue(ctx, fuel("B"))

	if err := m.Remove(ctx, a); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	before, _ := s.Get(DefaultKey)

	if err := m.Remove(ctx, a); err != nil {
		t.Fatalf("Second remove failed: %v", err)
	}
	if err := m.Remove(ctx, "does-not-exist"); err != nil {
		t.Fatalf("Remove of absent id failed: %v", err)
	}

	after, _ := s.Get(DefaultKey)
	if before != after {
		t.Errorf("Expected store to be unchanged\nbefore: %s\nafter:  %s", before, after)
	}

	items, _ := m.ListAll(ctx)
	if len(items) != 1 || items[0].ID != b {
		t.Errorf("Expected only %s to remain, got %+v", b, items)
	}
}

func TestRecordFailure(t *testing.T) {
	_, m := setupTestQueue(t)
	ctx := context.Background()

	id, _ := m.Enqueue(ctx, fuel("V1"))

	if err := m.RecordFailure(ctx, id, "network down"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if err := m.RecordFailure(ctx, id, "timeout"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	items, _ := m.ListAll(ctx)
	if items[0].RetryCount != 2 {
		t.Errorf("Expected retryCount 2, got %d", items[0].RetryCount)
	}
	if items[0].LastError != "timeout" {
		t.Errorf("Expected lastError to be overwritten, got %q", items[0].LastError)
	}

	if err := m.RecordFailure(ctx, "gone", "x"); err != nil {
		t.Errorf("Expected no error for absent id, got %v", err)
	}
}

func TestPurgeFailedSelectivity(t *testing.T) {
	_, m := setupTestQueue(t)
	ctx := context.Background()

	fresh, _ := m.Enqueue(ctx, fuel("fresh"))
	retrying, _ := m.Enqueue(ctx, fuel("retrying"))
	parked, _ := m.Enqueue(ctx, fuel("parked"))

	m.RecordFailure(ctx, retrying, "e")
	m.RecordFailure(ctx, retrying, "e")
	for i := 0; i < 3; i++ {
		m.RecordFailure(ctx, parked, "e")
	}

	removed, err := m.PurgeFailed(ctx, 3)
	if err != nil {
		t.Fatalf("PurgeFailed failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}

	items, _ := m.ListAll(ctx)
	if len(items) != 2 || items[0].ID != fresh || items[1].ID != retrying {
		t.Errorf("Expected fresh and retrying to remain in order, got %+v", items)
	}

	removed, err = m.PurgeFailed(ctx, 0)
	if err != nil || removed != 0 {
		t.Errorf("Expected nothing to purge, got %d, %v", removed, err)
	}
}

func TestStats(t *testing.T) {
	_, m := setupTestQueue(t, WithMaxRetries(2))
	ctx := context.Background()

	a, _ := m.Enqueue(ctx, fuel("a"))
	b, _ := m.Enqueue(ctx, fuel("b"))
	m.Enqueue(ctx, fuel("c"))

	m.RecordFailure(ctx, a, "e")
	m.RecordFailure(ctx, b, "e")
	m.RecordFailure(ctx, b, "e")

	st, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	want := Stats{Total: 3, Pending: 1, Retrying: 1, Failed: 1}
	if st != want {
		t.Errorf("Expected %+v, got %+v", want, st)
	}
}

func TestComputeStatsConsistency(t *testing.T) {
	for retries := 0; retries < 6; retries++ {
		var items []actions.QueueItem
		for i := 0; i <= retries; i++ {
			items = append(items, actions.QueueItem{RetryCount: i})
		}
		st := ComputeStats(items, 3)
		if st.Total != st.Pending+st.Retrying+st.Failed {
			t.Errorf("Inconsistent stats %+v", st)
		}
	}
}

func TestEnqueueUsesClock(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	_, m := setupTestQueue(t, WithClock(func() time.Time { return fixed }))

	m.Enqueue(context.Background(), actions.OdometerUpdate{VehicleID: "V1", Odometer: 10})
	items, _ := m.ListAll(context.Background())
	if items[0].Timestamp != fixed.UnixMilli() {
		t.Errorf("Expected timestamp %d, got %d", fixed.UnixMilli(), items[0].Timestamp)
	}
}

func TestCustomKey(t *testing.T) {
	s, m := setupTestQueue(t, WithKey("driver:42:queue"))
	m.Enqueue(context.Background(), fuel("V1"))

	if !s.Exists("driver:42:queue") {
		t.Error("Expected queue under custom key")
	}
	if s.Exists(DefaultKey) {
		t.Error("Expected default key to be unused")
	}
}

func TestPersistedEnvelope(t *testing.T) {
	s, m := setupTestQueue(t)
	m.Enqueue(context.Background(), fuel("V1"))

	raw, err := s.Get(DefaultKey)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var env struct {
		Version int               `json:"version"`
		Items   []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if env.Version != 1 || len(env.Items) != 1 {
		t.Errorf("Unexpected envelope %s", raw)
	}
}

func TestLegacyListIsUpgraded(t *testing.T) {
	s, m := setupTestQueue(t)
	ctx := context.Background()

	s.Set(DefaultKey, `[{"id":"old_1","action":"update_odometer","data":{"vehicle_id":"V1","odometer":5},"timestamp":1,"retryCount":1,"lastError":"x"}]`)

	items, err := m.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != "old_1" || items[0].RetryCount != 1 {
		t.Fatalf("Unexpected legacy items %+v", items)
	}

	m.Enqueue(ctx, fuel("V2"))
	items, _ = m.ListAll(ctx)
	if len(items) != 2 || items[0].ID != "old_1" {
		t.Errorf("Expected legacy item first, got %+v", items)
	}
	raw, _ := s.Get(DefaultKey)
	if raw[0] != '{' {
		t.Errorf("Expected envelope after mutation, got %s", raw)
	}
}

func TestUnsupportedVersion(t *testing.T) {
	s, m := setupTestQueue(t)
	s.Set(DefaultKey, `{"version":9,"items":[]}`)

	if _, err := m.ListAll(context.Background()); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Expected ErrUnsupportedVersion, got %v", err)
	}
	if _, err := m.Enqueue(context.Background(), fuel("V1")); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Expected enqueue to refuse newer layout, got %v", err)
	}
}

func TestStorageErrorSurfaces(t *testing.T) {
	s, m := setupTestQueue(t)
	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := m.Enqueue(ctx, fuel("V1")); err == nil {
		t.Error("Expected enqueue to fail when storage is unavailable")
	}
	if _, err := m.ListAll(ctx); err == nil {
		t.Error("Expected ListAll to fail when storage is unavailable")
	}
}

func TestConcurrentEnqueueLosesNothing(t *testing.T) {
	_, m := setupTestQueue(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Enqueue(ctx, fuel("V")); err != nil {
				t.Errorf("Enqueue failed: %v", err)
			}
		}()
	}
	wg.Wait()

	items, _ := m.ListAll(ctx)
	if len(items) != n {
		t.Errorf("Expected %d items, got %d", n, len(items))
	}
}

func TestTwoManagersShareStore(t *testing.T) {
	s, m1 := setupTestQueue(t)
	st, err := store.NewRedisStore(context.Background(), s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer st.Close()
	m2 := NewManager(st)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); m1.Enqueue(ctx, fuel("m1")) }()
		go func() { defer wg.Done(); m2.Enqueue(ctx, fuel("m2")) }()
	}
	wg.Wait()

	items, _ := m1.ListAll(ctx)
	if len(items) != 40 {
		t.Errorf("Expected 40 items, got %d", len(items))
	}
}

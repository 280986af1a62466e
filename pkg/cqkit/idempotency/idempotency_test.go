package idempotency

import (
	"sync"
	"testing"
	"time"
)

func TestRecordAndResult(t *testing.T) {
	m := New[string]()

	if m.IsDuplicate("reserve_inventory:corr-1") {
		t.Error("empty manager must report no duplicates")
	}

	m.Record("reserve_inventory:corr-1", "reserved")

	if !m.IsDuplicate("reserve_inventory:corr-1") {
		t.Error("recorded key must be a duplicate")
	}
	result, ok := m.Result("reserve_inventory:corr-1")
	if !ok || result != "reserved" {
		t.Errorf("Result = %q, %v", result, ok)
	}
}

func TestKeyDefinesIdentity(t *testing.T) {
	m := New[int]()
	m.Record("charge:corr-1", 100)

	// Same key is a duplicate regardless of what the caller intends to run.
	if !m.IsDuplicate("charge:corr-1") {
		t.Error("same key must be a duplicate")
	}
	if m.IsDuplicate("charge:corr-2") {
		t.Error("different correlation must not be a duplicate")
	}
	if m.IsDuplicate("refund:corr-1") {
		t.Error("different type must not be a duplicate")
	}
}

func TestForget(t *testing.T) {
	m := New[string]()
	m.Record("k", "v")
	m.Forget("k")

	if m.IsDuplicate("k") {
		t.Error("forgotten key must not be a duplicate")
	}
	if _, ok := m.Result("k"); ok {
		t.Error("forgotten key must have no result")
	}
}

func TestCleanup(t *testing.T) {
	m := New[string]()
	m.Record("old", "a")
	m.records["old"] = record[string]{result: "a", recordedAt: time.Now().Add(-2 * time.Hour)}
	m.Record("fresh", "b")

	removed := m.Cleanup(time.Hour)
	if removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if m.IsDuplicate("old") {
		t.Error("expired record must be gone")
	}
	if !m.IsDuplicate("fresh") {
		t.Error("fresh record must survive cleanup")
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := "k"
			m.Record(key, n)
			m.IsDuplicate(key)
			m.Result(key)
		}(i)
	}
	wg.Wait()

	if !m.IsDuplicate("k") {
		t.Error("expected record to exist after concurrent writes")
	}
}

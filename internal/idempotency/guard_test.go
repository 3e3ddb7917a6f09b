package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store with the same uniqueness semantics as the
// Postgres table: first insert per key wins.
type memStore struct {
	mu      sync.Mutex
	records map[string]Record

	// rejectInserts forces insert conflicts to simulate losing a race.
	rejectInserts bool
	deleted       int64
}

func newMemStore() *memStore {
	return &memStore{records: map[string]Record{}}
}

func (m *memStore) InsertIdempotencyRecord(_ context.Context, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectInserts {
		return false, nil
	}
	if _, exists := m.records[rec.Key]; exists {
		return false, nil
	}
	m.records[rec.Key] = rec
	return true, nil
}

func (m *memStore) FindIdempotencyRecord(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (m *memStore) DeleteExpiredIdempotencyRecords(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.records {
		if time.Now().After(rec.ExpiresAt) {
			delete(m.records, k)
			n++
		}
	}
	m.deleted += n
	return n, nil
}

const testKey = "550e8400-e29b-41d4-a716-446655440000"

func okProceed(status int, body, resourceID string) func(context.Context) (*Result, error) {
	return func(context.Context) (*Result, error) {
		return &Result{Status: status, Body: []byte(body), ResourceID: resourceID}, nil
	}
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{testKey, true},
		{"550E8400-E29B-41D4-A716-446655440000", true},
		{"", false},
		{"not-a-uuid", false},
		{"550e8400-e29b-11d4-a716-446655440000", false}, // v1
		{"urn:uuid:550e8400-e29b-41d4-a716-446655440000", false},
		{"{550e8400-e29b-41d4-a716-446655440000}", false},
	}
	for _, tt := range tests {
		if got := ValidKey(tt.key); got != tt.want {
			t.Errorf("ValidKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestHash_FieldOrderIndependent(t *testing.T) {
	a := []byte(`{"title":"standup","userId":"u1","metadata":{"b":2,"a":1}}`)
	b := []byte(`{"metadata":{"a":1,"b":2},"userId":"u1","title":"standup"}`)

	ha, err := Hash(a)
	if err != nil {
		t.Fatalf("Hash(a) failed: %v", err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash(b) failed: %v", err)
	}
	if ha != hb {
		t.Error("structurally equal bodies must hash identically")
	}

	hc, err := Hash([]byte(`{"title":"standup","userId":"u2"}`))
	if err != nil {
		t.Fatalf("Hash(c) failed: %v", err)
	}
	if hc == ha {
		t.Error("different bodies must not collide")
	}
}

func TestExecute_InvalidKey(t *testing.T) {
	g := NewGuard(newMemStore(), "reminder", time.Hour)

	called := false
	_, _, err := g.Execute(context.Background(), "nope", nil, func(context.Context) (*Result, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
	if called {
		t.Error("proceed must not run for an invalid key")
	}
}

func TestExecute_FirstCallRunsProceedAndPersists(t *testing.T) {
	st := newMemStore()
	g := NewGuard(st, "reminder", time.Hour)

	res, replayed, err := g.Execute(context.Background(), testKey, []byte(`{"a":1}`), okProceed(http.StatusCreated, `{"id":"r1"}`, "r1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if replayed {
		t.Error("first call must not be a replay")
	}
	if res.Status != http.StatusCreated || res.ResourceID != "r1" {
		t.Errorf("unexpected result: %+v", res)
	}

	rec := st.records[testKey]
	if rec.RequestHash == "" || rec.ResourceType != "reminder" {
		t.Errorf("record not persisted correctly: %+v", rec)
	}
	if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != time.Hour {
		t.Errorf("record ttl = %v, want 1h", got)
	}
}

func TestExecute_ReplaySameBodyReturnsCachedWithoutProceed(t *testing.T) {
	st := newMemStore()
	g := NewGuard(st, "reminder", time.Hour)
	body := []byte(`{"title":"standup","userId":"u1"}`)

	calls := 0
	proceed := func(context.Context) (*Result, error) {
		calls++
		return &Result{Status: http.StatusCreated, Body: []byte(`{"id":"r1"}`), ResourceID: "r1"}, nil
	}

	if _, _, err := g.Execute(context.Background(), testKey, body, proceed); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}

	// Same body with reordered fields is still the same request.
	reordered := []byte(`{"userId":"u1","title":"standup"}`)
	res, replayed, err := g.Execute(context.Background(), testKey, reordered, proceed)
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if !replayed {
		t.Error("identical retry must be a replay")
	}
	if string(res.Body) != `{"id":"r1"}` {
		t.Errorf("replayed body = %s", res.Body)
	}
	if calls != 1 {
		t.Errorf("proceed ran %d times, want 1", calls)
	}
}

func TestExecute_DifferentBodyConflicts(t *testing.T) {
	g := NewGuard(newMemStore(), "reminder", time.Hour)

	if _, _, err := g.Execute(context.Background(), testKey, []byte(`{"a":1}`), okProceed(http.StatusCreated, `{"id":"r1"}`, "r1")); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}

	_, _, err := g.Execute(context.Background(), testKey, []byte(`{"a":2}`), okProceed(http.StatusCreated, `{"id":"r2"}`, "r2"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestExecute_Non2xxNotPersisted(t *testing.T) {
	st := newMemStore()
	g := NewGuard(st, "reminder", time.Hour)

	res, _, err := g.Execute(context.Background(), testKey, []byte(`{"a":1}`), okProceed(http.StatusBadRequest, `{}`, ""))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != http.StatusBadRequest {
		t.Errorf("status = %d", res.Status)
	}
	if len(st.records) != 0 {
		t.Error("non-2xx outcome must not be persisted")
	}

	// The key remains usable for a retry that succeeds.
	res, replayed, err := g.Execute(context.Background(), testKey, []byte(`{"a":1}`), okProceed(http.StatusCreated, `{"id":"r1"}`, "r1"))
	if err != nil || replayed || res.Status != http.StatusCreated {
		t.Fatalf("retry after failure: res=%+v replayed=%v err=%v", res, replayed, err)
	}
}

func TestExecute_ProceedErrorPassesThrough(t *testing.T) {
	st := newMemStore()
	g := NewGuard(st, "reminder", time.Hour)

	boom := errors.New("store down")
	_, _, err := g.Execute(context.Background(), testKey, []byte(`{"a":1}`), func(context.Context) (*Result, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want passthrough", err)
	}
	if len(st.records) != 0 {
		t.Error("failed operation must not be persisted")
	}
}

func TestExecute_InsertRaceLoserAdoptsWinner(t *testing.T) {
	st := newMemStore()
	g := NewGuard(st, "reminder", time.Hour)
	body := []byte(`{"a":1}`)

	// Simulate the loser: its insert conflicts, and by the time it re-reads,
	// the winner's record is in place.
	st.rejectInserts = true
	hash, _ := Hash(body)
	winner := Record{
		Key:            testKey,
		ResourceID:     "winner",
		ResourceType:   "reminder",
		RequestHash:    hash,
		ResponseStatus: http.StatusCreated,
		ResponseBody:   []byte(`{"id":"winner"}`),
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(time.Hour),
	}

	calls := 0
	res, replayed, err := g.Execute(context.Background(), testKey, body, func(context.Context) (*Result, error) {
		calls++
		// The winner commits between our lookup and our insert.
		st.mu.Lock()
		st.records[testKey] = winner
		st.mu.Unlock()
		return &Result{Status: http.StatusCreated, Body: []byte(`{"id":"loser"}`), ResourceID: "loser"}, nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("proceed ran %d times, want 1", calls)
	}
	if !replayed || res.ResourceID != "winner" {
		t.Errorf("loser must adopt winner's record, got replayed=%v res=%+v", replayed, res)
	}
}

func TestRunSweeper_DeletesExpiredRecords(t *testing.T) {
	st := newMemStore()
	st.records["expired"] = Record{Key: "expired", ExpiresAt: time.Now().Add(-time.Minute)}
	st.records["live"] = Record{Key: "live", ExpiresAt: time.Now().Add(time.Hour)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunSweeper(ctx, st, 10*time.Millisecond, slog.Default())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st.mu.Lock()
		_, present := st.records["expired"]
		st.mu.Unlock()
		if !present {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.records["expired"]; ok {
		t.Error("expired record not swept")
	}
	if _, ok := st.records["live"]; !ok {
		t.Error("live record must survive the sweep")
	}
}

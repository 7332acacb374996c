package manager

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/woodshed-app/shedsync/internal/conflict"
	"github.com/woodshed-app/shedsync/internal/engine"
	"github.com/woodshed-app/shedsync/internal/entity"
	"github.com/woodshed-app/shedsync/internal/queue"
	"github.com/woodshed-app/shedsync/internal/store"
	"github.com/woodshed-app/shedsync/internal/transport"
)

func quietTestLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type testRig struct {
	local   *store.Memory
	remote  *transport.Memory
	manager *Manager
}

func newTestRig(t *testing.T, debounce time.Duration) *testRig {
	t.Helper()

	local := store.NewMemory()
	remote := transport.NewMemory()
	factory := func(user User) (SyncEngine, error) {
		q := queue.New(local, 0, quietTestLogger())
		return engine.New(local, q, remote,
			conflict.NewDetector(0), conflict.NewResolver(nil, nil),
			engine.Config{UserID: user.ID, Logger: quietTestLogger()}), nil
	}
	m := NewManager(Config{Factory: factory, Debounce: debounce, Logger: quietTestLogger()})
	t.Cleanup(m.Dispose)
	return &testRig{local: local, remote: remote, manager: m}
}

func syncableUser() *User {
	return &User{ID: "user-1", CloudEnabled: true}
}

func saveGoal(t *testing.T, local *store.Memory, payload string, at int64) *entity.Entity {
	t.Helper()

	e, err := entity.New("goal-1", entity.KindGoal, json.RawMessage(payload), at)
	if err != nil {
		t.Fatalf("entity.New() error: %v", err)
	}
	if err := local.Save(context.Background(), e.Key(), e); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	return e
}

func updateGoal(t *testing.T, local *store.Memory, e *entity.Entity, payload string, at int64) *entity.Entity {
	t.Helper()

	next := e.Clone()
	if err := next.SetPayload(json.RawMessage(payload), at); err != nil {
		t.Fatalf("SetPayload() error: %v", err)
	}
	next.Status = entity.StatusPending
	if err := local.Save(context.Background(), next.Key(), next); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	return next
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDebounceCollapsesRapidChanges(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 50*time.Millisecond)
	if err := rig.manager.OnAuthStateChange(ctx, syncableUser()); err != nil {
		t.Fatalf("OnAuthStateChange() error: %v", err)
	}

	// Three rapid edits to the same goal within one debounce window.
	e := saveGoal(t, rig.local, `{"current_value":1}`, 1000)
	if err := rig.manager.QueueChange(ctx, &queue.Operation{Kind: queue.OpCreate, Resource: "goals", Entity: e}); err != nil {
		t.Fatalf("QueueChange() error: %v", err)
	}
	e = updateGoal(t, rig.local, e, `{"current_value":2}`, 1001)
	if err := rig.manager.QueueChange(ctx, &queue.Operation{Kind: queue.OpUpdate, Resource: "goals", Entity: e}); err != nil {
		t.Fatalf("QueueChange() error: %v", err)
	}
	final := updateGoal(t, rig.local, e, `{"current_value":3}`, 1002)
	if err := rig.manager.QueueChange(ctx, &queue.Operation{Kind: queue.OpUpdate, Resource: "goals", Entity: final}); err != nil {
		t.Fatalf("QueueChange() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		onRemote := rig.remote.Get("goal-1")
		return onRemote != nil && onRemote.Checksum == final.Checksum
	})

	// One collapsed operation means exactly one remote write.
	if got := rig.remote.WriteCount(); got != 1 {
		t.Errorf("remote writes = %d, want 1 (three edits collapsed)", got)
	}
}

func TestSyncNowSharesInFlightCycle(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 50*time.Millisecond)
	if err := rig.manager.OnAuthStateChange(ctx, syncableUser()); err != nil {
		t.Fatalf("OnAuthStateChange() error: %v", err)
	}
	pullsAfterInit := rig.remote.PullCalls()
	rig.remote.Latency = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rig.manager.SyncNow(ctx); err != nil {
				t.Errorf("SyncNow() error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := rig.remote.PullCalls() - pullsAfterInit; got != 1 {
		t.Errorf("pull round-trips = %d, want 1 (concurrent callers share one cycle)", got)
	}
}

func TestSyncNowOfflineIsSkipped(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond)

	result, err := rig.manager.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error: %v", err)
	}
	if !result.Skipped {
		t.Errorf("offline SyncNow() = %+v, want a skipped result", result)
	}
	if result.SkipReason == "" {
		t.Error("offline SyncNow() skipped without a reason")
	}
	if result.Uploaded != 0 || result.Downloaded != 0 {
		t.Errorf("offline SyncNow() = %+v, want no transfers", result)
	}
	if rig.remote.PullCalls() != 0 {
		t.Error("offline SyncNow() reached the network")
	}
}

func TestSignOutResetsToIdle(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 50*time.Millisecond)
	if err := rig.manager.OnAuthStateChange(ctx, syncableUser()); err != nil {
		t.Fatalf("OnAuthStateChange() error: %v", err)
	}

	if err := rig.manager.OnAuthStateChange(ctx, nil); err != nil {
		t.Fatalf("OnAuthStateChange(nil) error: %v", err)
	}
	want := State{Status: StatusIdle}
	if got := rig.manager.State(); got != want {
		t.Errorf("State after sign-out = %+v, want %+v", got, want)
	}

	// An anonymous account gets the same reset.
	if err := rig.manager.OnAuthStateChange(ctx, &User{ID: "u", Anonymous: true, CloudEnabled: true}); err != nil {
		t.Fatalf("OnAuthStateChange(anonymous) error: %v", err)
	}
	if got := rig.manager.State(); got != want {
		t.Errorf("State after anonymous sign-in = %+v, want %+v", got, want)
	}
}

func TestSignOutDuringCycleIsSafe(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 50*time.Millisecond)
	if err := rig.manager.OnAuthStateChange(ctx, syncableUser()); err != nil {
		t.Fatalf("OnAuthStateChange() error: %v", err)
	}
	rig.remote.Latency = 50 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The in-flight cycle finishes against the engine it started with.
		_, _ = rig.manager.SyncNow(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := rig.manager.OnAuthStateChange(ctx, nil); err != nil {
		t.Fatalf("OnAuthStateChange(nil) error: %v", err)
	}
	<-done
}

func TestDisposeIdempotentAndTerminal(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 50*time.Millisecond)
	if err := rig.manager.OnAuthStateChange(ctx, syncableUser()); err != nil {
		t.Fatalf("OnAuthStateChange() error: %v", err)
	}

	rig.manager.Dispose()
	rig.manager.Dispose()

	if _, err := rig.manager.SyncNow(ctx); err != ErrDisposed {
		t.Errorf("SyncNow() after dispose error = %v, want ErrDisposed", err)
	}
	e := saveGoal(t, rig.local, `{"current_value":1}`, 1000)
	if err := rig.manager.QueueChange(ctx, &queue.Operation{Kind: queue.OpCreate, Entity: e}); err != ErrDisposed {
		t.Errorf("QueueChange() after dispose error = %v, want ErrDisposed", err)
	}
	if err := rig.manager.OnAuthStateChange(ctx, syncableUser()); err != ErrDisposed {
		t.Errorf("OnAuthStateChange() after dispose error = %v, want ErrDisposed", err)
	}
}

func TestOnStateChangeImmediateAndUnsubscribe(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond)

	var mu sync.Mutex
	var got []Status
	unsubscribe := rig.manager.OnStateChange(func(s State) {
		mu.Lock()
		got = append(got, s.Status)
		mu.Unlock()
	})

	mu.Lock()
	if len(got) != 1 || got[0] != StatusOffline {
		t.Fatalf("immediate notification = %v, want [offline]", got)
	}
	mu.Unlock()

	if err := rig.manager.OnAuthStateChange(context.Background(), syncableUser()); err != nil {
		t.Fatalf("OnAuthStateChange() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 1 && got[len(got)-1] == StatusIdle
	})

	unsubscribe()
	mu.Lock()
	n := len(got)
	mu.Unlock()

	if _, err := rig.manager.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Error("listener invoked after unsubscribe")
	}
}

func TestStateNotificationsArriveInOrder(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 50*time.Millisecond)
	if err := rig.manager.OnAuthStateChange(ctx, syncableUser()); err != nil {
		t.Fatalf("OnAuthStateChange() error: %v", err)
	}

	var mu sync.Mutex
	var got []Status
	rig.manager.OnStateChange(func(s State) {
		mu.Lock()
		got = append(got, s.Status)
		mu.Unlock()
	})

	// Let the sign-in transitions finish delivering before the burst.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	base := len(got)
	mu.Unlock()

	const cycles = 25
	for i := 0; i < cycles; i++ {
		if _, err := rig.manager.SyncNow(ctx); err != nil {
			t.Fatalf("SyncNow() error: %v", err)
		}
	}

	// Each cycle transitions syncing then idle; delivery must preserve
	// that order so the last notification matches the settled state.
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= base+2*cycles
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	seg := got[base:]
	if len(seg) != 2*cycles {
		t.Fatalf("notifications = %d, want %d", len(seg), 2*cycles)
	}
	for i, status := range seg {
		want := StatusSyncing
		if i%2 == 1 {
			want = StatusIdle
		}
		if status != want {
			t.Fatalf("notification %d = %q, want %q (sequence %v)", i, status, want, seg)
		}
	}
	if last := seg[len(seg)-1]; last != rig.manager.State().Status {
		t.Errorf("last notification = %q, want settled state %q", last, rig.manager.State().Status)
	}
}

func TestSyncNowPublishesResultEvent(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 50*time.Millisecond)
	if err := rig.manager.OnAuthStateChange(ctx, syncableUser()); err != nil {
		t.Fatalf("OnAuthStateChange() error: %v", err)
	}

	var mu sync.Mutex
	var results []*engine.Result
	rig.manager.Bus().Subscribe(EventSyncResult, func(ev Event) {
		mu.Lock()
		results = append(results, ev.Result)
		mu.Unlock()
	})

	want, err := rig.manager.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 {
		t.Fatalf("%s events = %d, want 1", EventSyncResult, len(results))
	}
	if results[0] != want {
		t.Errorf("event result = %+v, want the cycle result %+v", results[0], want)
	}
}

func TestQueueChangeOfflineIsNoop(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 20*time.Millisecond)

	e := saveGoal(t, rig.local, `{"current_value":1}`, 1000)
	if err := rig.manager.QueueChange(ctx, &queue.Operation{Kind: queue.OpCreate, Entity: e}); err != nil {
		t.Fatalf("QueueChange() error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if rig.remote.PushCalls() != 0 {
		t.Error("offline QueueChange() reached the network")
	}
	if got := rig.manager.State().PendingOperations; got != 0 {
		t.Errorf("PendingOperations = %d, want 0 while offline", got)
	}
}

func TestQueueChangePublishesEvents(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, time.Hour) // debounce never fires during the test
	if err := rig.manager.OnAuthStateChange(ctx, syncableUser()); err != nil {
		t.Fatalf("OnAuthStateChange() error: %v", err)
	}

	var mu sync.Mutex
	names := make(map[string]int)
	rig.manager.Bus().Subscribe("", func(ev Event) {
		mu.Lock()
		names[ev.Name]++
		mu.Unlock()
	})

	e := saveGoal(t, rig.local, `{"current_value":1}`, 1000)
	if err := rig.manager.QueueChange(ctx, &queue.Operation{Kind: queue.OpCreate, Entity: e}); err != nil {
		t.Fatalf("QueueChange() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if names[EventCreated] != 1 {
		t.Errorf("%s events = %d, want 1", EventCreated, names[EventCreated])
	}
	if names[EventDataChanged] != 1 {
		t.Errorf("%s events = %d, want 1", EventDataChanged, names[EventDataChanged])
	}
}

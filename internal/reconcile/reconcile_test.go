package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

type model struct {
	Key string
	Val int
}

func coll(ms ...model) map[string]model {
	out := map[string]model{}
	for _, m := range ms {
		out[m.Key] = m
	}
	return out
}

type testObj struct {
	key string
	val int
}

type testGroup struct {
	mu       sync.Mutex
	children map[*testObj]bool
}

func newTestGroup() *testGroup { return &testGroup{children: map[*testObj]bool{}} }

func (g *testGroup) Attach(o *testObj) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.children[o] = true
}

func (g *testGroup) Detach(o *testObj) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.children, o)
}

func (g *testGroup) keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for o := range g.children {
		out = append(out, o.key)
	}
	sort.Strings(out)
	return out
}

// recorder tracks which keys each callback fired for during a pass.
type recorder struct {
	mu      sync.Mutex
	creates []string
	updates []string
	removes []string
}

func (rec *recorder) funcs(fail map[string]bool) Funcs[model, *testObj] {
	return Funcs[model, *testObj]{
		Create: func(_ context.Context, m model) (*testObj, error) {
			if fail[m.Key] {
				return nil, fmt.Errorf("boom")
			}
			rec.mu.Lock()
			rec.creates = append(rec.creates, m.Key)
			rec.mu.Unlock()
			return &testObj{key: m.Key, val: m.Val}, nil
		},
		Update: func(m model, o *testObj) {
			o.val = m.Val
			rec.mu.Lock()
			rec.updates = append(rec.updates, m.Key)
			rec.mu.Unlock()
		},
		Remove: func(o *testObj) {
			rec.mu.Lock()
			rec.removes = append(rec.removes, o.key)
			rec.mu.Unlock()
		},
	}
}

func TestSync_ExampleScenario(t *testing.T) {
	r := New[model, *testObj]()
	g := newTestGroup()

	if err := r.Sync(context.Background(), g, coll(model{"A", 1}, model{"B", 2}), (&recorder{}).funcs(nil), false); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	rec := &recorder{}
	if err := r.Sync(context.Background(), g, coll(model{"B", 2}, model{"C", 3}), rec.funcs(nil), false); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if !equalStrings(rec.creates, []string{"C"}) {
		t.Fatalf("creates = %v, want only C", rec.creates)
	}
	// B's value is unchanged, so the only update is C's post-create one.
	if !equalStrings(rec.updates, []string{"C"}) {
		t.Fatalf("updates = %v, want only C", rec.updates)
	}
	if !equalStrings(rec.removes, []string{"A"}) {
		t.Fatalf("removes = %v, want only A", rec.removes)
	}
	want := []string{"B", "C"}
	if got := r.Keys(); !equalStrings(got, want) {
		t.Fatalf("live keys = %v, want %v", got, want)
	}
	if got := g.keys(); !equalStrings(got, want) {
		t.Fatalf("attached keys = %v, want %v", got, want)
	}
}

func TestSync_Idempotent(t *testing.T) {
	r := New[model, *testObj]()
	g := newTestGroup()
	c := coll(model{"A", 1}, model{"B", 2}, model{"C", 3})

	if err := r.Sync(context.Background(), g, c, (&recorder{}).funcs(nil), false); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	rec := &recorder{}
	if err := r.Sync(context.Background(), g, c, rec.funcs(nil), false); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(rec.creates) != 0 || len(rec.updates) != 0 || len(rec.removes) != 0 {
		t.Fatalf("second identical sync did work: creates=%v updates=%v removes=%v",
			rec.creates, rec.updates, rec.removes)
	}
}

func TestSync_ForceUpdates(t *testing.T) {
	r := New[model, *testObj]()
	g := newTestGroup()
	c := coll(model{"A", 1}, model{"B", 2})

	if err := r.Sync(context.Background(), g, c, (&recorder{}).funcs(nil), false); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	rec := &recorder{}
	if err := r.Sync(context.Background(), g, c, rec.funcs(nil), true); err != nil {
		t.Fatalf("forced sync: %v", err)
	}
	if !equalStrings(rec.updates, []string{"A", "B"}) {
		t.Fatalf("forced sync updates = %v, want [A B]", rec.updates)
	}
	if len(rec.creates) != 0 || len(rec.removes) != 0 {
		t.Fatalf("forced sync created/removed: %v %v", rec.creates, rec.removes)
	}
}

func TestSync_ChangedValueOnly(t *testing.T) {
	r := New[model, *testObj]()
	g := newTestGroup()

	if err := r.Sync(context.Background(), g, coll(model{"A", 1}, model{"B", 2}), (&recorder{}).funcs(nil), false); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	rec := &recorder{}
	if err := r.Sync(context.Background(), g, coll(model{"A", 10}, model{"B", 2}), rec.funcs(nil), false); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !equalStrings(rec.updates, []string{"A"}) {
		t.Fatalf("updates = %v, want only A", rec.updates)
	}
	o, ok := r.Handle("A")
	if !ok || o.val != 10 {
		t.Fatalf("A not updated in place: %+v ok=%v", o, ok)
	}
}

func TestSync_FailureIsolation(t *testing.T) {
	r := New[model, *testObj]()
	g := newTestGroup()
	c := coll(model{"A", 1}, model{"B", 2}, model{"C", 3}, model{"D", 4}, model{"E", 5})

	rec := &recorder{}
	err := r.Sync(context.Background(), g, c, rec.funcs(map[string]bool{"C": true}), false)
	if err == nil {
		t.Fatalf("expected an error for C")
	}
	var ce *CreateError
	if !errors.As(err, &ce) || ce.Key != "C" {
		t.Fatalf("expected *CreateError for C, got %v", err)
	}

	want := []string{"A", "B", "D", "E"}
	if got := r.Keys(); !equalStrings(got, want) {
		t.Fatalf("live keys = %v, want %v", got, want)
	}
	if got := g.keys(); !equalStrings(got, want) {
		t.Fatalf("attached keys = %v, want %v", got, want)
	}
	if _, ok := r.Handle("C"); ok {
		t.Fatalf("failed key C recorded a handle")
	}
}

func TestSync_Completeness(t *testing.T) {
	r := New[model, *testObj]()
	g := newTestGroup()

	big := map[string]model{}
	for i := 0; i < 40; i++ {
		k := fmt.Sprintf("obj_%02d", i)
		big[k] = model{Key: k, Val: i}
	}
	if err := r.Sync(context.Background(), g, big, (&recorder{}).funcs(nil), false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if r.Len() != len(big) {
		t.Fatalf("live objects = %d, want %d", r.Len(), len(big))
	}
	for k := range big {
		if _, ok := r.Handle(k); !ok {
			t.Fatalf("missing handle for %s", k)
		}
	}

	// Shrink to a third; handle keys must track exactly.
	small := map[string]model{}
	for i := 0; i < 40; i += 3 {
		k := fmt.Sprintf("obj_%02d", i)
		small[k] = model{Key: k, Val: i}
	}
	if err := r.Sync(context.Background(), g, small, (&recorder{}).funcs(nil), false); err != nil {
		t.Fatalf("shrink sync: %v", err)
	}
	if r.Len() != len(small) || len(g.keys()) != len(small) {
		t.Fatalf("after shrink: live=%d attached=%d want %d", r.Len(), len(g.keys()), len(small))
	}
}

func TestSync_RemovalOrderDeterministic(t *testing.T) {
	r := New[model, *testObj]()
	g := newTestGroup()

	c := coll(model{"D", 4}, model{"B", 2}, model{"A", 1}, model{"C", 3})
	if err := r.Sync(context.Background(), g, c, (&recorder{}).funcs(nil), false); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rec := &recorder{}
	if err := r.Sync(context.Background(), g, map[string]model{}, rec.funcs(nil), false); err != nil {
		t.Fatalf("clear sync: %v", err)
	}
	if !equalStrings(rec.removes, []string{"A", "B", "C", "D"}) {
		t.Fatalf("removal order = %v, want sorted keys", rec.removes)
	}
}

func TestSync_EmptyAndNilCollections(t *testing.T) {
	r := New[model, *testObj]()
	g := newTestGroup()

	if err := r.Sync(context.Background(), g, nil, (&recorder{}).funcs(nil), false); err != nil {
		t.Fatalf("nil sync: %v", err)
	}
	if err := r.Sync(context.Background(), g, coll(model{"A", 1}), (&recorder{}).funcs(nil), false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := r.Sync(context.Background(), g, nil, (&recorder{}).funcs(nil), false); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if r.Len() != 0 || len(g.keys()) != 0 {
		t.Fatalf("expected empty scene, live=%d attached=%v", r.Len(), g.keys())
	}
}

func TestSync_CancelledContextRecordsNothing(t *testing.T) {
	r := New[model, *testObj]()
	g := newTestGroup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Sync(ctx, g, coll(model{"A", 1}), (&recorder{}).funcs(nil), false)
	if err == nil {
		t.Fatalf("expected error from cancelled context")
	}
	if r.Len() != 0 || len(g.keys()) != 0 {
		t.Fatalf("cancelled creation left state behind: live=%d attached=%v", r.Len(), g.keys())
	}
}

// A creation still in flight when a second Sync drops its key must not leave
// a handle behind once it completes.
func TestSync_OverlappingRemovalDiscardsLateCreation(t *testing.T) {
	r := New[model, *testObj]()
	g := newTestGroup()

	block := make(chan struct{})
	started := make(chan struct{})
	discarded := make(chan string, 1)

	funcs := Funcs[model, *testObj]{
		Create: func(_ context.Context, m model) (*testObj, error) {
			close(started)
			<-block
			return &testObj{key: m.Key, val: m.Val}, nil
		},
		Update: func(model, *testObj) {},
		Remove: func(o *testObj) {
			select {
			case discarded <- o.key:
			default:
			}
		},
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Sync(context.Background(), g, coll(model{"X", 1}), funcs, false)
	}()
	<-started

	// Second call drops X while the first call's creation is blocked.
	if err := r.Sync(context.Background(), g, map[string]model{}, (&recorder{}).funcs(nil), false); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	close(block)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("first sync: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("first sync did not finish")
	}

	select {
	case k := <-discarded:
		if k != "X" {
			t.Fatalf("discarded %q, want X", k)
		}
	default:
		t.Fatalf("late creation was not discarded")
	}
	if _, ok := r.Handle("X"); ok {
		t.Fatalf("stale handle recorded for removed key X")
	}
	if len(g.keys()) != 0 {
		t.Fatalf("stale object attached: %v", g.keys())
	}
}

func TestSync_ConcurrentCreations(t *testing.T) {
	r := New[model, *testObj]()
	g := newTestGroup()

	// All creations rendezvous before any may finish; the pass can only
	// complete if they really run concurrently.
	const n = 8
	var gate sync.WaitGroup
	gate.Add(n)

	c := map[string]model{}
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k%d", i)
		c[k] = model{Key: k, Val: i}
	}
	funcs := Funcs[model, *testObj]{
		Create: func(_ context.Context, m model) (*testObj, error) {
			gate.Done()
			gate.Wait()
			return &testObj{key: m.Key, val: m.Val}, nil
		},
		Update: func(model, *testObj) {},
	}
	done := make(chan error, 1)
	go func() { done <- r.Sync(context.Background(), g, c, funcs, false) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("sync: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("creations did not run concurrently")
	}
	if r.Len() != n {
		t.Fatalf("live objects = %d, want %d", r.Len(), n)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Package reconcile keeps a live set of scene objects in step with a keyed
// collection of model values supplied by the caller.
//
// The reconciler owns two maps: the snapshot (key -> model value as of the
// last sync) and the handle map (key -> scene-object handle). On each Sync it
// diffs the incoming collection against the snapshot, creates objects for new
// keys concurrently, updates objects for changed keys, and detaches objects
// for vanished keys. The scene graph itself is touched only through the
// Parent interface and the caller's callbacks.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
)

// Parent is the scene-graph node newly created objects are attached under.
// It is the structural owner of the objects; the reconciler only keeps
// lookup references.
type Parent[H any] interface {
	Attach(child H)
	Detach(child H)
}

// Funcs are the caller-supplied callbacks for one Sync pass.
//
// Create may be invoked concurrently with other Create invocations and must
// not assume any ordering across keys. Update and Remove are always invoked
// one at a time, serialized with each other and with the reconciler's own
// bookkeeping. None of the callbacks may call back into the reconciler.
type Funcs[M any, H any] struct {
	// Create produces a scene object for a newly appeared model value.
	// A non-nil error isolates the failure to this key: nothing is
	// recorded, updated or attached for it, and sibling creations proceed.
	Create func(ctx context.Context, m M) (H, error)

	// Update applies the model value to an existing (or just created)
	// scene object.
	Update func(m M, h H)

	// Remove, if non-nil, runs before a vanished key's object is detached
	// from the parent.
	Remove func(h H)
}

// CreateError reports a single key whose Create callback failed. Sync returns
// all of them joined; the rest of the pass is unaffected.
type CreateError struct {
	Key string
	Err error
}

func (e *CreateError) Error() string { return fmt.Sprintf("create %q: %v", e.Key, e.Err) }
func (e *CreateError) Unwrap() error { return e.Err }

// Reconciler mirrors a keyed collection of model values M into scene-object
// handles H. Keys are stable strings chosen by the caller; model equality is
// M's == (callers whose models mutate without affecting == pass force=true).
//
// A zero Reconciler is not usable; call New. One instance is long-lived and
// safe for overlapping Sync calls.
type Reconciler[M comparable, H any] struct {
	mu       sync.Mutex
	snapshot map[string]M
	handles  map[string]H
}

func New[M comparable, H any]() *Reconciler[M, H] {
	return &Reconciler[M, H]{
		snapshot: map[string]M{},
		handles:  map[string]H{},
	}
}

// Handle returns the live scene object for key, if any.
func (r *Reconciler[M, H]) Handle(key string) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	return h, ok
}

// Len reports the number of live scene objects.
func (r *Reconciler[M, H]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Keys returns the live keys in sorted order.
func (r *Reconciler[M, H]) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handles))
	for k := range r.handles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Sync reconciles the live scene objects with next.
//
// New keys are created via funcs.Create, one goroutine per key; Sync waits
// for all of them. Keys present before and after are updated in place when
// their model value changed (or unconditionally when force is set). Vanished
// keys are removed and detached. The snapshot is replaced before any
// callback runs, so a Sync issued while a previous call is still finishing
// diffs against the newer state, never the stale one.
//
// The returned error joins one *CreateError per failed creation; per-key
// failures never abort the pass.
func (r *Reconciler[M, H]) Sync(ctx context.Context, parent Parent[H], next map[string]M, funcs Funcs[M, H], force bool) error {
	r.mu.Lock()
	prev := r.snapshot
	var added, changed, removed []string
	for k, m := range next {
		old, ok := prev[k]
		switch {
		case !ok:
			added = append(added, k)
		case force || old != m:
			changed = append(changed, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(added)
	sort.Strings(changed)
	sort.Strings(removed)

	// Clone: the snapshot must not alias caller-owned storage, and this
	// pass keeps reading coll even if an overlapping Sync swaps the
	// snapshot out from under it.
	coll := maps.Clone(next)
	if coll == nil {
		coll = map[string]M{}
	}
	r.snapshot = coll
	r.mu.Unlock()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs []error
	for _, k := range added {
		wg.Add(1)
		go func(key string, m M) {
			defer wg.Done()
			h, err := funcs.Create(ctx, m)
			if err == nil && ctx != nil {
				err = ctx.Err()
			}
			if err != nil {
				errMu.Lock()
				errs = append(errs, &CreateError{Key: key, Err: err})
				errMu.Unlock()
				return
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			if _, live := r.snapshot[key]; !live {
				// A newer overlapping Sync dropped the key while we
				// were creating. Recording the handle now would orphan
				// it, so discard instead.
				if funcs.Remove != nil {
					funcs.Remove(h)
				}
				return
			}
			r.handles[key] = h
			funcs.Update(m, h)
			parent.Attach(h)
		}(k, coll[k])
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range changed {
		h, ok := r.handles[k]
		if !ok {
			// Creation failed on an earlier pass, or an overlapping call
			// already tore the key down.
			continue
		}
		funcs.Update(coll[k], h)
	}
	for _, k := range removed {
		if _, live := r.snapshot[k]; live {
			// Re-added by a newer overlapping Sync; its handle is not
			// ours to tear down.
			continue
		}
		h, ok := r.handles[k]
		if !ok {
			continue
		}
		if funcs.Remove != nil {
			funcs.Remove(h)
		}
		parent.Detach(h)
		delete(r.handles, k)
	}
	return errors.Join(errs...)
}

package memdoc

import (
	"sync"

	"github.com/mrmd/monitor/internal/crdt"
)

// anchor is this package's concrete Position: an index that Insert/Delete
// keep correct as the text around it changes. Insertions at or before an
// anchor's index push the anchor right (the anchor sticks to the content
// immediately after it) — the convention this port picks for
// "stable under concurrent insertions elsewhere" (spec.md §4.2).
type anchor struct {
	index int
}

type textObserver struct {
	id int
	fn func()
}

type sharedText struct {
	mu         sync.Mutex
	runes      []rune
	anchors    map[*anchor]struct{}
	observers  []textObserver
	nextObsID  int
	batchDepth int
	dirty      bool
}

func newSharedText() *sharedText {
	return &sharedText{anchors: make(map[*anchor]struct{})}
}

func (t *sharedText) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.runes)
}

func (t *sharedText) Insert(index int, s string) {
	t.mu.Lock()
	t.insertLocked(index, s)
	t.mu.Unlock()
	t.markDirty()
}

func (t *sharedText) insertLocked(index int, s string) {
	add := []rune(s)
	if index < 0 {
		index = 0
	}
	if index > len(t.runes) {
		index = len(t.runes)
	}
	merged := make([]rune, 0, len(t.runes)+len(add))
	merged = append(merged, t.runes[:index]...)
	merged = append(merged, add...)
	merged = append(merged, t.runes[index:]...)
	t.runes = merged

	for a := range t.anchors {
		if a.index >= index {
			a.index += len(add)
		}
	}
}

func (t *sharedText) Delete(index, length int) {
	t.mu.Lock()
	t.deleteLocked(index, length)
	t.mu.Unlock()
	t.markDirty()
}

func (t *sharedText) deleteLocked(index, length int) {
	if index < 0 {
		index = 0
	}
	end := index + length
	if end > len(t.runes) {
		end = len(t.runes)
	}
	if index >= end {
		return
	}
	removed := end - index
	t.runes = append(t.runes[:index], t.runes[end:]...)

	for a := range t.anchors {
		switch {
		case a.index >= end:
			a.index -= removed
		case a.index > index:
			a.index = index
		}
	}
}

func (t *sharedText) Transact(fn func()) {
	t.mu.Lock()
	t.batchDepth++
	t.mu.Unlock()

	fn()

	t.mu.Lock()
	t.batchDepth--
	fire := t.batchDepth == 0 && t.dirty
	var obs []func()
	if fire {
		t.dirty = false
		for _, o := range t.observers {
			obs = append(obs, o.fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range obs {
		fn()
	}
}

func (t *sharedText) markDirty() {
	t.mu.Lock()
	t.dirty = true
	fire := t.batchDepth == 0
	var obs []func()
	if fire {
		t.dirty = false
		for _, o := range t.observers {
			obs = append(obs, o.fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range obs {
		fn()
	}
}

func (t *sharedText) CreatePosition(index int) crdt.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 {
		index = 0
	}
	if index > len(t.runes) {
		index = len(t.runes)
	}
	a := &anchor{index: index}
	t.anchors[a] = struct{}{}
	return a
}

func (t *sharedText) ResolvePosition(pos crdt.Position) (int, bool) {
	a, ok := pos.(*anchor)
	if !ok {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, tracked := t.anchors[a]; !tracked {
		return 0, false
	}
	return a.index, true
}

// ReleasePosition stops tracking pos; subsequent ResolvePosition calls
// for it return ok=false. Not part of the crdt.SharedText interface — a
// reference-implementation-only affordance for tests that need to model
// an anchor's removal.
func (t *sharedText) ReleasePosition(pos crdt.Position) {
	a, ok := pos.(*anchor)
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.anchors, a)
	t.mu.Unlock()
}

func (t *sharedText) Observe(fn func()) func() {
	t.mu.Lock()
	id := t.nextObsID
	t.nextObsID++
	t.observers = append(t.observers, textObserver{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, o := range t.observers {
			if o.id == id {
				t.observers = append(t.observers[:i], t.observers[i+1:]...)
				break
			}
		}
	}
}

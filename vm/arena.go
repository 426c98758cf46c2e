package vm

import (
	"fmt"
	"sync"
)

// FrameRef is a stable handle to a frame in a runtime's frame arena. Caller
// and creator links are FrameRefs rather than pointers, so shared or cyclic
// linkage never keeps a released frame alive. A ref whose frame has been
// released no longer resolves.
type FrameRef struct {
	index uint32 // arena index + 1; zero is the nil ref
	gen   uint32
}

// NoFrame is the nil frame reference.
var NoFrame FrameRef

// IsZero reports whether r is the nil reference.
func (r FrameRef) IsZero() bool {
	return r.index == 0
}

func (r FrameRef) String() string {
	if r.IsZero() {
		return "frame(nil)"
	}
	return fmt.Sprintf("frame(%d.%d)", r.index-1, r.gen)
}

type arenaEntry struct {
	gen   uint32
	frame *Frame
}

// frameArena allocates frame handles. Released entries are reused with a
// bumped generation.
type frameArena struct {
	mu      sync.Mutex
	entries []arenaEntry
	free    []uint32
	live    int
}

func (a *frameArena) alloc(f *Frame) FrameRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		e := &a.entries[idx]
		e.gen++
		e.frame = f
		return FrameRef{index: idx + 1, gen: e.gen}
	}
	a.entries = append(a.entries, arenaEntry{gen: 1, frame: f})
	return FrameRef{index: uint32(len(a.entries)), gen: 1}
}

func (a *frameArena) get(r FrameRef) *Frame {
	if r.IsZero() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := r.index - 1
	if int(idx) >= len(a.entries) {
		return nil
	}
	e := a.entries[idx]
	if e.gen != r.gen {
		return nil
	}
	return e.frame
}

func (a *frameArena) release(r FrameRef) {
	if r.IsZero() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := r.index - 1
	if int(idx) >= len(a.entries) || a.entries[idx].gen != r.gen || a.entries[idx].frame == nil {
		return
	}
	a.entries[idx].frame = nil
	a.free = append(a.free, idx)
	a.live--
}

func (a *frameArena) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

func (a *frameArena) find(match func(*Frame) bool) FrameRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, e := range a.entries {
		if e.frame != nil && match(e.frame) {
			return FrameRef{index: uint32(i) + 1, gen: e.gen}
		}
	}
	return NoFrame
}

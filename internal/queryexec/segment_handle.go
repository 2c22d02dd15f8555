// Package queryexec implements the server-side query executor pipeline:
// segment acquisition, pruning, plan execution, and the front-door
// orchestrator.
package queryexec

import (
	"sync"

	"github.com/lychee-technology/forma/internal/setutil"

	querycore "github.com/lychee-technology/forma"
)

// segmentEntry is how the manager tracks a resident segment's refcount.
type segmentEntry struct {
	segment *querycore.Segment
	refs    int32
}

// SegmentHandle is a reference-counted handle to a resident segment,
// acquired for the duration of one query and released exactly once on
// every exit path.
type SegmentHandle struct {
	Segment *querycore.Segment
	id      string
	mgr     *SegmentManager
}

// Release decrements the handle's refcount. Safe to call exactly once;
// callers must not reuse a handle after release.
func (h SegmentHandle) Release() {
	if h.mgr != nil {
		h.mgr.release(h.id)
	}
}

// SegmentManager tracks the segments currently resident for one table and
// hands out reference-counted handles. Acquire is best-effort: ids not
// currently resident are simply absent from the result, never an error.
type SegmentManager struct {
	mu       sync.Mutex
	segments map[string]*segmentEntry
}

// NewSegmentManager builds an empty manager.
func NewSegmentManager() *SegmentManager {
	return &SegmentManager{segments: make(map[string]*segmentEntry)}
}

// Put registers (or replaces) a resident segment. Called by the storage
// layer when a segment is loaded or swapped.
func (m *SegmentManager) Put(seg *querycore.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[seg.ID] = &segmentEntry{segment: seg}
}

// Remove drops a segment from residency bookkeeping. It does not wait for
// outstanding handles to drain.
func (m *SegmentManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.segments, id)
}

// AcquireResult is the outcome of an Acquire call.
type AcquireResult struct {
	Handles            []SegmentHandle
	NumMissingSegments int
}

// Acquire resolves the given segment ids to reference-counted handles.
// Ids that are not currently resident are counted in NumMissingSegments
// rather than raising an error.
func (m *SegmentManager) Acquire(segmentIDs []string) AcquireResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles := make([]SegmentHandle, 0, len(segmentIDs))
	missing := 0
	for _, id := range segmentIDs {
		entry, ok := m.segments[id]
		if !ok {
			missing++
			continue
		}
		entry.refs++
		handles = append(handles, SegmentHandle{Segment: entry.segment, id: id, mgr: m})
	}
	return AcquireResult{Handles: handles, NumMissingSegments: missing}
}

// AllSegmentIDs returns the ids of every segment currently resident,
// in sorted order.
func (m *SegmentManager) AllSegmentIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return setutil.MapKeys(m.segments)
}

// AcquireAll acquires handles to every segment currently resident for this
// table; the front door acquires the full set it owns, not a caller-chosen
// subset.
func (m *SegmentManager) AcquireAll() AcquireResult {
	return m.Acquire(m.AllSegmentIDs())
}

func (m *SegmentManager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.segments[id]; ok {
		entry.refs--
	}
}

// RefCount returns the current reference count for id, for tests and
// diagnostics. Returns 0 if the segment is not resident.
func (m *SegmentManager) RefCount(id string) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.segments[id]
	if !ok {
		return 0
	}
	return entry.refs
}

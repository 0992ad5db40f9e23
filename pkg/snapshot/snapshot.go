// Package snapshot tracks point-in-time reader snapshots taken against a
// local event log, so that disaster recovery can invalidate any snapshot
// whose view predates a clock adjustment it performs.
package snapshot

import (
	"sync"

	"replicore/pkg/types"
	"replicore/pkg/vtime"
)

// Snapshot is a consistent, as-of view of one log: everything the reader
// saw is causally covered by Covered.
type Snapshot struct {
	LogID   types.LogID
	Covered vtime.VectorTime

	mu    sync.Mutex
	valid bool
}

// Handle is returned to a snapshot's owner. Valid reports whether the
// snapshot has since been invalidated by a recovery clock adjustment.
type Handle interface {
	Valid() bool
	Close()
}

func newSnapshot(logID types.LogID, covered vtime.VectorTime) *Snapshot {
	return &Snapshot{LogID: logID, Covered: covered, valid: true}
}

// Valid implements Handle.
func (s *Snapshot) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// Close implements Handle; a closed snapshot no longer counts toward
// Index.InvalidateBelow.
func (s *Snapshot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
}

func (s *Snapshot) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
}

// Index tracks every outstanding snapshot for a process so that recovery
// can invalidate the ones a clock rewrite has invalidated.
type Index struct {
	mu    sync.Mutex
	byLog map[types.LogID][]*Snapshot
}

// NewIndex creates an empty snapshot index.
func NewIndex() *Index {
	return &Index{byLog: make(map[types.LogID][]*Snapshot)}
}

// Take registers a new open snapshot of logID covering covered and returns
// its handle. covered is normally the log's own CurrentVectorTime at the
// moment the snapshot's reader began scanning.
func (idx *Index) Take(logID types.LogID, covered vtime.VectorTime) Handle {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	s := newSnapshot(logID, covered)
	idx.byLog[logID] = append(idx.byLog[logID], s)
	return s
}

// InvalidateBelow marks every still-open snapshot of logID whose Covered
// vector time is not <= currentVT as invalid: the snapshot's reader saw
// events that currentVT — the log's vector time after recovery has run —
// no longer accounts for, so its view can no longer be trusted. A snapshot
// whose Covered is still <= currentVT reflects a subset of what the log
// still has and remains valid, which is why ordinary bidirectional
// catch-up (no data loss) leaves every open snapshot untouched: a log's
// vector time only grows during normal replication.
func (idx *Index) InvalidateBelow(logID types.LogID, currentVT vtime.VectorTime) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	live := idx.byLog[logID][:0]
	for _, s := range idx.byLog[logID] {
		if s.Valid() && !s.Covered.LessOrEqual(currentVT) {
			s.invalidate()
		}
		if s.Valid() {
			live = append(live, s)
		}
	}
	idx.byLog[logID] = live
}

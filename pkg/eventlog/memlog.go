package eventlog

import (
	"context"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"replicore/pkg/clock"
	"replicore/pkg/event"
	"replicore/pkg/filters"
	"replicore/pkg/types"
	"replicore/pkg/vtime"
)

// MemLog is an in-memory Log, backed by a lock-free skip list keyed by
// sequence number so concurrent readers never block a writer. It is the
// reference implementation used by tests and the standalone demo endpoint;
// it holds no data across process restarts.
type MemLog struct {
	id types.LogID

	seq     *clock.AtomicClock
	entries *skipmap.Uint64Map[event.DurableEvent]

	mu        sync.Mutex
	vt        vtime.VectorTime
	progress  map[types.LogID]types.SequenceNr
	deletedTo types.SequenceNr
	waiters   map[types.SequenceNr][]chan struct{}
}

// NewMemLog creates an empty MemLog with the given identity.
func NewMemLog(id types.LogID) *MemLog {
	return &MemLog{
		id:       id,
		seq:      clock.NewAtomic(0),
		entries:  skipmap.NewUint64[event.DurableEvent](),
		vt:       vtime.VectorTime{},
		progress: make(map[types.LogID]types.SequenceNr),
		waiters:  make(map[types.SequenceNr][]chan struct{}),
	}
}

// ID implements Log.
func (l *MemLog) ID() types.LogID { return l.id }

// Append implements Log.
func (l *MemLog) Append(_ context.Context, payload []byte, causalContext vtime.VectorTime, emitter types.EndpointID) (event.DurableEvent, error) {
	l.mu.Lock()
	seq := types.SequenceNr(l.seq.Next())
	merged := l.vt.Merge(causalContext).Set(emitter, seq)
	l.vt = merged
	l.mu.Unlock()

	e := event.DurableEvent{
		Payload:         payload,
		EmitterID:       emitter,
		LogID:           l.id,
		ProcessID:       l.id,
		VectorTimestamp: merged,
	}
	stored := e.WithLocalMetadata(l.id, seq)
	l.entries.Store(uint64(seq), stored)
	l.wake(seq)
	return stored, nil
}

// Read implements Log.
func (l *MemLog) Read(_ context.Context, fromSeq types.SequenceNr, maxEvents, scanLimit int, filter filters.Filter) ([]event.DurableEvent, types.SequenceNr, error) {
	if maxEvents <= 0 {
		maxEvents = 1
	}
	if filter == nil {
		filter = filters.NoFilter
	}

	out := make([]event.DurableEvent, 0, maxEvents)
	scanned := 0
	var lastScanned types.SequenceNr
	if fromSeq > 0 {
		lastScanned = fromSeq - 1
	}
	l.entries.Range(func(seq uint64, e event.DurableEvent) bool {
		if types.SequenceNr(seq) < fromSeq {
			return true
		}
		if scanned >= scanLimit || len(out) >= maxEvents {
			return false
		}
		scanned++
		lastScanned = types.SequenceNr(seq)
		if filter.Apply(e) {
			out = append(out, e)
		}
		return true
	})

	head, _ := l.CurrentSequenceNr(context.Background())
	newProgress := lastScanned
	if head < newProgress {
		newProgress = head
	}
	return out, newProgress, nil
}

// GetReplicationProgress implements Log.
func (l *MemLog) GetReplicationProgress(_ context.Context, sourceLogID types.LogID) (types.SequenceNr, vtime.VectorTime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progress[sourceLogID], l.vt.Copy(), nil
}

// ReplicationWrite implements Log.
func (l *MemLog) ReplicationWrite(_ context.Context, events []event.DurableEvent, progress types.SequenceNr, sourceLogID types.LogID, sourceVT vtime.VectorTime, continueFlag bool) (WriteResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	applied := 0
	for _, e := range events {
		// I1: discard any event whose vector time is already known.
		if e.VectorTimestamp.LessOrEqual(l.vt) {
			continue
		}
		seq := types.SequenceNr(l.seq.Next())
		stored := e.WithLocalMetadata(l.id, seq)
		l.entries.Store(uint64(seq), stored)
		l.vt = l.vt.Merge(e.VectorTimestamp)
		applied++
	}
	l.vt = l.vt.Merge(sourceVT)

	if progress > l.progress[sourceLogID] {
		l.progress[sourceLogID] = progress
	}

	result := WriteResult{
		StoredProgress: l.progress[sourceLogID],
		TargetVT:       l.vt.Copy(),
		Applied:        applied,
	}
	if applied > 0 {
		l.wakeLocked(types.SequenceNr(l.seq.Val()))
	}
	return result, nil
}

// ResetReplicationProgress implements Log.
func (l *MemLog) ResetReplicationProgress(_ context.Context, sourceLogID types.LogID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.progress, sourceLogID)
	return nil
}

// Delete implements Log.
func (l *MemLog) Delete(_ context.Context, toSeq types.SequenceNr, _ []types.LogID) (types.SequenceNr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := types.SequenceNr(l.seq.Val())
	watermark := toSeq
	if current < watermark {
		watermark = current
	}
	if watermark > l.deletedTo {
		l.deletedTo = watermark
	}
	return l.deletedTo, nil
}

// CurrentSequenceNr implements Log.
func (l *MemLog) CurrentSequenceNr(_ context.Context) (types.SequenceNr, error) {
	return types.SequenceNr(l.seq.Val()), nil
}

// CurrentVectorTime implements Log.
func (l *MemLog) CurrentVectorTime(_ context.Context) (vtime.VectorTime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vt.Copy(), nil
}

// AdjustClock implements Log.
func (l *MemLog) AdjustClock(_ context.Context, minSequenceNr types.SequenceNr) error {
	if types.SequenceNr(l.seq.Val()) >= minSequenceNr {
		return nil
	}
	l.seq.Set(uint64(minSequenceNr))
	return nil
}

// Notify implements Notifier.
func (l *MemLog) Notify(fromSeq types.SequenceNr) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if types.SequenceNr(l.seq.Val()) >= fromSeq {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{})
	l.waiters[fromSeq] = append(l.waiters[fromSeq], ch)
	return ch
}

func (l *MemLog) wake(seq types.SequenceNr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wakeLocked(seq)
}

func (l *MemLog) wakeLocked(seq types.SequenceNr) {
	for target, chans := range l.waiters {
		if target > seq {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(l.waiters, target)
	}
}

var _ Log = (*MemLog)(nil)
var _ Notifier = (*MemLog)(nil)

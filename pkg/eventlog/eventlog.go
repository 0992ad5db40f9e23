// Package eventlog defines the durable local event log contract that the
// replication core reads from and writes to, plus an in-memory reference
// implementation. The real durable engine (physical storage, compaction,
// physical deletion) is an external collaborator per the module's scope and
// is not reimplemented here; this package only fixes the contract shape
// replication depends on.
package eventlog

import (
	"context"

	"replicore/pkg/event"
	"replicore/pkg/filters"
	"replicore/pkg/types"
	"replicore/pkg/vtime"
)

// WriteResult is returned by ReplicationWrite.
type WriteResult struct {
	// StoredProgress is the new progress[sourceLogID] watermark after the
	// write, i.e. the caller-supplied progress value once durably recorded.
	StoredProgress types.SequenceNr

	// TargetVT is this log's vector time immediately after merging the
	// batch's causal information.
	TargetVT vtime.VectorTime

	// Applied is the count of events actually appended; events whose
	// vector time was already dominated by TargetVT-before-merge are
	// silently deduplicated and excluded from this count.
	Applied int
}

// Log is the storage contract every local event log satisfies. It must
// hand out gapless, monotonically increasing sequence numbers (invariant
// I1/I5) and never reorder previously appended events on read (I2).
type Log interface {
	// ID returns this log's identity.
	ID() types.LogID

	// Append durably stores a locally-originated event, stamping it with
	// the next sequence number and merging its vector time into the log's
	// own. Used for events the owning application writes directly, not for
	// replicated events (see ReplicationWrite).
	Append(ctx context.Context, payload []byte, causalContext vtime.VectorTime, emitter types.EndpointID) (event.DurableEvent, error)

	// Read serves this log as a replication source: returns up to
	// maxEvents events with local sequence number >= fromSeq, scanning at
	// most scanLimit sequence slots and skipping any event filter rejects,
	// along with newProgress = min(lastScannedSeq, currentHead) per §4.3's
	// read-batch semantics.
	Read(ctx context.Context, fromSeq types.SequenceNr, maxEvents, scanLimit int, filter filters.Filter) (events []event.DurableEvent, newProgress types.SequenceNr, err error)

	// GetReplicationProgress returns how far this log (as a replication
	// target) has consumed sourceLogID, and this log's current vector
	// time (sent to the source so it can pre-filter already-known events).
	GetReplicationProgress(ctx context.Context, sourceLogID types.LogID) (types.SequenceNr, vtime.VectorTime, error)

	// ReplicationWrite durably applies a batch of events read from
	// sourceLogID, discarding any event whose vector time is already <=
	// this log's vector time at apply time (I1/P2), then advances
	// progress[sourceLogID] to progress (I2 requires progress be
	// monotone; callers must not call with a lower value than previously
	// recorded).
	ReplicationWrite(ctx context.Context, events []event.DurableEvent, progress types.SequenceNr, sourceLogID types.LogID, sourceVT vtime.VectorTime, continueFlag bool) (WriteResult, error)

	// ResetReplicationProgress forgets progress[sourceLogID], used by
	// disaster recovery step 2 to make a target forget what it had
	// previously ingested from a source that is itself recovering, since
	// the source's own sequence numbering may no longer align with what
	// this log remembers.
	ResetReplicationProgress(ctx context.Context, sourceLogID types.LogID) error

	// Delete records a logical deletion watermark: the effective watermark
	// becomes max(previous, min(toSeq, currentSequenceNr)). remoteLogIDs
	// names the remotes physical deletion (external) must wait for.
	Delete(ctx context.Context, toSeq types.SequenceNr, remoteLogIDs []types.LogID) (types.SequenceNr, error)

	// CurrentSequenceNr returns the highest local sequence number written
	// so far, or 0 for an empty log.
	CurrentSequenceNr(ctx context.Context) (types.SequenceNr, error)

	// CurrentVectorTime returns this log's current aggregate vector time.
	CurrentVectorTime(ctx context.Context) (vtime.VectorTime, error)

	// AdjustClock ensures CurrentSequenceNr >= minSequenceNr, restoring I5
	// after disaster recovery may have applied fewer events than were
	// lost. A no-op if the log's sequence number already dominates.
	AdjustClock(ctx context.Context, minSequenceNr types.SequenceNr) error
}

// Notifier is implemented by logs that can wake up a blocked reader as
// soon as a new event is written, letting a replicator's Reading state
// avoid polling for push-triggered re-reads.
type Notifier interface {
	// Notify returns a channel closed exactly once, the next time an event
	// is appended at or above fromSeq. Callers must call it again after it
	// fires to wait for the next update.
	Notify(fromSeq types.SequenceNr) <-chan struct{}
}

// Package event defines the durable event record that flows through logs,
// replication links, and filters. It is kept dependency-light so that both
// the log storage layer and the replication layer can import it without
// forming a cycle.
package event

import (
	"replicore/pkg/types"
	"replicore/pkg/vtime"
)

// DurableEvent is the unit of replication: a single application event tagged
// with enough provenance to be causally ordered, deduplicated, and filtered.
type DurableEvent struct {
	// Payload is the opaque application data, decoded by the caller.
	Payload []byte

	// EmitterID is the endpoint at which this event was first written.
	EmitterID types.EndpointID

	// LogID is the identity of the log this event lives in locally.
	LogID types.LogID

	// LocalLogID/LocalSequenceNr identify the event's position in the log
	// that stored it (which may differ from the log that first emitted it,
	// once the event has been replicated onward).
	LocalLogID     types.LogID
	LocalSequenceNr types.SequenceNr

	// ProcessID names the log that originally created the event (spec's
	// "process id" for an event, distinct from the current storing log).
	ProcessID types.LogID

	// VectorTimestamp records, transitively, everything causally known by
	// the emitter at the moment this event was created.
	VectorTimestamp vtime.VectorTime

	// SystemTimestamp is a wall-clock hint, not used for ordering.
	SystemTimestamp int64

	// EmitterApplicationVersion snapshots the writer's application version,
	// letting the acceptor enforce forward-compatible-only replication.
	EmitterApplicationVersion types.ApplicationVersion
}

// WithLocalMetadata returns a copy of e stamped with its position in a
// specific log, as done when an event is appended locally.
func (e DurableEvent) WithLocalMetadata(logID types.LogID, seq types.SequenceNr) DurableEvent {
	e.LocalLogID = logID
	e.LocalSequenceNr = seq
	return e
}

// IsEmittedBy reports whether id originally wrote this event.
func (e DurableEvent) IsEmittedBy(id types.EndpointID) bool {
	return e.EmitterID == id
}

// Package wire defines the message schemas exchanged between replication
// endpoints over pkg/transport, and the binary codec used to serialize
// them.
package wire

import (
	"replicore/pkg/event"
	"replicore/pkg/filters"
	"replicore/pkg/types"
	"replicore/pkg/vtime"
)

// GetReplicationEndpointInfo requests the responder's log heads.
type GetReplicationEndpointInfo struct {
	RequesterID types.EndpointID
}

// ReplicationEndpointInfo is what a peer publishes to describe the heads
// of its logs.
type ReplicationEndpointInfo struct {
	EndpointID     types.EndpointID
	LogSequenceNrs map[types.LogName]types.SequenceNr
}

// SynchronizeProgressRequest asks the remote to forget its stored
// target->source progress for the requester and report its current log
// heads, disaster recovery step 2 (§4.6): the requester's local sequence
// numbering may no longer match what the remote remembers ingesting from
// it, so the remote must not trust its old watermark.
type SynchronizeProgressRequest struct {
	RequesterID types.EndpointID
	LocalInfo   ReplicationEndpointInfo
}

// ReplicationRead is a pull request for events from a source log.
type ReplicationRead struct {
	FromSeq      types.SequenceNr
	MaxEvents    int
	ScanLimit    int
	TargetLogID  types.LogID
	ReplierAddr  types.PeerAddress
	TargetVT     vtime.VectorTime
}

// ReplicationReadEnvelope wraps a ReplicationRead with the identity
// information the acceptor needs to apply the compatibility gate and
// resolve filters before running it.
type ReplicationReadEnvelope struct {
	Read          ReplicationRead
	SourceLogName types.LogName
	AppName       types.ApplicationName
	AppVersion    types.ApplicationVersion
	CorrelationID string
	AuthToken     string
}

// ReplicationReadSuccess is the acceptor's positive reply to a read.
type ReplicationReadSuccess struct {
	Events      []event.DurableEvent
	FromSeq     types.SequenceNr
	NewProgress types.SequenceNr
	TargetLogID types.LogID
	SourceVT    vtime.VectorTime
}

// Continue reports whether the replicator should immediately re-read
// without waiting the retry delay, per the read-batch "continue" rule.
func (r ReplicationReadSuccess) Continue() bool {
	return r.NewProgress >= r.FromSeq
}

// ReplicationReadFailure is the acceptor's negative reply, or a
// synthesized timeout.
type ReplicationReadFailure struct {
	Cause       error
	TargetLogID types.LogID
}

// GetReplicationProgressSuccess/Failure are local-log command replies.
type GetReplicationProgressSuccess struct {
	Progress types.SequenceNr
	TargetVT vtime.VectorTime
}

type GetReplicationProgressFailure struct {
	Cause error
}

// ReplicationWriteSuccess/Failure are local-log command replies.
type ReplicationWriteSuccess struct {
	Applied        int
	StoredProgress types.SequenceNr
	SourceLogID    types.LogID
	TargetVT       vtime.VectorTime
	ContinueFlag   bool
}

type ReplicationWriteFailure struct {
	Cause error
}

// FilterDescriptor is the wire-safe stand-in for an application filter: the
// core only composes filters (pkg/filters), it never serializes filter
// logic itself, so a descriptor just names one for the peer's own registry.
type FilterDescriptor struct {
	Name string
}

// Resolve looks fd up in a caller-supplied registry, defaulting to NoFilter.
func (fd FilterDescriptor) Resolve(registry map[string]filters.Filter) filters.Filter {
	if fd.Name == "" {
		return filters.NoFilter
	}
	if f, ok := registry[fd.Name]; ok {
		return f
	}
	return filters.NoFilter
}

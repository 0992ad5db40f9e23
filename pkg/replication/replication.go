// Package replication holds the addressing and link data model shared by
// the connector, replicator, and recovery coordinator: connections to
// remote endpoints, the source/target/link triples a connection resolves
// into, and the recovery-time variant that additionally carries head
// positions captured at recovery start.
package replication

import (
	"replicore/pkg/eventlog"
	"replicore/pkg/filters"
	"replicore/pkg/types"
)

// Connection is an addressing record for one remote endpoint: where to
// reach its acceptor, and any per-log-name filters this connection applies
// to logs pulled from it.
type Connection struct {
	Host           string
	Port           int
	PeerSystemName string
	PerLogFilters  map[types.LogName]filters.Filter
}

// Address renders this connection's peer address using protocol proto.
func (c Connection) Address(proto string) types.PeerAddress {
	return types.PeerAddress{Protocol: proto, SystemName: c.PeerSystemName, Host: c.Host, Port: c.Port}
}

// FilterFor returns the connection-supplied filter for logName, or
// filters.NoFilter if none was configured.
func (c Connection) FilterFor(logName types.LogName) filters.Filter {
	if f, ok := c.PerLogFilters[logName]; ok && f != nil {
		return f
	}
	return filters.NoFilter
}

// IsFiltered reports whether this connection applies a non-trivial filter
// to logName (spec's "filtered link" classification used to order
// recovery).
func (c Connection) IsFiltered(logName types.LogName) bool {
	f, ok := c.PerLogFilters[logName]
	return ok && f != nil && f != filters.NoFilter
}

// EndpointInfo is what a peer publishes to describe the heads of its logs.
type EndpointInfo struct {
	EndpointID     types.EndpointID
	LogSequenceNrs map[types.LogName]types.SequenceNr
}

// LogNames returns the set of log names this info advertises.
func (info EndpointInfo) LogNames() map[types.LogName]struct{} {
	out := make(map[types.LogName]struct{}, len(info.LogSequenceNrs))
	for name := range info.LogSequenceNrs {
		out[name] = struct{}{}
	}
	return out
}

// Source identifies the remote side of a replication link.
type Source struct {
	EndpointID  types.EndpointID
	LogName     types.LogName
	LogID       types.LogID
	AcceptorAddr types.PeerAddress
}

// Target identifies the local side of a replication link.
type Target struct {
	OwningEndpoint types.EndpointID
	LogName        types.LogName
	LogID          types.LogID
	Log            eventlog.Log
}

// Link is a unidirectional (source, target) pair driven by one Replicator.
type Link struct {
	Source Source
	Target Target
}

// RecoveryLink additionally carries the peer's head sequence number
// captured at the moment recovery started, so recover_links knows when a
// link has caught back up.
type RecoveryLink struct {
	Link             Link
	RemoteSequenceNr types.SequenceNr
}

// CommonLogNames computes the commutative set intersection of two log-name
// sets, per §8's law for common_log_names.
func CommonLogNames(a, b map[types.LogName]struct{}) map[types.LogName]struct{} {
	small, large := a, b
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(map[types.LogName]struct{})
	for name := range small {
		if _, ok := large[name]; ok {
			out[name] = struct{}{}
		}
	}
	return out
}

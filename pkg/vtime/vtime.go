// Package vtime implements the vector-time causality tracking used to
// deduplicate and order events flowing between replication endpoints.
package vtime

import (
	"sort"
	"strings"

	"replicore/pkg/types"
)

// VectorTime maps each endpoint to the highest sequence number of that
// endpoint's log the local process has observed, directly or transitively.
// The zero value is the empty vector time (bottom of the join-semilattice).
type VectorTime map[types.EndpointID]types.SequenceNr

// New builds a VectorTime from a set of (endpoint, seq) pairs.
func New(pairs map[types.EndpointID]types.SequenceNr) VectorTime {
	vt := make(VectorTime, len(pairs))
	for k, v := range pairs {
		vt[k] = v
	}
	return vt
}

// Get returns the recorded sequence number for id, or 0 if unseen.
func (vt VectorTime) Get(id types.EndpointID) types.SequenceNr {
	return vt[id]
}

// Copy returns an independent copy.
func (vt VectorTime) Copy() VectorTime {
	out := make(VectorTime, len(vt))
	for k, v := range vt {
		out[k] = v
	}
	return out
}

// Set returns a copy of vt with id bumped to seq, provided seq is an advance.
func (vt VectorTime) Set(id types.EndpointID, seq types.SequenceNr) VectorTime {
	out := vt.Copy()
	if seq > out[id] {
		out[id] = seq
	}
	return out
}

// Merge computes the least upper bound (join) of vt and other: the
// coordinate-wise maximum. This is the join-semilattice operation vector
// times must obey — commutative, associative, idempotent.
func (vt VectorTime) Merge(other VectorTime) VectorTime {
	out := vt.Copy()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// LessOrEqual reports whether vt happened-before-or-with other: every
// coordinate of vt is <= the same coordinate of other.
func (vt VectorTime) LessOrEqual(other VectorTime) bool {
	for k, v := range vt {
		if v > other[k] {
			return false
		}
	}
	return true
}

// Equal reports coordinate-wise equality, ignoring zero-valued absent keys.
func (vt VectorTime) Equal(other VectorTime) bool {
	return vt.LessOrEqual(other) && other.LessOrEqual(vt)
}

// Concurrent reports whether neither vt <= other nor other <= vt: the two
// vector times are causally incomparable.
func (vt VectorTime) Concurrent(other VectorTime) bool {
	return !vt.LessOrEqual(other) && !other.LessOrEqual(vt)
}

// Dominates reports whether other happened strictly before vt: other <= vt
// and the two are not equal. Used where a caller needs to distinguish a
// genuine causal advance from the reflexive case LessOrEqual alone allows.
func (vt VectorTime) Dominates(other VectorTime) bool {
	return other.LessOrEqual(vt) && !vt.Equal(other)
}

// String renders a deterministic, sorted representation for logging.
func (vt VectorTime) String() string {
	ids := make([]string, 0, len(vt))
	for k := range vt {
		ids = append(ids, string(k))
	}
	sort.Strings(ids)
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(id)
		b.WriteByte(':')
		b.WriteString(seqString(vt[types.EndpointID(id)]))
	}
	b.WriteByte('}')
	return b.String()
}

func seqString(s types.SequenceNr) string {
	// small, allocation-light itoa for the common single/double digit case
	if s == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for s > 0 {
		i--
		buf[i] = byte('0' + s%10)
		s /= 10
	}
	return string(buf[i:])
}

// Package filters implements the endpoint filter composition algebra: which
// events flow across a replication link, decided independently by the
// source side (what it is willing to emit) and the target side (what it is
// willing to accept), then combined.
package filters

import (
	"replicore/pkg/event"
	"replicore/pkg/types"
)

// Filter decides whether an event should pass through a replication link.
type Filter interface {
	Apply(e event.DurableEvent) bool
}

// FilterFunc adapts a plain function to Filter.
type FilterFunc func(event.DurableEvent) bool

// Apply implements Filter.
func (f FilterFunc) Apply(e event.DurableEvent) bool { return f(e) }

// noFilter is the identity element of the composition algebra: it always
// lets events through.
type noFilter struct{}

func (noFilter) Apply(event.DurableEvent) bool { return true }

// NoFilter is the identity Filter: `and(NoFilter, f) == f` for all f.
var NoFilter Filter = noFilter{}

// isNoFilter detects the identity so the composition helpers below can skip
// wrapping and keep chains short.
func isNoFilter(f Filter) bool {
	_, ok := f.(noFilter)
	return ok
}

// and composes two filters conjunctively: an event passes only if it passes
// both. NoFilter is the identity for this operation.
func and(a, b Filter) Filter {
	switch {
	case isNoFilter(a):
		return b
	case isNoFilter(b):
		return a
	default:
		return FilterFunc(func(e event.DurableEvent) bool {
			return a.Apply(e) && b.Apply(e)
		})
	}
}

// leftIdentity returns a Filter equivalent to f but normalizes a nil f to
// NoFilter, so callers never need a nil check.
func leftIdentity(f Filter) Filter {
	if f == nil {
		return NoFilter
	}
	return f
}

// Provider resolves the effective filter for one replication link, given
// the target log receiving events and the source log name they came from.
type Provider interface {
	FilterFor(targetLogID types.LogID, sourceLogName types.LogName) Filter
}

type staticProvider struct {
	byTarget map[types.LogID]Filter
	bySource map[types.LogName]Filter
	pairs    map[pairKey]Filter
}

type pairKey struct {
	target types.LogID
	source types.LogName
}

// FilterFor implements Provider by combining any filter registered for the
// target log with any filter registered for the source log name, or an
// explicit pair override when present.
func (p *staticProvider) FilterFor(targetLogID types.LogID, sourceLogName types.LogName) Filter {
	if f, ok := p.pairs[pairKey{targetLogID, sourceLogName}]; ok {
		return leftIdentity(f)
	}
	tf := leftIdentity(p.byTarget[targetLogID])
	sf := leftIdentity(p.bySource[sourceLogName])
	return and(tf, sf)
}

// NoFilters returns a Provider that never filters anything.
func NoFilters() Provider {
	return &staticProvider{}
}

// TargetFilters returns a Provider consulting only per-target-log filters;
// any source not listed sees NoFilter on the source side.
func TargetFilters(byTarget map[types.LogID]Filter) Provider {
	return &staticProvider{byTarget: byTarget}
}

// SourceFilters returns a Provider consulting only per-source-log-name
// filters; every target sees NoFilter on the target side.
func SourceFilters(bySource map[types.LogName]Filter) Provider {
	return &staticProvider{bySource: bySource}
}

// TargetAndSource combines independently-configured target- and
// source-side filters with logical AND: an event must satisfy both to
// cross the link.
func TargetAndSource(byTarget map[types.LogID]Filter, bySource map[types.LogName]Filter) Provider {
	return &staticProvider{byTarget: byTarget, bySource: bySource}
}

// TargetOverwritesSource returns a Provider where, for any target log that
// has a registered filter, that filter alone governs (ignoring the
// source-side filter for that log name); targets without an override fall
// back to the source-side filter.
func TargetOverwritesSource(byTarget map[types.LogID]Filter, bySource map[types.LogName]Filter) Provider {
	return &overwriteProvider{byTarget: byTarget, bySource: bySource}
}

type overwriteProvider struct {
	byTarget map[types.LogID]Filter
	bySource map[types.LogName]Filter
}

func (p *overwriteProvider) FilterFor(targetLogID types.LogID, sourceLogName types.LogName) Filter {
	if f, ok := p.byTarget[targetLogID]; ok {
		return leftIdentity(f)
	}
	return leftIdentity(p.bySource[sourceLogName])
}

package filters

import (
	"testing"

	"replicore/pkg/event"
	"replicore/pkg/types"
)

func evt(payloadLen int) event.DurableEvent {
	return event.DurableEvent{Payload: make([]byte, payloadLen)}
}

func TestNoFilterIsIdentity(t *testing.T) {
	big := FilterFunc(func(e event.DurableEvent) bool { return len(e.Payload) > 10 })
	composed := and(NoFilter, big)
	if composed.Apply(evt(1)) != big.Apply(evt(1)) {
		t.Fatal("and(NoFilter, f) must behave exactly like f")
	}
	if composed.Apply(evt(20)) != big.Apply(evt(20)) {
		t.Fatal("and(NoFilter, f) must behave exactly like f")
	}
}

func TestAndIsConjunctive(t *testing.T) {
	even := FilterFunc(func(e event.DurableEvent) bool { return len(e.Payload)%2 == 0 })
	over5 := FilterFunc(func(e event.DurableEvent) bool { return len(e.Payload) > 5 })
	both := and(even, over5)

	cases := []struct {
		length int
		want   bool
	}{
		{4, false},  // even but not >5
		{6, true},   // even and >5
		{7, false},  // >5 but odd
		{2, false},  // even but not >5
	}
	for _, c := range cases {
		if got := both.Apply(evt(c.length)); got != c.want {
			t.Errorf("len=%d: got %v want %v", c.length, got, c.want)
		}
	}
}

func TestTargetAndSourceProvider(t *testing.T) {
	targetLog := types.LogID("target-1")
	sourceLog := types.LogName("orders")

	targetFilter := FilterFunc(func(e event.DurableEvent) bool { return len(e.Payload) > 0 })
	sourceFilter := FilterFunc(func(e event.DurableEvent) bool { return len(e.Payload) < 100 })

	p := TargetAndSource(
		map[types.LogID]Filter{targetLog: targetFilter},
		map[types.LogName]Filter{sourceLog: sourceFilter},
	)

	f := p.FilterFor(targetLog, sourceLog)
	if f.Apply(evt(0)) {
		t.Fatal("empty payload should fail the target-side filter")
	}
	if !f.Apply(evt(1)) {
		t.Fatal("small nonempty payload should pass both filters")
	}
	if f.Apply(evt(200)) {
		t.Fatal("oversized payload should fail the source-side filter")
	}
}

func TestTargetOverwritesSourceFallsBackWhenNoOverride(t *testing.T) {
	sourceLog := types.LogName("audit")
	sourceFilter := FilterFunc(func(e event.DurableEvent) bool { return len(e.Payload) > 3 })

	p := TargetOverwritesSource(nil, map[types.LogName]Filter{sourceLog: sourceFilter})
	f := p.FilterFor(types.LogID("unregistered-target"), sourceLog)

	if f.Apply(evt(1)) {
		t.Fatal("should fall back to the source filter and reject a short payload")
	}
	if !f.Apply(evt(10)) {
		t.Fatal("should fall back to the source filter and accept a long payload")
	}
}

func TestTargetOverwritesSourceIgnoresSourceWhenOverridden(t *testing.T) {
	targetLog := types.LogID("target-2")
	sourceLog := types.LogName("audit")

	targetFilter := FilterFunc(func(e event.DurableEvent) bool { return true })
	sourceFilter := FilterFunc(func(e event.DurableEvent) bool { return false })

	p := TargetOverwritesSource(
		map[types.LogID]Filter{targetLog: targetFilter},
		map[types.LogName]Filter{sourceLog: sourceFilter},
	)
	f := p.FilterFor(targetLog, sourceLog)
	if !f.Apply(evt(0)) {
		t.Fatal("target override must win over a rejecting source filter")
	}
}

func TestNoFilters(t *testing.T) {
	p := NoFilters()
	f := p.FilterFor(types.LogID("x"), types.LogName("y"))
	if !f.Apply(evt(0)) {
		t.Fatal("NoFilters provider must always pass events through")
	}
}

// Package stats counts engine activity, adapted from the kernel's stats
// package: the same Counter_t type and reflect-driven Stats2String dump,
// but unconditionally active (the kernel gates its counters behind a
// const Stats = false compiled-out switch; this engine's counters are the
// whole point of the package, so there is nothing to gate) and specialised
// to the set of events spec.md's engine actually produces.
package stats

import (
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/google/pprof/profile"
	"golang.org/x/text/message"
)

/// Counter_t is a statistical counter, safe for concurrent use.
type Counter_t struct {
	v atomic.Int64
}

/// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	c.Add(1)
}

/// Add adds delta to the counter.
func (c *Counter_t) Add(delta int64) {
	c.v.Add(delta)
}

/// Load returns the counter's current value.
func (c *Counter_t) Load() int64 {
	return c.v.Load()
}

/// EngineStats collects the engine's running counters. Every field must
/// be a Counter_t for String and Profile to pick it up via reflection,
/// matching the kernel's Stats2String convention.
type EngineStats struct {
	Registrations      Counter_t // successful Register calls
	Unregistrations    Counter_t // successful Unregister calls
	NotifyRegister     Counter_t // REGISTER notifications dispatched to observers
	NotifyUnregister   Counter_t // UNREGISTER notifications dispatched to observers
	MidTablesAllocated Counter_t // mid-tables allocated across all maps
	FaultErrors        Counter_t // FAULT returns from the vtophys notifier
	BusyErrors         Counter_t // BUSY returns from SetTranslation/SetCount
	InvalidArgErrors   Counter_t // INVALID_ARG returns from Register/Unregister
}

/// String renders every counter as "name: value", using
/// golang.org/x/text/message for locale-aware thousands separators —
/// the same role the kernel's Stats2String plays for its own counters,
/// extended with locale formatting since these counters are meant for a
/// human reading a terminal, not a kernel debug console.
func (s *EngineStats) String() string {
	p := message.NewPrinter(message.MatchLanguage("en"))
	v := reflect.ValueOf(s).Elem()
	var b strings.Builder
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		c, ok := f.Addr().Interface().(*Counter_t)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", v.Type().Field(i).Name, p.Sprintf("%d", c.Load()))
	}
	return b.String()
}

/// Profile renders the counters as a minimal pprof profile with a single
/// "count" sample type and one sample per counter, labelled by name. The
/// kernel's go.mod requires github.com/google/pprof without any package in
/// the retrieved sources importing it; this is where that dependency is
/// put to work, as a way to ship engine counters through the same
/// profile.Profile format operators already have tooling for.
func (s *EngineStats) Profile() *profile.Profile {
	v := reflect.ValueOf(s).Elem()
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "count", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "snapshot", Unit: "count"},
		Period:     1,
	}
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		c, ok := f.Addr().Interface().(*Counter_t)
		if !ok {
			continue
		}
		name := v.Type().Field(i).Name
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{c.Load()},
			Label: map[string][]string{"counter": {name}},
		})
	}
	return p
}

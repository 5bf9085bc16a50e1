// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package targets tracks the monitoring targets currently advertised over
// inbound relations. The same logical check routinely arrives over two
// relations at once, because the nrpe subordinate and its principal both
// publish it; the registry folds those into one target and only forgets it
// when every contributing relation has departed.
package targets

import (
	"sort"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/names/v5"
	"github.com/juju/naturalsort"
)

var logger = loggo.GetLogger("cosproxy.targets")

// Kind classifies a target by what it exports.
type Kind string

const (
	// KindNRPE is a legacy NRPE check, scraped through the bundled
	// nrpe-exporter and alerted on.
	KindNRPE Kind = "nrpe"

	// KindScrape is a plain Prometheus metrics endpoint.
	KindScrape Kind = "scrape"
)

// Target is one monitored entity.
type Target struct {
	// Unit owns the target, e.g. "ubuntu/5".
	Unit string

	// Application is the owning application, e.g. "ubuntu".
	Application string

	// CheckName is the NRPE check command for KindNRPE targets. It is
	// empty for plain scrape targets, which one unit has at most one of.
	CheckName string

	Kind    Kind
	Address string
	Port    int

	// Labels carries extra labels attached at the source, such as the
	// nagios host context.
	Labels map[string]string
}

// Validate returns an error if the target cannot be registered.
func (t Target) Validate() error {
	if !names.IsValidUnit(t.Unit) {
		return errors.NotValidf("target unit %q", t.Unit)
	}
	if t.Kind != KindNRPE && t.Kind != KindScrape {
		return errors.NotValidf("target kind %q", t.Kind)
	}
	if t.Kind == KindNRPE && t.CheckName == "" {
		return errors.NotValidf("nrpe target for %q without check name", t.Unit)
	}
	if t.Address == "" {
		return errors.NotValidf("target for %q without address", t.Unit)
	}
	return nil
}

func (t Target) sameShape(other Target) bool {
	if t.Kind != other.Kind || t.Address != other.Address || t.Port != other.Port {
		return false
	}
	if len(t.Labels) != len(other.Labels) {
		return false
	}
	for k, v := range t.Labels {
		if other.Labels[k] != v {
			return false
		}
	}
	return true
}

type targetKey struct {
	unit  string
	check string
}

type entry struct {
	target Target

	// sources is the set of relation endpoints still advertising this
	// target. The entry lives until the set drains.
	sources set.Strings
}

// Registry holds the current target set. It is rebuilt from relation data on
// every reconciliation pass and is not safe for concurrent use; the engine
// is single threaded by design.
type Registry struct {
	entries map[targetKey]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[targetKey]*entry)}
}

// Upsert inserts or replaces the target as seen from the given relation
// endpoint. When the same (unit, check) pair is already known from another
// relation, the two merge into one logical target; if their metadata
// disagrees the newcomer wins, which is logged since it usually means the
// principal and subordinate are misconfigured relative to each other.
func (r *Registry) Upsert(relation string, t Target) error {
	if relation == "" {
		return errors.NotValidf("empty relation name")
	}
	if err := t.Validate(); err != nil {
		return errors.Trace(err)
	}
	key := targetKey{unit: t.Unit, check: t.CheckName}
	e, ok := r.entries[key]
	if !ok {
		r.entries[key] = &entry{target: t, sources: set.NewStrings(relation)}
		return nil
	}
	if !e.target.sameShape(t) && !e.sources.Contains(relation) {
		logger.Warningf(
			"target %q/%q redefined by relation %q (previously from %s); keeping the newer definition",
			t.Unit, t.CheckName, relation, e.sources.SortedValues(),
		)
	}
	e.target = t
	e.sources.Add(relation)
	return nil
}

// RemoveUnit withdraws the given relation's contribution to every target
// owned by the departing unit. Targets still advertised by another relation
// survive.
func (r *Registry) RemoveUnit(relation, unit string) {
	for key, e := range r.entries {
		if key.unit != unit {
			continue
		}
		e.sources.Remove(relation)
		if e.sources.IsEmpty() {
			delete(r.entries, key)
		}
	}
}

// Sources reports which relations currently advertise the given target,
// sorted. It is empty for unknown targets.
func (r *Registry) Sources(unit, check string) []string {
	e, ok := r.entries[targetKey{unit: unit, check: check}]
	if !ok {
		return nil
	}
	return e.sources.SortedValues()
}

// Snapshot returns the current target set in deterministic order: unit
// names in natural order (so "nrpe/9" sorts before "nrpe/10"), then check
// name. Synthesis depends on this ordering for byte-identical output.
func (r *Registry) Snapshot() []Target {
	byUnit := make(map[string][]Target)
	for _, e := range r.entries {
		byUnit[e.target.Unit] = append(byUnit[e.target.Unit], e.target)
	}
	units := make([]string, 0, len(byUnit))
	for unit := range byUnit {
		units = append(units, unit)
	}
	naturalsort.Sort(units)

	var snapshot []Target
	for _, unit := range units {
		ts := byUnit[unit]
		sort.Slice(ts, func(i, j int) bool { return ts[i].CheckName < ts[j].CheckName })
		snapshot = append(snapshot, ts...)
	}
	return snapshot
}

// Len reports the number of distinct logical targets.
func (r *Registry) Len() int {
	return len(r.entries)
}

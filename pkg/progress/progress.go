// Package progress tracks build progress as a tree of hierarchical
// allocations and throttles byte-level reporting during transfers.
package progress

import (
	"sort"
	"sync"
)

// Allocation is a node in the progress tree. A node created with N units
// either completes N units of direct work (a leaf) or hands each child
// 1/N of its own share of the root.
type Allocation struct {
	description    string
	units          int64
	fractionOfRoot float64
	parent         *Allocation
}

// NewRoot starts a tree whose completion represents the whole build.
func NewRoot(description string, units int64) *Allocation {
	return &Allocation{
		description:    description,
		units:          units,
		fractionOfRoot: 1.0,
	}
}

// Child allocates one of a's units as a sub-tree with its own unit count.
func (a *Allocation) Child(description string, units int64) *Allocation {
	return &Allocation{
		description:    description,
		units:          units,
		fractionOfRoot: a.fractionOfRoot / float64(a.units),
		parent:         a,
	}
}

// Description returns the node's description.
func (a *Allocation) Description() string { return a.description }

// Units returns the node's unit count.
func (a *Allocation) Units() int64 { return a.units }

// Tracker aggregates progress reports from allocation leaves into a
// fraction of the root plus the set of unfinished leaves.
type Tracker struct {
	mu        sync.Mutex
	completed float64
	consumed  map[*Allocation]int64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{consumed: map[*Allocation]int64{}}
}

// Start registers a leaf so it shows up as unfinished before its first
// progress report.
func (t *Tracker) Start(leaf *Allocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.consumed[leaf]; !ok {
		t.consumed[leaf] = 0
	}
}

// Update records units of completed work on a leaf.
func (t *Tracker) Update(leaf *Allocation, units int64) {
	if units == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumed[leaf] += units
	t.completed += float64(units) * leaf.fractionOfRoot / float64(leaf.units)
}

// Done marks a leaf complete regardless of how many units it reported.
func (t *Tracker) Done(leaf *Allocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := leaf.units - t.consumed[leaf]
	if remaining > 0 {
		t.completed += float64(remaining) * leaf.fractionOfRoot / float64(leaf.units)
	}
	t.consumed[leaf] = leaf.units
}

// Snapshot returns the overall progress in [0, 1] and the descriptions of
// unfinished leaves, sorted for stable output.
func (t *Tracker) Snapshot() (float64, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var unfinished []string
	for leaf, consumed := range t.consumed {
		if consumed < leaf.units {
			unfinished = append(unfinished, leaf.description)
		}
	}
	sort.Strings(unfinished)

	progress := t.completed
	if progress > 1.0 {
		progress = 1.0
	}
	return progress, unfinished
}

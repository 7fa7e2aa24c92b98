// Copyright 2026 the ttrouter authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package flowtable implements the per-port, index-addressed table of
// scheduled TT flows. Reads (from the timer and ingress fast paths) never
// take a lock: they load an atomic snapshot of the whole table, so they
// always observe either the table before or after a concurrent mutation,
// never a partial one. Mutations are serialized by a single mutex and swap
// in a freshly built snapshot; Go's garbage collector reclaims the old one
// once the last reader holding it goes away, which is what a from-scratch
// epoch-based reclamation scheme would otherwise have to arrange by hand.
package flowtable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ttswitch/ttrouter/internal/serrors"
)

var (
	// ErrOutOfMemory is returned when a table cannot be grown to fit a
	// requested flow_id.
	ErrOutOfMemory = serrors.New("out of memory growing flow table")
	// ErrInvalidEntry is returned when an entry fails basic validation.
	ErrInvalidEntry = serrors.New("invalid flow entry")
)

// Entry is one scheduled flow on a port.
type Entry struct {
	FlowID     uint16
	Period     time.Duration
	Offset     time.Duration
	PacketSize uint32
	BufferID   uint32

	// lastArrival records the last time (as reported by an injected clock)
	// a frame classified against this flow_id arrived. It is set by the
	// ingress fast path and read by the control plane only; the timer
	// never touches it. Zero means "never seen". A pointer so that Entry
	// itself stays a plain value type safe to copy across table snapshots
	// and dispatcher slices; atomic.Int64 carries go vet's copylocks
	// sentinel and must never be embedded by value in a type that gets
	// copied.
	lastArrival *atomic.Int64
}

// LastArrival returns the last recorded arrival time in nanoseconds, or 0.
func (e *Entry) LastArrival() int64 {
	if e == nil || e.lastArrival == nil {
		return 0
	}
	return e.lastArrival.Load()
}

// MarkArrival records now (nanoseconds) as the entry's last arrival time.
// A no-op on an entry that was never installed through Insert.
func (e *Entry) MarkArrival(now int64) {
	if e.lastArrival == nil {
		return
	}
	e.lastArrival.Store(now)
}

// Validate checks the invariants spec.md §3 places on a FlowEntry in
// isolation (period positivity, offset range). Cross-entry invariants
// (instant collisions) are the Dispatcher's concern.
func (e *Entry) Validate() error {
	if e.Period <= 0 {
		return serrors.WithCtx(ErrInvalidEntry, "reason", "period must be positive", "period", e.Period)
	}
	if e.Offset < 0 || e.Offset >= e.Period {
		return serrors.WithCtx(ErrInvalidEntry, "reason", "offset out of [0, period)",
			"offset", e.Offset, "period", e.Period)
	}
	return nil
}

// snapshot is one immutable table generation. Table never mutates a
// snapshot in place after publishing it: every write builds a new one.
type snapshot struct {
	slots []*Entry
	count int
}

// Table is a port-scoped, sparse, index-addressed table of flow entries.
// The zero value is not usable; construct with New.
type Table struct {
	minCap int
	mu     sync.Mutex // serializes writers; see package doc.
	cur    atomic.Pointer[snapshot]
}

// New returns an empty table with the given floor capacity.
func New(minCap int) *Table {
	if minCap < 1 {
		minCap = 1
	}
	t := &Table{minCap: minCap}
	t.cur.Store(&snapshot{slots: make([]*Entry, minCap)})
	return t
}

// Lookup is an O(1), lock-free read. It returns (nil, false) if flowID is
// out of range or the slot is empty. Safe to call concurrently with any
// number of other Lookups and at most one concurrent mutation.
func (t *Table) Lookup(flowID uint16) (*Entry, bool) {
	snap := t.cur.Load()
	if int(flowID) >= len(snap.slots) {
		return nil, false
	}
	e := snap.slots[flowID]
	return e, e != nil
}

// Count returns the exact number of occupied slots.
func (t *Table) Count() int {
	return t.cur.Load().count
}

// Capacity returns the current slot count.
func (t *Table) Capacity() int {
	return len(t.cur.Load().slots)
}

// Insert adds or replaces the entry at entry.FlowID, growing the table if
// needed. Insert and Delete on one table serialize on the table's own
// mutex, and Insert is safe to call concurrently with Lookup.
func (t *Table) Insert(entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.cur.Load()
	needCap := len(old.slots)
	if int(entry.FlowID) >= needCap {
		needCap = int(entry.FlowID) + t.minCap
	}
	if needCap < 0 { // overflow guard; flow_id is 16 bits so this cannot realistically trip.
		return ErrOutOfMemory
	}

	next := &snapshot{slots: make([]*Entry, needCap), count: old.count}
	copy(next.slots, old.slots)
	fresh := &Entry{
		FlowID:      entry.FlowID,
		Period:      entry.Period,
		Offset:      entry.Offset,
		PacketSize:  entry.PacketSize,
		BufferID:    entry.BufferID,
		lastArrival: new(atomic.Int64),
	}
	if next.slots[entry.FlowID] == nil {
		next.count++
	}
	next.slots[entry.FlowID] = fresh

	t.cur.Store(next)
	return nil
}

// Delete removes the entry at flowID, a no-op if absent. It may shrink the
// table's capacity, but never below minCap and never below the highest
// remaining live flow_id plus one.
func (t *Table) Delete(flowID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.cur.Load()
	if int(flowID) >= len(old.slots) || old.slots[flowID] == nil {
		return
	}

	next := &snapshot{slots: append([]*Entry(nil), old.slots...), count: old.count - 1}
	next.slots[flowID] = nil

	newCap := len(next.slots)
	maxLive := -1
	for i := len(next.slots) - 1; i >= 0; i-- {
		if next.slots[i] != nil {
			maxLive = i
			break
		}
	}
	for newCap >= 2*t.minCap && next.count <= newCap/3 && newCap/2 > maxLive {
		newCap /= 2
	}
	if newCap < len(next.slots) {
		next.slots = next.slots[:newCap]
	}

	t.cur.Store(next)
}

// Entries returns a snapshot copy of all live entries, for control-plane
// Query responses.
func (t *Table) Entries() []Entry {
	snap := t.cur.Load()
	out := make([]Entry, 0, snap.count)
	for _, e := range snap.slots {
		if e == nil {
			continue
		}
		frozen := new(atomic.Int64)
		frozen.Store(e.LastArrival())
		out = append(out, Entry{
			FlowID:      e.FlowID,
			Period:      e.Period,
			Offset:      e.Offset,
			PacketSize:  e.PacketSize,
			BufferID:    e.BufferID,
			lastArrival: frozen,
		})
	}
	return out
}

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

package schedule

import (
	"sync"
	"time"

	"github.com/ttswitch/ttrouter/clock"
	"github.com/ttswitch/ttrouter/flowtable"
	"github.com/ttswitch/ttrouter/ttmetrics"
)

// Direction selects which of a port's two tables an operation targets.
type Direction int

const (
	Send Direction = iota
	Arrive
)

// Registry owns every port's schedule state (spec.md §4.5): alloc,
// insert/delete on either table with auto-alloc-and-unwind, lifecycle
// start/cancel/finish, and RCU-safe lookups.
type Registry struct {
	minCap     int
	clk        clock.Clock
	emit       EmitFunc
	metrics    *ttmetrics.Metrics
	newSleeper func() Sleeper

	mu    sync.Mutex
	ports map[uint16]*Port
}

// Option customizes a Registry at construction time.
type Option func(*Registry)

// WithSleeperFactory overrides how a port's timer loop builds its Sleeper.
// Tests use this to substitute a fake that fires on demand.
func WithSleeperFactory(f func() Sleeper) Option {
	return func(r *Registry) { r.newSleeper = f }
}

// NewRegistry returns an empty Registry. minCap is each port's FlowTable
// floor capacity; emit is called by every port's timer to send a frame.
func NewRegistry(minCap int, clk clock.Clock, emit EmitFunc, metrics *ttmetrics.Metrics, opts ...Option) *Registry {
	r := &Registry{
		minCap:     minCap,
		clk:        clk,
		emit:       emit,
		metrics:    metrics,
		newSleeper: NewTimerSleeper,
		ports:      make(map[uint16]*Port),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Alloc allocates schedule state for port if it does not already exist.
// Idempotent.
func (r *Registry) Alloc(port uint16) *Port {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocLocked(port, r.minCap)
}

// AllocWithCap is Alloc, overriding the floor capacity of a not-yet-existing
// port's flow tables. A no-op override if port's schedule state already
// exists; callers that need a specific floor capacity should call this
// before any InsertSend/InsertArrive/Stage reaches the port.
func (r *Registry) AllocWithCap(port uint16, minCap int) *Port {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocLocked(port, minCap)
}

func (r *Registry) allocLocked(port uint16, minCap int) *Port {
	if p, ok := r.ports[port]; ok {
		return p
	}
	p := newPort(port, minCap, r.clk, r.emit, r.metrics, r.newSleeper)
	r.ports[port] = p
	return p
}

func (r *Registry) get(port uint16) (*Port, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ports[port]
	return p, ok
}

// InsertSend auto-allocates port's schedule state and inserts entry into its
// send table, unwinding (freeing the just-allocated state) if the insert
// fails validation.
func (r *Registry) InsertSend(port uint16, entry flowtable.Entry) error {
	return r.insert(port, Send, entry)
}

// InsertArrive is InsertSend for the arrive table.
func (r *Registry) InsertArrive(port uint16, entry flowtable.Entry) error {
	return r.insert(port, Arrive, entry)
}

func (r *Registry) insert(port uint16, dir Direction, entry flowtable.Entry) error {
	r.mu.Lock()
	_, existed := r.ports[port]
	p := r.allocLocked(port, r.minCap)
	r.mu.Unlock()

	tbl := p.Send
	if dir == Arrive {
		tbl = p.Arrive
	}
	if err := tbl.Insert(entry); err != nil {
		if !existed {
			r.mu.Lock()
			delete(r.ports, port)
			r.mu.Unlock()
		}
		return err
	}
	return nil
}

// DeleteSend removes flowID from port's send table; a no-op if port has no
// schedule state.
func (r *Registry) DeleteSend(port uint16, flowID uint16) {
	if p, ok := r.get(port); ok {
		p.Send.Delete(flowID)
	}
}

// DeleteArrive is DeleteSend for the arrive table.
func (r *Registry) DeleteArrive(port uint16, flowID uint16) {
	if p, ok := r.get(port); ok {
		p.Arrive.Delete(flowID)
	}
}

// LookupSend is an RCU-safe read of port's send table.
func (r *Registry) LookupSend(port uint16, flowID uint16) (*flowtable.Entry, bool) {
	p, ok := r.get(port)
	if !ok {
		return nil, false
	}
	return p.Send.Lookup(flowID)
}

// LookupArrive is LookupSend for the arrive table.
func (r *Registry) LookupArrive(port uint16, flowID uint16) (*flowtable.Entry, bool) {
	p, ok := r.get(port)
	if !ok {
		return nil, false
	}
	return p.Arrive.Lookup(flowID)
}

// DropSendTable cancels port's timer, if running, and discards its send
// table and installed SendCache. A no-op if port has no schedule state.
func (r *Registry) DropSendTable(port uint16) {
	if p, ok := r.get(port); ok {
		p.DropSendTable()
	}
}

// Start arms port's timer loop, auto-allocating schedule state first.
func (r *Registry) Start(port uint16, advanceTime time.Duration) error {
	p := r.Alloc(port)
	return p.Start(advanceTime)
}

// IsRunning reports whether port's timer loop is armed. Ports with no
// schedule state report false.
func (r *Registry) IsRunning(port uint16) bool {
	p, ok := r.get(port)
	return ok && p.IsRunning()
}

// Finish cancels port's timer and frees its schedule state entirely.
func (r *Registry) Finish(port uint16) {
	r.mu.Lock()
	p, ok := r.ports[port]
	delete(r.ports, port)
	r.mu.Unlock()
	if ok {
		p.Finish()
	}
}

// Stage records frame as the next outbound payload for flowID on port,
// auto-allocating schedule state if needed. Called from the ingress fast
// path; never blocks.
func (r *Registry) Stage(port, flowID uint16, frame []byte, capturedAt int64) {
	r.Alloc(port).Stage(flowID, frame, capturedAt)
}

// Port returns port's schedule state and whether it exists, for callers
// (such as the control-plane Query handler) that need direct access to both
// tables at once.
func (r *Registry) Port(port uint16) (*Port, bool) {
	return r.get(port)
}

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

// Package flowctrl implements the control-plane assembly protocol
// (spec.md §4.6): a BeginAdd/AddEntry/EndAdd/Clear/Query session per named
// port+direction table, committing to the schedule Registry on EndAdd.
package flowctrl

import (
	"sync"
	"time"

	"github.com/ttswitch/ttrouter/flowtable"
	"github.com/ttswitch/ttrouter/internal/serrors"
	"github.com/ttswitch/ttrouter/schedule"
)

// Direction mirrors schedule.Direction at the wire-message level so callers
// of this package never need to import schedule directly for it.
type Direction = schedule.Direction

const (
	Send   = schedule.Send
	Arrive = schedule.Arrive
)

// State is a session's control-plane state. It is a pure bookkeeping flag:
// the dataplane never consults it (spec.md §4.6).
type State int

const (
	// CONST is the initial and post-commit state: no add is in flight.
	CONST State = iota
	// MUTABLE means a BeginAdd is open and accepting AddEntry calls.
	MUTABLE
)

var (
	// ErrWrongState is returned when a message arrives that its target
	// session's current State does not permit.
	ErrWrongState = serrors.New("control message invalid in current session state")
	// ErrIncomplete is returned by EndAdd when received != expected.
	ErrIncomplete = serrors.New("EndAdd received count does not match expected count")
	// ErrTooMany is returned by BeginAdd when expected exceeds max_flows.
	ErrTooMany = serrors.New("BeginAdd expected count exceeds max_flows")
	// ErrFlowIDTooWide rejects a 32-bit wire flow_id that does not fit the
	// dataplane's 16-bit flow_id (spec.md §9 open question).
	ErrFlowIDTooWide = serrors.New("flow_id does not fit in 16 bits")
)

// Entry is one FlowMod's worth of AddEntry payload, keyed by port and
// direction (spec.md §6 FlowMod). FlowID is carried as 32 bits, matching
// the wire message; toFlowEntry narrows it to 16 bits at commit.
type Entry struct {
	Port      uint16
	Direction Direction
	FlowID    uint32
	Offset    int64 // nanoseconds
	Period    int64 // nanoseconds
	BufferID  uint32
	PacketSize uint32
}

func (e Entry) toFlowEntry() (flowtable.Entry, error) {
	if e.FlowID > 0xFFFF {
		return flowtable.Entry{}, serrors.WithCtx(ErrFlowIDTooWide, "flow_id", e.FlowID)
	}
	return flowtable.Entry{
		FlowID:     uint16(e.FlowID),
		Offset:     time.Duration(e.Offset),
		Period:     time.Duration(e.Period),
		BufferID:   e.BufferID,
		PacketSize: e.PacketSize,
	}, nil
}

// Session is one table_id's control-plane assembly session. A Session is
// not safe for concurrent use by multiple goroutines beyond its own
// internal locking of the commit path.
type Session struct {
	maxFlows int
	registry *schedule.Registry

	mu       sync.Mutex
	state    State
	expected int
	received int
	entries  []Entry
}

// NewSession returns a Session committing into registry, capping BeginAdd's
// expected_count at maxFlows (spec.md §6, default 255).
func NewSession(registry *schedule.Registry, maxFlows int) *Session {
	return &Session{registry: registry, maxFlows: maxFlows, state: CONST}
}

// BeginAdd opens a new mutable add session. Fails ErrTooMany if expected
// exceeds max_flows; fails ErrWrongState if a mutable session is already
// open.
func (s *Session) BeginAdd(expected int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == MUTABLE {
		return ErrWrongState
	}
	if expected > s.maxFlows {
		return serrors.WithCtx(ErrTooMany, "expected", expected, "max_flows", s.maxFlows)
	}
	s.state = MUTABLE
	s.expected = expected
	s.received = 0
	s.entries = make([]Entry, 0, expected)
	return nil
}

// AddEntry appends entry to the in-flight session. Requires state MUTABLE.
func (s *Session) AddEntry(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != MUTABLE {
		return ErrWrongState
	}
	s.entries = append(s.entries, entry)
	s.received++
	return nil
}

// EndAdd commits every AddEntry'd entry to the schedule Registry, routing
// each by its own port and direction fields, and transitions to CONST.
// Fails ErrIncomplete (leaving state MUTABLE) if received != expected.
func (s *Session) EndAdd() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != MUTABLE {
		return ErrWrongState
	}
	if s.received != s.expected {
		return serrors.WithCtx(ErrIncomplete, "received", s.received, "expected", s.expected)
	}

	var errs serrors.List
	for _, e := range s.entries {
		fe, err := e.toFlowEntry()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if e.Direction == Arrive {
			err = s.registry.InsertArrive(e.Port, fe)
		} else {
			err = s.registry.InsertSend(e.Port, fe)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	s.state = CONST
	s.entries = nil
	return errs.ToError()
}

// Clear drops every entry on port/direction and resets any in-flight add
// session back to CONST.
func (s *Session) Clear(port uint16, dir Direction) {
	s.mu.Lock()
	s.state = CONST
	s.entries = nil
	s.mu.Unlock()

	if dir == Arrive {
		p, ok := s.registry.Port(port)
		if !ok {
			return
		}
		for _, e := range p.Arrive.Entries() {
			p.Arrive.Delete(e.FlowID)
		}
		return
	}
	s.registry.DropSendTable(port)
}

// Query returns a snapshot copy of port's entries in the given direction.
func (s *Session) Query(port uint16, dir Direction) []flowtable.Entry {
	p, ok := s.registry.Port(port)
	if !ok {
		return nil
	}
	if dir == Arrive {
		return p.Arrive.Entries()
	}
	return p.Send.Entries()
}

// StateOf reports the session's current control-plane state.
func (s *Session) StateOf() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns port's send/miss/collision counters (SPEC_FULL.md
// "SUPPLEMENTED FEATURES" item 2), the zero value if port has no schedule
// state yet.
func (s *Session) Stats(port uint16) schedule.Stats {
	p, ok := s.registry.Port(port)
	if !ok {
		return schedule.Stats{}
	}
	return p.Stats()
}

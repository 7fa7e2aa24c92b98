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

// Package clock abstracts the two time sources the timer loop depends on:
// a monotonic, externally synchronized "global time" (spec.md treats clock
// discipline as out of scope; the core only consumes the result) and an
// ordinary wall clock used to arm timers and busy-wait. Tests drive both
// directly instead of sleeping in real time.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock is the capability the dispatcher and timer loop depend on. All
// times are nanoseconds since an arbitrary, Clock-specific epoch.
type Clock interface {
	// GlobalTime returns the monotonic, synchronized time used to compute
	// macro-period-relative schedule positions.
	GlobalTime() int64
	// WallNow returns the wall-clock time used for arming timers and the
	// busy-wait fine-alignment step.
	WallNow() int64
}

// System is a Clock backed by time.Now(). GlobalTime and WallNow return the
// same value: in production the two are synchronized by an external
// mechanism (spec.md §1 Non-goals), so there is nothing for this package to
// discipline.
type System struct{}

func (System) GlobalTime() int64 { return time.Now().UnixNano() }
func (System) WallNow() int64    { return time.Now().UnixNano() }

// Manual is a Clock tests drive directly. Global and wall time can be
// advanced independently to exercise skew between them. Safe for
// concurrent use: the timer loop's busy-wait reads WallNow from its own
// goroutine while a test advances it from another.
type Manual struct {
	global atomic.Int64
	wall   atomic.Int64
}

// NewManual returns a Manual clock with both times starting at zero.
func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) GlobalTime() int64 { return m.global.Load() }
func (m *Manual) WallNow() int64    { return m.wall.Load() }

// SetGlobal sets the global time to t.
func (m *Manual) SetGlobal(t int64) { m.global.Store(t) }

// SetWall sets the wall time to t.
func (m *Manual) SetWall(t int64) { m.wall.Store(t) }

// Advance moves both clocks forward by d, keeping them in lockstep, the
// common case in tests that don't care about global/wall skew.
func (m *Manual) Advance(d time.Duration) {
	m.global.Add(int64(d))
	m.wall.Add(int64(d))
}

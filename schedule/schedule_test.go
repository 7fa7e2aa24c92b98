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

package schedule_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ttswitch/ttrouter/clock"
	"github.com/ttswitch/ttrouter/flowtable"
	"github.com/ttswitch/ttrouter/schedule"
)

// fakeSleeper is a Sleeper tests fire on demand instead of waiting on the
// wall clock.
type fakeSleeper struct {
	mu   sync.Mutex
	ch   chan time.Time
	last time.Duration
}

func newFakeSleeper() *fakeSleeper {
	return &fakeSleeper{ch: make(chan time.Time, 1)}
}

func (f *fakeSleeper) Reset(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = d
}

func (f *fakeSleeper) Chan() <-chan time.Time { return f.ch }
func (f *fakeSleeper) Stop()                  {}

func (f *fakeSleeper) fire() { f.ch <- time.Time{} }

func (f *fakeSleeper) lastReset() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type emission struct {
	port, flow uint16
	frame      []byte
}

func newTestRegistry(t *testing.T) (*schedule.Registry, *clock.Manual, chan *fakeSleeper, chan emission) {
	t.Helper()
	clk := clock.NewManual()
	sleepers := make(chan *fakeSleeper, 8)
	factory := func() schedule.Sleeper {
		s := newFakeSleeper()
		sleepers <- s
		return s
	}
	emits := make(chan emission, 8)
	emit := func(port, flow uint16, frame []byte) {
		emits <- emission{port, flow, frame}
	}
	reg := schedule.NewRegistry(4, clk, emit, nil, schedule.WithSleeperFactory(factory))
	return reg, clk, sleepers, emits
}

// TestSingleFlowSchedule drives scenario S2 through the full Registry: one
// flow, offset=250, period=1000, and checks the handler emits the staged
// frame at the computed instant.
func TestSingleFlowSchedule(t *testing.T) {
	reg, clk, sleepers, emits := newTestRegistry(t)

	require.NoError(t, reg.InsertSend(1, flowtable.Entry{FlowID: 7, Offset: 250, Period: 1000}))
	require.NoError(t, reg.Start(1, 0))
	defer reg.Finish(1)

	s := <-sleepers
	assert.Equal(t, time.Duration(1000), s.lastReset())
	assert.True(t, reg.IsRunning(1))

	clk.SetGlobal(250)
	clk.SetWall(250)
	reg.Stage(1, 7, []byte("hello"), 200)
	s.fire()

	select {
	case e := <-emits:
		assert.Equal(t, uint16(1), e.port)
		assert.Equal(t, uint16(7), e.flow)
		assert.Equal(t, []byte("hello"), e.frame)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emission")
	}
	assert.Equal(t, time.Duration(1000), s.lastReset())
}

// TestSingleFlowFirstTickBeforeInstant is spec.md §8 scenario S2's exact
// worked example: a single flow at offset=250/period=1000, fired while
// global time is still 0 (before the flow's only instant), so
// cache.Next wraps idx to the tail of the timeline. This must be read as
// "instant 250 is still ahead of us", not as a missed deadline 750ns in
// the past (the regression this test guards against: an earlier revision
// applied a spurious extra macro_period subtraction in exactly this wrap
// branch, which made every single-entry schedule register a permanent
// Miss and never send).
func TestSingleFlowFirstTickBeforeInstant(t *testing.T) {
	reg, clk, sleepers, emits := newTestRegistry(t)

	require.NoError(t, reg.InsertSend(7, flowtable.Entry{FlowID: 7, Offset: 250, Period: 1000}))
	require.NoError(t, reg.Start(7, 0))
	defer reg.Finish(7)

	s := <-sleepers
	clk.SetGlobal(0)
	clk.SetWall(0)
	reg.Stage(7, 7, []byte("hi"), 0)

	// handleTick's busy-wait (spec.md §4.4 step 7) only returns once wall
	// time catches up to the computed send instant; global time is left
	// untouched so idx stays wrapped throughout.
	done := make(chan struct{})
	defer close(done)
	go func() {
		var wall int64
		for {
			select {
			case <-done:
				return
			default:
			}
			wall += 1000
			clk.SetWall(wall)
			time.Sleep(time.Microsecond)
		}
	}()

	s.fire()

	select {
	case e := <-emits:
		assert.Equal(t, uint16(7), e.flow)
		assert.Equal(t, []byte("hi"), e.frame)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for emission: wrap-case instant wrongly treated as a Miss")
	}
}

// TestMissLogsAndDropsFrame exercises the late-expiry path (spec.md §4.4
// step 6): the handler must not emit when send_time_abs has already passed.
func TestMissLogsAndDropsFrame(t *testing.T) {
	reg, clk, sleepers, emits := newTestRegistry(t)

	require.NoError(t, reg.InsertSend(2, flowtable.Entry{FlowID: 1, Offset: 0, Period: 1000}))
	require.NoError(t, reg.InsertSend(2, flowtable.Entry{FlowID: 3, Offset: 500, Period: 1000}))
	require.NoError(t, reg.Start(2, 0))
	defer reg.Finish(2)

	s := <-sleepers
	// Both clocks read 800: flow 3's instant (500) is 300ns in the past, a
	// missed deadline rather than an upcoming one.
	clk.SetGlobal(800)
	clk.SetWall(800)
	reg.Stage(2, 3, []byte("late"), 50)
	s.fire()

	select {
	case e := <-emits:
		t.Fatalf("unexpected emission for missed deadline: %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestStaleFrameDropped exercises "older than one macro period" staleness
// (spec.md §4.4 step 5): a frame staged long before its flow's instant must
// be dropped rather than emitted.
func TestStaleFrameDropped(t *testing.T) {
	reg, clk, sleepers, emits := newTestRegistry(t)

	require.NoError(t, reg.InsertSend(3, flowtable.Entry{FlowID: 9, Offset: 250, Period: 1000}))
	require.NoError(t, reg.Start(3, 0))
	defer reg.Finish(3)

	s := <-sleepers
	clk.SetGlobal(250)
	clk.SetWall(250)
	reg.Stage(3, 9, []byte("stale"), -2000) // captured more than one macro period ago
	s.fire()

	select {
	case e := <-emits:
		t.Fatalf("unexpected emission for stale frame: %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestCancelIsSynchronousAndIdempotent is testable property #7: after
// Cancel, no handler goroutine is left running.
func TestCancelIsSynchronousAndIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	reg, _, sleepers, _ := newTestRegistry(t)

	require.NoError(t, reg.InsertSend(4, flowtable.Entry{FlowID: 1, Offset: 0, Period: 1000}))
	require.NoError(t, reg.Start(4, 0))
	<-sleepers

	p, ok := reg.Port(4)
	require.True(t, ok)

	p.Cancel()
	assert.False(t, p.IsRunning())
	p.Cancel() // idempotent
	assert.False(t, p.IsRunning())
}

func TestStartFailsOnEmptySendTable(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	err := reg.Start(5, 0)
	assert.Error(t, err)
	assert.False(t, reg.IsRunning(5))
}

func TestInsertUnwindsOnValidationFailure(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	err := reg.InsertSend(6, flowtable.Entry{FlowID: 1, Period: 0})
	assert.Error(t, err)
	_, ok := reg.Port(6)
	assert.False(t, ok, "port schedule state should be unwound after a failed insert")
}

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

package dispatch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttswitch/ttrouter/dispatch"
	"github.com/ttswitch/ttrouter/flowtable"
)

func dur(ns int64) time.Duration { return time.Duration(ns) }

// TestTwoFlowSchedule is scenario S1.
func TestTwoFlowSchedule(t *testing.T) {
	entries := []flowtable.Entry{
		{FlowID: 0, Offset: dur(0), Period: dur(300)},
		{FlowID: 1, Offset: dur(100), Period: dur(500)},
	}
	cache, collisions, err := dispatch.Build(entries)
	require.NoError(t, err)

	assert.Equal(t, dur(1500), cache.MacroPeriod)
	assert.Equal(t, 8, cache.Size())
	want := []time.Duration{0, 100, 300, 600, 600, 900, 1100, 1200}
	assert.Equal(t, want, cache.Times)

	require.Len(t, collisions, 1)
	assert.Equal(t, dur(600), collisions[0].Instant)
}

// TestSingleFlowSchedule is scenario S2.
func TestSingleFlowSchedule(t *testing.T) {
	entries := []flowtable.Entry{
		{FlowID: 7, Offset: dur(250), Period: dur(1000)},
	}
	cache, collisions, err := dispatch.Build(entries)
	require.NoError(t, err)
	assert.Empty(t, collisions)
	assert.Equal(t, dur(1000), cache.MacroPeriod)
	assert.Equal(t, []time.Duration{250}, cache.Times)
	assert.Equal(t, []uint16{7}, cache.FlowIDs)

	idx, wait := cache.Next(0)
	assert.Equal(t, 0, idx)
	assert.Equal(t, dur(1000), wait)
	assert.Equal(t, uint16(7), cache.FlowIDs[idx])
}

func TestEmptyTableFails(t *testing.T) {
	_, _, err := dispatch.Build(nil)
	assert.ErrorIs(t, err, dispatch.ErrNothingToSchedule)
}

// TestDispatcherTimeline is testable property #4: sorted ascending,
// size = sum(macro/period_i), every entry appears exactly macro/period
// times, and no time reaches macro_period.
func TestDispatcherTimeline(t *testing.T) {
	entries := []flowtable.Entry{
		{FlowID: 2, Offset: dur(0), Period: dur(7)},
		{FlowID: 9, Offset: dur(3), Period: dur(11)},
	}
	cache, _, err := dispatch.Build(entries)
	require.NoError(t, err)

	for i := 1; i < len(cache.Times); i++ {
		assert.True(t, cache.Times[i] >= cache.Times[i-1])
	}
	for _, tm := range cache.Times {
		assert.Less(t, tm, cache.MacroPeriod)
	}
	counts := map[uint16]int{}
	for _, f := range cache.FlowIDs {
		counts[f]++
	}
	for _, e := range entries {
		assert.Equal(t, int(cache.MacroPeriod/e.Period), counts[e.FlowID])
	}
}

// TestLCMCorrectness is testable property #5.
func TestLCMCorrectness(t *testing.T) {
	entries := []flowtable.Entry{
		{FlowID: 0, Offset: 0, Period: dur(6)},
		{FlowID: 1, Offset: 0, Period: dur(10)},
		{FlowID: 2, Offset: 0, Period: dur(15)},
	}
	cache, _, err := dispatch.Build(entries)
	require.NoError(t, err)
	assert.Equal(t, dur(30), cache.MacroPeriod)
	for _, e := range entries {
		assert.Equal(t, int64(0), int64(cache.MacroPeriod)%int64(e.Period))
	}
}

// TestNextBinarySearch is testable property #6: for any t in
// [0, macro_period), Next selects the greatest i with Times[i] <= t, or
// wraps to the last index if t is before every recorded time.
func TestNextBinarySearch(t *testing.T) {
	entries := []flowtable.Entry{
		{FlowID: 0, Offset: dur(0), Period: dur(300)},
		{FlowID: 1, Offset: dur(100), Period: dur(500)},
	}
	cache, _, err := dispatch.Build(entries)
	require.NoError(t, err)

	for probe := time.Duration(0); probe < cache.MacroPeriod; probe += 10 {
		idx, _ := cache.Next(probe)
		wantIdx := -1
		for i, tm := range cache.Times {
			if tm <= probe {
				wantIdx = i
			}
		}
		if wantIdx == -1 {
			wantIdx = len(cache.Times) - 1
		}
		assert.Equal(t, wantIdx, idx, "probe=%d", probe)
	}
}

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

// Package dispatch computes, from a port's send flow table, the macro
// period (the LCM of every entry's period) and expands it into the sorted
// timeline of (time, flow_id) firing instants the timer loop walks.
package dispatch

import (
	"sort"
	"time"

	"github.com/ttswitch/ttrouter/flowtable"
	"github.com/ttswitch/ttrouter/internal/serrors"
)

// ErrNothingToSchedule is returned by Build when given an empty table.
var ErrNothingToSchedule = serrors.New("send table has no entries to schedule")

// FlowCollision is reported when two distinct flows expand to the same
// instant (modulo the macro period). Both are still scheduled; see
// SendCache's doc comment.
type FlowCollision struct {
	FlowA, FlowB uint16
	Instant      time.Duration
}

// SendCache is the dispatcher's output for one port: the ascending timeline
// of firing instants within one macro period, and the flow_id scheduled at
// each. Times is strictly monotonic except at reported collisions, which
// are still installed on a best-effort basis (spec.md §4.3 item 6).
type SendCache struct {
	MacroPeriod time.Duration
	Times       []time.Duration
	FlowIDs     []uint16
}

// Size is the total number of instants in one macro period.
func (c *SendCache) Size() int { return len(c.Times) }

type byTime struct {
	times   []time.Duration
	flowIDs []uint16
}

func (s byTime) Len() int      { return len(s.times) }
func (s byTime) Swap(i, j int) {
	s.times[i], s.times[j] = s.times[j], s.times[i]
	s.flowIDs[i], s.flowIDs[j] = s.flowIDs[j], s.flowIDs[i]
}
func (s byTime) Less(i, j int) bool { return s.times[i] < s.times[j] }

// Build computes the SendCache for entries, plus any collisions detected
// during expansion. It fails with ErrNothingToSchedule if entries is empty.
func Build(entries []flowtable.Entry) (*SendCache, []FlowCollision, error) {
	if len(entries) == 0 {
		return nil, nil, ErrNothingToSchedule
	}

	macro := int64(entries[0].Period)
	for _, e := range entries[1:] {
		macro = lcm(macro, int64(e.Period))
	}
	macroPeriod := time.Duration(macro)

	size := 0
	for _, e := range entries {
		size += int(macro / int64(e.Period))
	}

	times := make([]time.Duration, 0, size)
	flowIDs := make([]uint16, 0, size)
	for _, e := range entries {
		for instant := e.Offset; instant < macroPeriod; instant += e.Period {
			times = append(times, instant)
			flowIDs = append(flowIDs, e.FlowID)
		}
	}

	sort.Sort(byTime{times: times, flowIDs: flowIDs})

	var collisions []FlowCollision
	for i := 1; i < len(times); i++ {
		if times[i] <= times[i-1] {
			collisions = append(collisions, FlowCollision{
				FlowA:   flowIDs[i-1],
				FlowB:   flowIDs[i],
				Instant: times[i],
			})
		}
	}

	return &SendCache{MacroPeriod: macroPeriod, Times: times, FlowIDs: flowIDs}, collisions, nil
}

// Next implements the timer loop's binary-search lookup (spec.md §4.4,
// testable property §8 item 6): given the current position modTime within
// [0, MacroPeriod), it returns the index of the greatest Times[i] <= modTime
// (wrapping to the last index if modTime is before Times[0]), and how long
// to wait until the following instant (wrapping across the macro period
// boundary).
func (c *SendCache) Next(modTime time.Duration) (idx int, waitNs time.Duration) {
	// sort.Search finds the first index where Times[i] > modTime; the slot
	// we want is the one just before it.
	insertion := sort.Search(len(c.Times), func(i int) bool { return c.Times[i] > modTime })
	idx = insertion - 1
	if idx < 0 {
		idx = len(c.Times) - 1
	}

	next := (idx + 1) % len(c.Times)
	waitNs = c.Times[next] - c.Times[idx]
	if next <= idx {
		waitNs += c.MacroPeriod
	}
	return idx, waitNs
}

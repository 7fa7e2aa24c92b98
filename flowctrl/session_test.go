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

package flowctrl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttswitch/ttrouter/clock"
	"github.com/ttswitch/ttrouter/flowctrl"
	"github.com/ttswitch/ttrouter/schedule"
)

func newSession(t *testing.T) *flowctrl.Session {
	t.Helper()
	reg := schedule.NewRegistry(4, clock.NewManual(), nil, nil)
	return flowctrl.NewSession(reg, 255)
}

// TestCommitSucceeds is scenario S4's first half: BeginAdd(3), three
// AddEntry, EndAdd commits all three and transitions to CONST.
func TestCommitSucceeds(t *testing.T) {
	s := newSession(t)
	require.NoError(t, s.BeginAdd(3))
	assert.Equal(t, flowctrl.MUTABLE, s.StateOf())

	for i := uint32(0); i < 3; i++ {
		require.NoError(t, s.AddEntry(flowctrl.Entry{
			Port: 1, Direction: flowctrl.Send, FlowID: i, Period: 1000,
		}))
	}
	require.NoError(t, s.EndAdd())
	assert.Equal(t, flowctrl.CONST, s.StateOf())

	got := s.Query(1, flowctrl.Send)
	assert.Len(t, got, 3)
}

// TestIncompleteEndAddStaysMutable is S4's second half: two AddEntry against
// an expected count of 3 leaves EndAdd failing Incomplete and state MUTABLE.
func TestIncompleteEndAddStaysMutable(t *testing.T) {
	s := newSession(t)
	require.NoError(t, s.BeginAdd(3))
	require.NoError(t, s.AddEntry(flowctrl.Entry{Port: 1, FlowID: 0, Period: 1000}))
	require.NoError(t, s.AddEntry(flowctrl.Entry{Port: 1, FlowID: 1, Period: 1000}))

	err := s.EndAdd()
	assert.ErrorIs(t, err, flowctrl.ErrIncomplete)
	assert.Equal(t, flowctrl.MUTABLE, s.StateOf())
}

func TestBeginAddRejectsTooMany(t *testing.T) {
	s := newSession(t)
	err := s.BeginAdd(256)
	assert.ErrorIs(t, err, flowctrl.ErrTooMany)
	assert.Equal(t, flowctrl.CONST, s.StateOf())
}

func TestAddEntryRequiresMutable(t *testing.T) {
	s := newSession(t)
	err := s.AddEntry(flowctrl.Entry{Port: 1, FlowID: 0, Period: 1000})
	assert.ErrorIs(t, err, flowctrl.ErrWrongState)
}

func TestFlowIDTooWideRejectedAtCommit(t *testing.T) {
	s := newSession(t)
	require.NoError(t, s.BeginAdd(1))
	require.NoError(t, s.AddEntry(flowctrl.Entry{Port: 1, FlowID: 1 << 16, Period: 1000}))
	err := s.EndAdd()
	assert.ErrorIs(t, err, flowctrl.ErrFlowIDTooWide)
}

func TestStatsReportsZeroValueForUnknownPort(t *testing.T) {
	s := newSession(t)
	assert.Equal(t, schedule.Stats{}, s.Stats(99))
}

func TestClearResetsSessionAndTable(t *testing.T) {
	s := newSession(t)
	require.NoError(t, s.BeginAdd(1))
	require.NoError(t, s.AddEntry(flowctrl.Entry{Port: 1, FlowID: 5, Period: 1000}))
	require.NoError(t, s.EndAdd())
	assert.Len(t, s.Query(1, flowctrl.Send), 1)

	s.Clear(1, flowctrl.Send)
	assert.Equal(t, flowctrl.CONST, s.StateOf())
	assert.Empty(t, s.Query(1, flowctrl.Send))
}

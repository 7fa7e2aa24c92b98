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

import "time"

// Sleeper is the timer primitive the loop arms and rearms. It is an
// interface, rather than a bare *time.Timer, purely so tests can substitute
// a fake that fires on demand instead of waiting on the wall clock.
type Sleeper interface {
	// Reset arms the sleeper to fire once, d from now.
	Reset(d time.Duration)
	// Chan is signaled once per arm/fire cycle.
	Chan() <-chan time.Time
	// Stop disarms the sleeper. Safe to call whether or not it already fired.
	Stop()
}

type timerSleeper struct {
	t *time.Timer
}

// NewTimerSleeper returns a Sleeper backed by time.Timer, stopped initially.
func NewTimerSleeper() Sleeper {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &timerSleeper{t: t}
}

func (s *timerSleeper) Reset(d time.Duration) {
	if !s.t.Stop() {
		select {
		case <-s.t.C:
		default:
		}
	}
	s.t.Reset(d)
}

func (s *timerSleeper) Chan() <-chan time.Time { return s.t.C }

func (s *timerSleeper) Stop() {
	if !s.t.Stop() {
		select {
		case <-s.t.C:
		default:
		}
	}
}

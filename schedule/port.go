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

// Package schedule owns the per-port schedule state: the send/arrive flow
// tables, the installed SendCache, the single-writer frame staging slots,
// and the timer loop that walks the schedule (spec.md §4.4-4.5).
package schedule

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ttswitch/ttrouter/clock"
	"github.com/ttswitch/ttrouter/dispatch"
	"github.com/ttswitch/ttrouter/flowtable"
	"github.com/ttswitch/ttrouter/internal/ttlog"
	"github.com/ttswitch/ttrouter/ttmetrics"
)

// EmitFunc sends an emitted TT frame out of port for flowID. It must not
// block; the timer calls it from the hot path.
type EmitFunc func(port, flowID uint16, frame []byte)

// StagedFrame is a single outbound frame waiting to be picked up by the
// timer for its flow's next instant.
type StagedFrame struct {
	Frame      []byte
	CapturedAt int64 // clock.GlobalTime() at the moment it was staged
}

// sendInfo pairs an installed SendCache with its port's advance_time, the
// unit start/cancel replace wholesale (spec.md §5 "SendCache is replaced
// wholesale on start").
type sendInfo struct {
	cache       *dispatch.SendCache
	advanceTime time.Duration
}

// Port is one port's schedule state: Idle until Start, Armed while its
// timer loop runs. The zero value is not usable; construct with newPort.
type Port struct {
	id     uint16
	minCap int
	clk    clock.Clock
	emit   EmitFunc
	mx     *ttmetrics.Metrics

	Send   *flowtable.Table
	Arrive *flowtable.Table

	info atomic.Pointer[sendInfo]
	buf  sync.Map // uint16 flow_id -> *atomic.Pointer[StagedFrame]

	// Per-table operator-visible counters (SPEC_FULL.md "SUPPLEMENTED
	// FEATURES" item 2): data path writes, control path reads only.
	sent     atomic.Uint64
	missed   atomic.Uint64
	collided atomic.Uint64

	// newSleeper builds the Sleeper Start arms. Tests substitute a fake that
	// fires on demand instead of waiting on the wall clock.
	newSleeper func() Sleeper

	// mu serializes Start/Cancel/Finish transitions; it is the "port mutex"
	// spec.md §5 mentions for start/cancel serialization.
	mu       sync.Mutex
	active   atomic.Bool
	timer    Sleeper
	grp      *errgroup.Group
	cancelFn context.CancelFunc
}

// Stats is a snapshot of a port's send-table operator-visible counters.
type Stats struct {
	Sent, Missed, Collided uint64
}

// Stats returns the port's current send/miss/collision counters.
func (p *Port) Stats() Stats {
	return Stats{
		Sent:     p.sent.Load(),
		Missed:   p.missed.Load(),
		Collided: p.collided.Load(),
	}
}

func newPort(id uint16, minCap int, clk clock.Clock, emit EmitFunc, mx *ttmetrics.Metrics, newSleeper func() Sleeper) *Port {
	return &Port{
		id:         id,
		minCap:     minCap,
		clk:        clk,
		emit:       emit,
		mx:         mx,
		newSleeper: newSleeper,
		Send:       flowtable.New(minCap),
		Arrive:     flowtable.New(minCap),
	}
}

func portLabel(id uint16) string { return strconv.Itoa(int(id)) }

// IsRunning reports whether the port's timer loop is currently armed.
func (p *Port) IsRunning() bool { return p.active.Load() }

// Stage records frame as the next outbound payload for flowID, overwriting
// whatever was staged before (single-writer slot; spec.md §5).
func (p *Port) Stage(flowID uint16, frame []byte, capturedAt int64) {
	v, _ := p.buf.LoadOrStore(flowID, new(atomic.Pointer[StagedFrame]))
	v.(*atomic.Pointer[StagedFrame]).Store(&StagedFrame{Frame: frame, CapturedAt: capturedAt})
}

func (p *Port) detach(flowID uint16) *StagedFrame {
	v, ok := p.buf.Load(flowID)
	if !ok {
		return nil
	}
	return v.(*atomic.Pointer[StagedFrame]).Swap(nil)
}

// DropSendTable cancels any running timer, discards the send table and
// installed SendCache, and replaces the table with a fresh empty one.
func (p *Port) DropSendTable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
	p.Send = flowtable.New(p.minCap)
	p.info.Store(nil)
}

// Start builds a SendCache from the current send table via the Dispatcher,
// arms the timer loop, and cancels any previously running loop first. It
// fails with dispatch.ErrNothingToSchedule if the send table is empty.
func (p *Port) Start(advanceTime time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()

	cache, collisions, err := dispatch.Build(p.Send.Entries())
	if err != nil {
		return err
	}
	log := ttlog.Root()
	for _, c := range collisions {
		log.Warn("TT instant collision",
			zap.Uint16("port", p.id), zap.Uint16("flow_a", c.FlowA),
			zap.Uint16("flow_b", c.FlowB), zap.Duration("instant", c.Instant))
		p.collided.Add(1)
		if p.mx != nil {
			p.mx.CollisionsTotal.WithLabelValues(portLabel(p.id)).Inc()
		}
	}
	p.info.Store(&sendInfo{cache: cache, advanceTime: advanceTime})
	if p.mx != nil {
		p.mx.MacroPeriod.WithLabelValues(portLabel(p.id)).Set(cache.MacroPeriod.Seconds())
	}

	macro := int64(cache.MacroPeriod)
	wait := time.Duration(macro-floorMod(p.clk.GlobalTime(), macro)) - advanceTime
	if wait < 0 {
		wait = 0
	}

	p.timer = p.newSleeper()
	p.timer.Reset(wait)

	ctx, cancel := context.WithCancel(context.Background())
	grp, ctx := errgroup.WithContext(ctx)
	p.cancelFn = cancel
	p.grp = grp
	p.active.Store(true)
	grp.Go(func() error {
		p.runLoop(ctx)
		return nil
	})
	return nil
}

// cancelLocked is cancel's body; mu must already be held. It is idempotent.
func (p *Port) cancelLocked() {
	p.active.Store(false)
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.cancelFn != nil {
		p.cancelFn()
		_ = p.grp.Wait()
		p.cancelFn, p.grp, p.timer = nil, nil, nil
	}
}

// Cancel implements spec.md §4.4's Armed -> Idle transition: it is
// synchronous and idempotent, returning only once no handler invocation is
// still executing (testable property #7).
func (p *Port) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
}

// Finish cancels any running timer and releases the port's schedule state.
// The caller is expected to drop its last reference to p afterwards.
func (p *Port) Finish() {
	p.Cancel()
}

func (p *Port) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.timer.Chan():
			if !p.active.Load() {
				return
			}
			p.handleTick()
			if !p.active.Load() {
				return
			}
		}
	}
}

// handleTick is the handler contract of spec.md §4.4, steps 1-7. Step 8
// ("return Restart iff active") is implemented by runLoop's active checks
// around the call.
func (p *Port) handleTick() {
	info := p.info.Load()
	if info == nil {
		return
	}
	cache, advanceTime := info.cache, info.advanceTime
	macro := int64(cache.MacroPeriod)

	globalTime := p.clk.GlobalTime()
	modTime := time.Duration(floorMod(globalTime, macro))

	idx, waitNs := cache.Next(modTime)
	flowID := cache.FlowIDs[idx]

	// raw is (instant - now) on the cyclic timeline. In the ordinary case
	// Next picks idx as the last instant <= modTime, so raw is <= 0: ~0
	// when the handler fired right on schedule, more negative the later it
	// fired (a Miss). When modTime precedes every instant this period,
	// Next wraps idx to the last (largest) instant instead, which is then
	// > modTime, making raw > 0 — correctly reporting that instant as
	// still ahead of us rather than as a Miss. No macro_period correction
	// is needed in either case.
	raw := int64(cache.Times[idx]) - int64(modTime)

	wallNow := p.clk.WallNow()
	sendTimeAbs := wallNow + raw

	if waitNs == 0 {
		// Next's wrap rule keeps this unreachable in practice (idx always
		// resolves to the last of a run of colliding instants), but guard
		// against rearming for an already-elapsed instant per spec.md §4.4
		// step 3 anyway: nudge forward by advance_time.
		waitNs = advanceTime
	}
	p.timer.Reset(waitNs)

	staged := p.detach(flowID)

	if wallNow > sendTimeAbs {
		p.missed.Add(1)
		if p.mx != nil {
			p.mx.MissesTotal.WithLabelValues(portLabel(p.id)).Inc()
		}
		ttlog.Root().Warn("TT send deadline missed",
			zap.Uint16("port", p.id), zap.Uint16("flow_id", flowID))
		return
	}

	for p.clk.WallNow()+int64(advanceTime) < sendTimeAbs {
		// Busy-wait for sub-tick instant alignment; see spec.md §4.4 step 7.
	}

	if staged == nil {
		return
	}
	if globalTime-staged.CapturedAt >= macro {
		if p.mx != nil {
			p.mx.StaleDropsTotal.WithLabelValues(portLabel(p.id)).Inc()
		}
		return
	}

	frame := append([]byte(nil), staged.Frame...)
	if p.emit != nil {
		p.emit(p.id, flowID, frame)
	}
	p.sent.Add(1)
	if p.mx != nil {
		p.mx.SentTotal.WithLabelValues(portLabel(p.id)).Inc()
		drift := time.Duration(p.clk.WallNow() - sendTimeAbs)
		p.mx.SendDriftSeconds.WithLabelValues(portLabel(p.id)).Observe(drift.Seconds())
	}
}

func floorMod(a, m int64) int64 {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}

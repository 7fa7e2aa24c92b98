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

// Package dataplane wires the TT Header Codec (ttheader) to the schedule
// Registry: it classifies ingress frames (spec.md §4.2 "Ingress
// classification"), steers TRDP-over-UDP frames into the per-flow staging
// slot for their port, and encapsulates staged frames back out at send time.
// This mirrors the shape of the teacher's own ingress/egress split in
// router/dataplane.go, generalized from SCION's own header to the TT header.
package dataplane

import (
	"github.com/gopacket/gopacket/layers"
	"go.uber.org/zap"

	"github.com/ttswitch/ttrouter/clock"
	"github.com/ttswitch/ttrouter/internal/serrors"
	"github.com/ttswitch/ttrouter/internal/ttlog"
	"github.com/ttswitch/ttrouter/schedule"
	"github.com/ttswitch/ttrouter/ttheader"
)

// ErrUnclassifiedFrame is returned by ClassifyIngress when frame is neither
// TRDP-over-UDP nor native TT.
var ErrUnclassifiedFrame = serrors.New("frame did not classify as TRDP or native TT")

// Config carries the wire-level constants a Dataplane needs to classify and
// encapsulate frames (spec.md §9 Tunables: TT_PORT, ETH_P_TT).
type Config struct {
	TTPort layers.UDPPort
	EthPTT layers.EthernetType
}

// Dataplane holds the per-switch ingress/egress state: the wire constants
// and the schedule Registry that owns every port's flow tables and staging
// slots.
type Dataplane struct {
	cfg      Config
	registry *schedule.Registry
	clk      clock.Clock
}

// New returns a Dataplane that classifies frames per cfg and stages/tracks
// arrivals against registry's per-port tables.
func New(cfg Config, registry *schedule.Registry, clk clock.Clock) *Dataplane {
	return &Dataplane{cfg: cfg, registry: registry, clk: clk}
}

// ClassifyIngress implements spec.md §4.2's ingress path for one received
// frame on port:
//
//   - TrdpOverUdp: the flow_id is read from the first 2 bytes of the UDP
//     payload (spec.md §4.2 "TRDP encapsulation"); if port's arrive table
//     has an entry for that flow_id, its LastArrival is marked (supplemented
//     feature: arrive-side accounting). Whether or not such an entry
//     exists, the frame is then staged into the same port's staging slot
//     for that flow_id, where port's own timer loop picks it up, matching
//     spec.md §2's data-flow description of "steer to the per-flow buffer
//     slot".
//   - TtNative: popped back to its TRDP form and returned for normal
//     forwarding; no staging happens (it already arrived as a scheduled
//     frame from another switch and is being passed through).
//   - Other: reported as ErrUnclassifiedFrame for the caller to forward
//     unmodified.
func (d *Dataplane) ClassifyIngress(port uint16, frame []byte) (ttheader.Class, []byte, error) {
	class := ttheader.Classify(frame, d.cfg.EthPTT, d.cfg.TTPort)
	switch class {
	case ttheader.TrdpOverUdp:
		flowID, err := ttheader.TrdpFlowID(frame, d.cfg.TTPort)
		if err != nil {
			return class, nil, serrors.Wrap("extracting flow_id from TRDP frame", err, "port", port)
		}
		if entry, ok := d.registry.LookupArrive(port, flowID); ok {
			entry.MarkArrival(d.clk.GlobalTime())
		}
		d.registry.Stage(port, flowID, frame, d.clk.GlobalTime())
		return class, frame, nil
	case ttheader.TtNative:
		restored, err := ttheader.PopTT(ttheader.Frame{Raw: frame}, layers.EthernetTypeIPv4)
		if err != nil {
			return class, nil, serrors.Wrap("popping native TT frame", err, "port", port)
		}
		return class, restored.Raw, nil
	default:
		return class, nil, ErrUnclassifiedFrame
	}
}

// EncapsulateEgress builds the native TT frame the timer loop's EmitFunc
// hands to the link layer: push_tt wraps frame with flowID's TT header
// (spec.md §4.2 push_tt).
func (d *Dataplane) EncapsulateEgress(flowID uint16, frame []byte) ([]byte, error) {
	out, err := ttheader.PushTT(ttheader.Frame{Raw: frame}, flowID, d.cfg.EthPTT)
	if err != nil {
		return nil, serrors.Wrap("pushing TT header", err, "flow_id", flowID)
	}
	return out.Raw, nil
}

// EmitFunc returns a schedule.EmitFunc that encapsulates the staged frame
// and hands it to send. Installed as the Registry's EmitFunc at
// construction time so the timer's hot path never touches the codec
// directly; failures are logged rather than propagated, matching the timer
// handler contract's void return (spec.md §4.4).
func (d *Dataplane) EmitFunc(send func(port uint16, frame []byte)) schedule.EmitFunc {
	return func(port, flowID uint16, frame []byte) {
		out, err := d.EncapsulateEgress(flowID, frame)
		if err != nil {
			ttlog.Root().Error("dropping frame: TT header encapsulation failed",
				zap.Uint16("port", port), zap.Uint16("flow_id", flowID), zap.Error(err))
			return
		}
		send(port, out)
	}
}

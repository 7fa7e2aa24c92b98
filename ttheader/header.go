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

// Package ttheader classifies Ethernet frames as TRDP-over-UDP or native
// TT, and pushes/pops the 4-byte TT header that carries a flow_id between
// the two encapsulations.
package ttheader

import (
	"encoding/binary"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	mdlethernet "github.com/mdlayher/ethernet"

	"github.com/ttswitch/ttrouter/internal/serrors"
)

// HLen is the size in bytes of the TT header.
const HLen = 4

// Class is the classification gopacket.gopacket's decoding pipeline yields
// for an ingress Ethernet frame.
type Class int

const (
	Other Class = iota
	TrdpOverUdp
	TtNative
)

func (c Class) String() string {
	switch c {
	case TrdpOverUdp:
		return "TrdpOverUdp"
	case TtNative:
		return "TtNative"
	default:
		return "Other"
	}
}

var (
	// ErrOutOfMemory is returned by PushTT when the resulting frame would
	// exceed MaxFrameLen.
	ErrOutOfMemory = serrors.New("out of memory growing frame headroom")
	// ErrNotWritable is returned when a frame marked read-only (shared with
	// another owner) cannot be modified in place.
	ErrNotWritable = serrors.New("frame buffer is not writable")
	// ErrTooShort is returned by PopTT when the frame is too small to
	// contain a TT header, or by classify helpers fed a truncated frame.
	ErrTooShort = serrors.New("frame too short")
	// ErrNotTT reports a frame that does not carry ETH_P_TT. PopTT does not
	// check the EtherType of the frame it is given and does not return it.
	ErrNotTT = serrors.New("frame is not a native TT frame")
	// ErrLenMismatch is returned by PopTT when the header's len field does
	// not match the payload bytes actually following it, signaling a
	// corrupt or truncated frame.
	ErrLenMismatch = serrors.New("tt header len does not match payload")
)

// MaxFrameLen bounds the frame size PushTT will grow to, the Go analogue of
// the original's "cannot extend headroom" admission check.
const MaxFrameLen = 9018 // 9000B jumbo payload + 14B MAC + 4B TT header headroom.

// Header is the 4-byte TT header carried immediately after the Ethernet MAC
// header in a native TT frame: flow_id (16 bits) followed by len (16 bits),
// both network byte order. len is the pre-encapsulation frame length minus
// HLen (spec.md §4.2, worked example S3: a 100-byte frame pushes to
// len=96); PopTT validates it against the native TT frame's actual length
// before restoring.
type Header struct {
	FlowID uint16
	Len    uint16
}

// Bytes encodes h in wire order.
func (h Header) Bytes() []byte {
	b := make([]byte, HLen)
	binary.BigEndian.PutUint16(b[0:2], h.FlowID)
	binary.BigEndian.PutUint16(b[2:4], h.Len)
	return b
}

// DecodeHeader reads a Header from the first HLen bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HLen {
		return Header{}, ErrTooShort
	}
	return Header{
		FlowID: binary.BigEndian.Uint16(b[0:2]),
		Len:    binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// Frame wraps a raw Ethernet frame buffer. ReadOnly marks a buffer shared
// with another owner (e.g. still referenced by a receive ring); PopTT
// refuses to mutate such a frame and reports ErrNotWritable, mirroring the
// "frame buffer cannot be made writable in-place" failure mode of the
// original.
type Frame struct {
	Raw      []byte
	ReadOnly bool
}

// Classify determines whether frame is TRDP-over-UDP (destined to ttPort),
// native TT (EtherType ethPTT), or neither.
//
// Classify never mutates frame and tolerates layer decode failures by
// reporting Other.
func Classify(frame []byte, ethPTT layers.EthernetType, ttPort layers.UDPPort) Class {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return Other
	}
	if eth.EthernetType == ethPTT {
		return TtNative
	}
	if eth.EthernetType != layers.EthernetTypeIPv4 {
		return Other
	}
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(eth.LayerPayload(), gopacket.NilDecodeFeedback); err != nil {
		return Other
	}
	if ip.Protocol != layers.IPProtocolUDP {
		return Other
	}
	var udp layers.UDP
	if err := udp.DecodeFromBytes(ip.LayerPayload(), gopacket.NilDecodeFeedback); err != nil {
		return Other
	}
	if udp.DstPort != ttPort {
		return Other
	}
	return TrdpOverUdp
}

// TrdpFlowID extracts the flow_id carried in the first two bytes of the UDP
// payload of a frame already classified as TrdpOverUdp.
func TrdpFlowID(frame []byte, ttPort layers.UDPPort) (uint16, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return 0, serrors.Wrap("decoding ethernet layer", err)
	}
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(eth.LayerPayload(), gopacket.NilDecodeFeedback); err != nil {
		return 0, serrors.Wrap("decoding ipv4 layer", err)
	}
	var udp layers.UDP
	if err := udp.DecodeFromBytes(ip.LayerPayload(), gopacket.NilDecodeFeedback); err != nil {
		return 0, serrors.Wrap("decoding udp layer", err)
	}
	payload := udp.LayerPayload()
	if len(payload) < 2 {
		return 0, ErrTooShort
	}
	return binary.BigEndian.Uint16(payload[0:2]), nil
}

// PushTT encapsulates frame (an Ethernet/IPv4/UDP TRDP frame) into a native
// TT frame: the MAC header is preserved, EtherType is rewritten to ethPTT,
// and a 4-byte TT header carrying flowID is inserted immediately after it.
// The original EtherType's payload (the IPv4 datagram) follows unchanged.
//
// PushTT allocates a new buffer rather than attempting true in-place
// headroom growth (the original works on a headroom-reserving mbuf; a Go
// []byte has no such concept, so growth here is just an append into fresh
// backing storage). It fails with ErrOutOfMemory if the result would exceed
// MaxFrameLen.
func PushTT(frame Frame, flowID uint16, ethPTT layers.EthernetType) (Frame, error) {
	var eth mdlethernet.Frame
	if err := eth.UnmarshalBinary(frame.Raw); err != nil {
		return Frame{}, serrors.Wrap("unmarshaling ethernet frame", err)
	}

	origLen := len(frame.Raw)
	if origLen+HLen > MaxFrameLen {
		return Frame{}, ErrOutOfMemory
	}

	hdr := Header{FlowID: flowID, Len: uint16(origLen - HLen)}
	payload := make([]byte, 0, HLen+len(eth.Payload))
	payload = append(payload, hdr.Bytes()...)
	payload = append(payload, eth.Payload...)

	out := mdlethernet.Frame{
		Destination: eth.Destination,
		Source:      eth.Source,
		EtherType:   mdlethernet.EtherType(ethPTT),
		Payload:     payload,
	}
	raw, err := out.MarshalBinary()
	if err != nil {
		return Frame{}, serrors.Wrap("marshaling tt frame", err)
	}
	return Frame{Raw: raw}, nil
}

// PopTT is the inverse of PushTT: it strips the TT header from a native TT
// frame, restoring the original EtherType/IPv4 frame. It fails with
// ErrNotWritable if frame.ReadOnly is set, ErrTooShort if frame is too small
// to carry a TT header, and ErrLenMismatch if the header's len field does
// not match the frame actually received.
func PopTT(frame Frame, restoreType layers.EthernetType) (Frame, error) {
	if frame.ReadOnly {
		return Frame{}, ErrNotWritable
	}
	var eth mdlethernet.Frame
	if err := eth.UnmarshalBinary(frame.Raw); err != nil {
		return Frame{}, serrors.Wrap("unmarshaling tt frame", err)
	}
	if len(eth.Payload) < HLen {
		return Frame{}, ErrTooShort
	}
	hdr, err := DecodeHeader(eth.Payload)
	if err != nil {
		return Frame{}, err
	}
	// hdr.Len was written by PushTT as (pre-push frame length - HLen); the
	// TT frame we're popping is exactly HLen bytes longer than that
	// pre-push frame, so len(frame.Raw) - 2*HLen must recover it.
	if wantLen := len(frame.Raw) - 2*HLen; int(hdr.Len) != wantLen {
		return Frame{}, serrors.WithCtx(ErrLenMismatch, "header_len", hdr.Len, "want_len", wantLen)
	}

	out := mdlethernet.Frame{
		Destination: eth.Destination,
		Source:      eth.Source,
		EtherType:   mdlethernet.EtherType(restoreType),
		Payload:     eth.Payload[HLen:],
	}
	raw, err := out.MarshalBinary()
	if err != nil {
		return Frame{}, serrors.Wrap("marshaling restored frame", err)
	}
	return Frame{Raw: raw}, nil
}

// Copyright (c) 2026 Tigera, Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flow

import (
	"fmt"
	"net/netip"
)

// Key is the 5-tuple (plus ingress next-hop) that identifies a flow in the flow table.
type Key struct {
	Nh      uint32
	Src     netip.Addr
	Dst     netip.Addr
	Proto   uint8
	SrcPort uint16
	DstPort uint16
}

func MakeKey(nh uint32, src, dst netip.Addr, proto uint8, sport, dport uint16) Key {
	return Key{Nh: nh, Src: src, Dst: dst, Proto: proto, SrcPort: sport, DstPort: dport}
}

// Reverse returns the key of the reverse direction, assuming no NAT.
func (k Key) Reverse() Key {
	return Key{
		Nh:      k.Nh,
		Src:     k.Dst,
		Dst:     k.Src,
		Proto:   k.Proto,
		SrcPort: k.DstPort,
		DstPort: k.SrcPort,
	}
}

func (k Key) WithSourcePort(port uint16) Key {
	k.SrcPort = port
	return k
}

func (k Key) String() string {
	return fmt.Sprintf("nh=%d src=%v dst=%v proto=%d sport=%d dport=%d",
		k.Nh, k.Src, k.Dst, k.Proto, k.SrcPort, k.DstPort)
}

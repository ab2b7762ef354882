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

package flowmgmt

import (
	"net/netip"

	log "github.com/sirupsen/logrus"
	"github.com/tchap/go-patricia/v2/patricia"

	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
	"github.com/Juniper/contrail-controller-sub028/pkg/flowevent"
	"github.com/Juniper/contrail-controller-sub028/pkg/ip"
)

// vrfLPM indexes the route entries of one VRF by prefix so that we can find the route a new, more
// specific route carves flows out of.
type vrfLPM struct {
	trie    *patricia.Trie
	entries int
}

// inetRouteTree holds either the IPv4 or the IPv6 route entries.
type inetRouteTree struct {
	*baseTree
	noExt

	v6  bool
	lpm map[uint32]*vrfLPM
}

func newInetRouteTree(m *Manager, v6 bool) *inetRouteTree {
	t := &inetRouteTree{v6: v6, lpm: map[uint32]*vrfLPM{}}
	typ := TypeInet4Route
	if v6 {
		typ = TypeInet6Route
	}
	t.baseTree = newBaseTree(typ, m, t)
	return t
}

// extract adds a key for the route each of the flow's addresses matched in every VRF it was looked
// up in, plus the route used for the RPF check.
func (t *inetRouteTree) extract(v *flow.View, out *KeySet) {
	add := func(vrf uint32, addr netip.Addr, plen uint8) {
		if vrf == 0 || !addr.IsValid() || addr.Is6() != t.v6 {
			return
		}
		if int(plen) > addr.BitLen() {
			log.WithFields(log.Fields{"vrf": vrf, "addr": addr, "plen": plen}).Debug(
				"Ignoring route match with prefix length longer than the address")
			return
		}
		out.Insert(NewInetRouteKey(vrf, addr, int(plen)))
	}
	for vrf, plen := range v.Data.SrcPlenMap {
		add(vrf, v.Key.Src, plen)
	}
	for vrf, plen := range v.Data.DstPlenMap {
		add(vrf, v.Key.Dst, plen)
	}
	add(v.Data.RpfVrf, v.Key.Src, v.Data.RpfPlen)
}

// lpmPrefix is the trie key of a prefix: a '/' followed by one '0' or '1' per prefix bit.  The
// leading '/' keeps the key of a default route non-empty.
func lpmPrefix(p netip.Prefix) patricia.Prefix {
	return patricia.Prefix("/" + ip.PrefixAsBinary(p))
}

func (t *inetRouteTree) onEntryCreated(e *TreeEntry) {
	k := e.key.(InetRouteKey)
	l := t.lpm[k.Vrf]
	if l == nil {
		l = &vrfLPM{trie: patricia.NewTrie()}
		t.lpm[k.Vrf] = l
	}
	l.trie.Set(lpmPrefix(k.Prefix), e)
	l.entries++
}

func (t *inetRouteTree) onEntryRemoved(e *TreeEntry) {
	k := e.key.(InetRouteKey)
	l := t.lpm[k.Vrf]
	if l == nil || !l.trie.Delete(lpmPrefix(k.Prefix)) {
		log.WithField("key", k).Panic("Route entry missing from LPM index")
	}
	l.entries--
	if l.entries == 0 {
		delete(t.lpm, k.Vrf)
	}
}

// onOperAdd handles a route appearing: flows that were riding the covering (shorter) route and whose
// addresses fall inside the new prefix must be recomputed so they move to the new route.
func (t *inetRouteTree) onOperAdd(_ *Request, e *TreeEntry, isNew bool) {
	if !isNew {
		return
	}
	k := e.key.(InetRouteKey)
	covering := t.coveringEntry(k)
	if covering == nil {
		return
	}
	recomputed := 0
	covering.flows.Ascend(func(f *flow.Entry) bool {
		v := f.View()
		if viewInPrefix(&v, k.Prefix) {
			t.mgr.enqueueFlowEvent(flowevent.RecomputeFlow, f)
			recomputed++
		}
		return true
	})
	log.WithFields(log.Fields{
		"route":      k,
		"covering":   covering.key,
		"recomputed": recomputed,
	}).Debug("New route added under a covering route")
}

// coveringEntry returns the entry of the longest prefix strictly shorter than k that contains it.
func (t *inetRouteTree) coveringEntry(k InetRouteKey) *TreeEntry {
	l := t.lpm[k.Vrf]
	if l == nil {
		return nil
	}
	var best *TreeEntry
	bestLen := -1
	err := l.trie.VisitPrefixes(lpmPrefix(k.Prefix), func(prefix patricia.Prefix, item patricia.Item) error {
		plen := len(prefix) - 1
		if plen < k.Prefix.Bits() && plen > bestLen {
			best = item.(*TreeEntry)
			bestLen = plen
		}
		return nil
	})
	if err != nil {
		return nil
	}
	return best
}

// viewInPrefix returns true if any of the flow's addresses, or its reverse flow's, is inside p.
func viewInPrefix(v *flow.View, p netip.Prefix) bool {
	if p.Contains(v.Key.Src) || p.Contains(v.Key.Dst) {
		return true
	}
	if v.ReverseKey != nil {
		return p.Contains(v.ReverseKey.Src) || p.Contains(v.ReverseKey.Dst)
	}
	return false
}

// HasVrfFlows returns true if any route entry of the VRF still has flows.
func (t *inetRouteTree) HasVrfFlows(vrf uint32) bool {
	base := netip.IPv4Unspecified()
	if t.v6 {
		base = netip.IPv6Unspecified()
	}
	pivot := &TreeEntry{key: InetRouteKey{Vrf: vrf, Prefix: netip.PrefixFrom(base, 0)}}
	found := false
	t.entries.AscendGreaterOrEqual(pivot, func(e *TreeEntry) bool {
		if e.key.(InetRouteKey).Vrf != vrf {
			return false
		}
		if e.NumFlows() > 0 {
			found = true
			return false
		}
		return true
	})
	return found
}

type bridgeRouteTree struct {
	*baseTree
	noExt
}

func newBridgeRouteTree(m *Manager) *bridgeRouteTree {
	t := &bridgeRouteTree{}
	t.baseTree = newBaseTree(TypeBridgeRoute, m, t)
	return t
}

// extract adds the bridge routes of the flow's MACs.  Only L2 flows carry MACs.
func (t *bridgeRouteTree) extract(v *flow.View, out *KeySet) {
	if v.Data.Vrf == 0 {
		return
	}
	if !v.Data.SrcMAC.IsZero() {
		out.Insert(BridgeRouteKey{Vrf: v.Data.Vrf, MAC: v.Data.SrcMAC})
	}
	if !v.Data.DstMAC.IsZero() {
		out.Insert(BridgeRouteKey{Vrf: v.Data.Vrf, MAC: v.Data.DstMAC})
	}
}

func (t *bridgeRouteTree) HasVrfFlows(vrf uint32) bool {
	found := false
	t.entries.AscendGreaterOrEqual(&TreeEntry{key: BridgeRouteKey{Vrf: vrf}}, func(e *TreeEntry) bool {
		if e.key.(BridgeRouteKey).Vrf != vrf {
			return false
		}
		if e.NumFlows() > 0 {
			found = true
			return false
		}
		return true
	})
	return found
}

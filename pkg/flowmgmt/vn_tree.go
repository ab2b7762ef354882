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
	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
)

// VnCounters are the running per-VN flow counts.  A local flow (both ends on this vRouter) counts
// in both directions.
type VnCounters struct {
	Ingress int
	Egress  int
}

func (c *VnCounters) apply(local, ingress bool, delta int) {
	switch {
	case local:
		c.Ingress += delta
		c.Egress += delta
	case ingress:
		c.Ingress += delta
	default:
		c.Egress += delta
	}
}

type vnTree struct {
	*baseTree
	noExt
}

func newVnTree(m *Manager) *vnTree {
	t := &vnTree{}
	t.baseTree = newBaseTree(TypeVn, m, t)
	return t
}

func (t *vnTree) extract(v *flow.View, out *KeySet) {
	if v.Data.SrcVN != 0 {
		out.Insert(VnKey{ID: v.Data.SrcVN})
	}
	if v.Data.DstVN != 0 {
		out.Insert(VnKey{ID: v.Data.DstVN})
	}
}

func (t *vnTree) onEntryCreated(e *TreeEntry) {
	e.vn = &VnCounters{}
}

func (t *vnTree) onFlowAdded(e *TreeEntry, _ Key, info *FlowEntryInfo) {
	e.vn.apply(info.local, info.ingress, 1)
}

func (t *vnTree) onFlowRemoved(e *TreeEntry, _ Key, info *FlowEntryInfo) {
	e.vn.apply(info.prevLocal, info.prevIngress, -1)
}

// onFlowRefreshed corrects the counters when a flow that stays in the VN changed direction or
// locality since the last diff.
func (t *vnTree) onFlowRefreshed(e *TreeEntry, _, _ Key, info *FlowEntryInfo) {
	if info.local == info.prevLocal && info.ingress == info.prevIngress {
		return
	}
	e.vn.apply(info.prevLocal, info.prevIngress, -1)
	e.vn.apply(info.local, info.ingress, 1)
}

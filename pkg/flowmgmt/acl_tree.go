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
	"maps"

	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
)

// AclCounters tracks, per ACL, how many attached flows matched each rule.  FlowMiss counts flows that
// hit the ACL without matching any explicit rule.
type AclCounters struct {
	AceCounts map[uint32]int
	FlowMiss  int
}

func (c *AclCounters) copy() AclCounters {
	return AclCounters{AceCounts: maps.Clone(c.AceCounts), FlowMiss: c.FlowMiss}
}

type aclTree struct {
	*baseTree
	noExt
}

func newAclTree(m *Manager) *aclTree {
	t := &aclTree{}
	t.baseTree = newBaseTree(TypeAcl, m, t)
	return t
}

// extract adds one key per distinct ACL in any of the flow's match lists.  An ACL that appears in
// several lists gets the union of the rules matched in each.
func (t *aclTree) extract(v *flow.View, out *KeySet) {
	for _, list := range v.Data.Match.AllLists() {
		for _, ma := range list {
			if ma.Acl == 0 {
				continue
			}
			key := NewAclKey(ma.Acl, ma.AceIDs...)
			if existing, ok := out.Get(key); ok {
				key = mergeAces(existing.(AclKey), key)
			}
			out.Insert(key)
		}
	}
}

func mergeAces(a, b AclKey) AclKey {
	switch {
	case a.AceIDs == nil:
		return b
	case b.AceIDs == nil:
		return a
	}
	return AclKey{ID: a.ID, AceIDs: a.AceIDs.Union(b.AceIDs)}
}

func (t *aclTree) onEntryCreated(e *TreeEntry) {
	e.acl = &AclCounters{AceCounts: map[uint32]int{}}
}

func (t *aclTree) onFlowAdded(e *TreeEntry, key Key, _ *FlowEntryInfo) {
	e.acl.count(key.(AclKey), 1)
}

func (t *aclTree) onFlowRemoved(e *TreeEntry, key Key, _ *FlowEntryInfo) {
	e.acl.count(key.(AclKey), -1)
}

// onFlowRefreshed moves the flow's contribution from the rules it used to match to the rules it
// matches now.
func (t *aclTree) onFlowRefreshed(e *TreeEntry, oldKey, newKey Key, _ *FlowEntryInfo) {
	o, n := oldKey.(AclKey), newKey.(AclKey)
	if o.SameAces(n) {
		return
	}
	e.acl.count(o, -1)
	e.acl.count(n, 1)
}

func (c *AclCounters) count(key AclKey, delta int) {
	aces := key.Aces()
	if len(aces) == 0 {
		c.FlowMiss += delta
		return
	}
	for _, id := range aces {
		c.AceCounts[id] += delta
		if c.AceCounts[id] == 0 {
			delete(c.AceCounts, id)
		}
	}
}

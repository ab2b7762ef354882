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
	"fmt"

	"github.com/google/btree"

	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
)

type OperState int

const (
	OperInvalid OperState = iota
	OperAddSeen
	OperDelSeen
)

func (s OperState) String() string {
	switch s {
	case OperInvalid:
		return "invalid"
	case OperAddSeen:
		return "add-seen"
	case OperDelSeen:
		return "del-seen"
	}
	return fmt.Sprintf("oper-state(%d)", int(s))
}

func flowLess(a, b *flow.Entry) bool {
	return a.ID() < b.ID()
}

// TreeEntry is the record for one dependency target: the flows that depend on it and what the
// control plane last said about it.  Only one of the type-specific counter blocks is set.
type TreeEntry struct {
	key   Key
	flows *btree.BTreeG[*flow.Entry]
	state OperState
	gen   uint32

	acl  *AclCounters
	vn   *VnCounters
	intf *InterfaceCounters
	vrf  *vrfLifetime
}

func newEntry(key Key) *TreeEntry {
	return &TreeEntry{
		key:   key,
		flows: btree.NewG[*flow.Entry](8, flowLess),
	}
}

func (e *TreeEntry) Key() Key {
	return e.key
}

func (e *TreeEntry) State() OperState {
	return e.state
}

func (e *TreeEntry) Gen() uint32 {
	return e.gen
}

func (e *TreeEntry) NumFlows() int {
	return e.flows.Len()
}

func (e *TreeEntry) HasFlow(f *flow.Entry) bool {
	return e.flows.Has(f)
}

// Flows returns the dependent flows in flow-id order.
func (e *TreeEntry) Flows() []*flow.Entry {
	out := make([]*flow.Entry, 0, e.flows.Len())
	e.flows.Ascend(func(f *flow.Entry) bool {
		out = append(out, f)
		return true
	})
	return out
}

func (e *TreeEntry) addFlow(f *flow.Entry) bool {
	_, found := e.flows.ReplaceOrInsert(f)
	return !found
}

func (e *TreeEntry) removeFlow(f *flow.Entry) bool {
	_, found := e.flows.Delete(f)
	return found
}

// canDelete is the common reclamation rule: no flows left and the entity is not live.  Trees may
// add conditions of their own.
func (e *TreeEntry) canDelete() bool {
	return e.flows.Len() == 0 && e.state != OperAddSeen
}

// FlowEntryInfo is the manager's per-flow record: the keys the flow currently depends on and the
// flow properties that were used to update aggregate counters, so the next diff can undo them.
type FlowEntryInfo struct {
	flow *flow.Entry
	keys *KeySet

	local   bool
	ingress bool
	// prevLocal and prevIngress hold the values from before the diff in progress.
	prevLocal   bool
	prevIngress bool

	diffs uint64
}

func newFlowEntryInfo(f *flow.Entry) *FlowEntryInfo {
	return &FlowEntryInfo{flow: f, keys: NewKeySet()}
}

func (i *FlowEntryInfo) Flow() *flow.Entry {
	return i.flow
}

func (i *FlowEntryInfo) Keys() []Key {
	return i.keys.Keys()
}

func (i *FlowEntryInfo) Diffs() uint64 {
	return i.diffs
}

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

// InterfaceCounters counts flows created on and aged off an interface.  The number of active flows
// is the entry's flow count.
type InterfaceCounters struct {
	Created uint64
	Aged    uint64
}

type interfaceTree struct {
	*baseTree
	noExt
}

func newInterfaceTree(m *Manager) *interfaceTree {
	t := &interfaceTree{}
	t.baseTree = newBaseTree(TypeInterface, m, t)
	return t
}

func (t *interfaceTree) extract(v *flow.View, out *KeySet) {
	if v.Data.Interface != 0 {
		out.Insert(InterfaceKey{ID: v.Data.Interface})
	}
}

func (t *interfaceTree) onEntryCreated(e *TreeEntry) {
	e.intf = &InterfaceCounters{}
}

func (t *interfaceTree) onFlowAdded(e *TreeEntry, _ Key, _ *FlowEntryInfo) {
	e.intf.Created++
}

func (t *interfaceTree) onFlowRemoved(e *TreeEntry, _ Key, _ *FlowEntryInfo) {
	e.intf.Aged++
}

// vmTree groups flows per VM.  VMs have no DB entry so their entries only live while flows use
// them.
type vmTree struct {
	*baseTree
	noExt
}

func newVmTree(m *Manager) *vmTree {
	t := &vmTree{}
	t.baseTree = newBaseTree(TypeVm, m, t)
	return t
}

func (t *vmTree) extract(v *flow.View, out *KeySet) {
	if v.Data.VM != 0 {
		out.Insert(VmKey{ID: v.Data.VM})
	}
}

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
	log "github.com/sirupsen/logrus"

	"github.com/Juniper/contrail-controller-sub028/pkg/oper"
)

// vrfLifetime is held by a VRF entry while the VRF's route tables are alive.  Flows refer to VRFs
// by id, so the entry must outlive both the tables and every route-dependent flow of the VRF.
type vrfLifetime struct {
	vrf       *oper.Vrf
	destroyed [3]bool
}

func (l *vrfLifetime) tablesDestroyed() bool {
	return l.destroyed[0] && l.destroyed[1] && l.destroyed[2]
}

// vrfTree entries are only created by VRF notifications; no flow depends on a VRF key directly.
type vrfTree struct {
	*baseTree
	noExt
}

func newVrfTree(m *Manager) *vrfTree {
	t := &vrfTree{}
	t.baseTree = newBaseTree(TypeVrf, m, t)
	return t
}

func (t *vrfTree) onOperAdd(req *Request, e *TreeEntry, _ bool) {
	v, ok := req.Entry.(*oper.Vrf)
	if !ok {
		log.WithField("entry", req.Entry).Panic("VRF request without a VRF")
	}
	if e.vrf != nil && e.vrf.vrf == v {
		return
	}
	l := &vrfLifetime{vrf: v}
	e.vrf = l
	for i, tbl := range v.RouteTables() {
		if !tbl.AddLifetimeRef(func() { t.mgr.postVrfTableDestroyed(v, i) }) {
			l.destroyed[i] = true
		}
	}
}

// extraCanDelete holds the VRF entry until all three route tables have gone and no flow depends on
// a route in the VRF.
func (t *vrfTree) extraCanDelete(e *TreeEntry) bool {
	if e.vrf != nil && !e.vrf.tablesDestroyed() {
		return false
	}
	return !t.mgr.hasVrfRouteFlows(e.key.(VrfKey).ID)
}

// tableDestroyed records that one of the VRF's route tables has been destroyed and retries the
// delete.  Notifications for a previous incarnation of the VRF are ignored.
func (t *vrfTree) tableDestroyed(v *oper.Vrf, index int) bool {
	e := t.Find(VrfKey{ID: v.ID})
	if e == nil || e.vrf == nil || e.vrf.vrf != v {
		return false
	}
	e.vrf.destroyed[index] = true
	return t.TryDelete(e.key, e)
}

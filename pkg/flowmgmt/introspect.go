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
	"context"
)

type AclStats struct {
	ID    uint32
	Flows int
	AclCounters
}

type VnStats struct {
	ID    uint32
	Flows int
	VnCounters
}

type InterfaceStats struct {
	ID     uint32
	Active int
	InterfaceCounters
}

// Snapshot is a point-in-time copy of the manager's counters.
type Snapshot struct {
	Flows      int
	TreeSizes  map[KeyType]int
	Acls       []AclStats
	Vns        []VnStats
	Interfaces []InterfaceStats
}

// Snapshot collects the manager's counters on the management goroutine.
func (m *Manager) Snapshot(ctx context.Context) (*Snapshot, error) {
	var s *Snapshot
	if err := m.runOnManager(ctx, func() { s = m.snapshot() }); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) snapshot() *Snapshot {
	s := &Snapshot{
		Flows:     len(m.flows),
		TreeSizes: map[KeyType]int{},
	}
	for _, t := range m.trees {
		s.TreeSizes[t.Type()] = t.Len()
	}
	s.TreeSizes[TypeVrf] = m.vrf.Len()
	m.acl.Walk(func(e *TreeEntry) bool {
		s.Acls = append(s.Acls, AclStats{
			ID:          e.key.(AclKey).ID,
			Flows:       e.NumFlows(),
			AclCounters: e.acl.copy(),
		})
		return true
	})
	m.vn.Walk(func(e *TreeEntry) bool {
		s.Vns = append(s.Vns, VnStats{ID: e.key.(VnKey).ID, Flows: e.NumFlows(), VnCounters: *e.vn})
		return true
	})
	m.intf.Walk(func(e *TreeEntry) bool {
		s.Interfaces = append(s.Interfaces, InterfaceStats{
			ID:                e.key.(InterfaceKey).ID,
			Active:            e.NumFlows(),
			InterfaceCounters: *e.intf,
		})
		return true
	})
	return s
}

func (s *Snapshot) Acl(id uint32) (AclStats, bool) {
	for _, a := range s.Acls {
		if a.ID == id {
			return a, true
		}
	}
	return AclStats{}, false
}

func (s *Snapshot) Vn(id uint32) (VnStats, bool) {
	for _, v := range s.Vns {
		if v.ID == id {
			return v, true
		}
	}
	return VnStats{}, false
}

func (s *Snapshot) Interface(id uint32) (InterfaceStats, bool) {
	for _, i := range s.Interfaces {
		if i.ID == id {
			return i, true
		}
	}
	return InterfaceStats{}, false
}

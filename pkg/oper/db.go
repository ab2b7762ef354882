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

package oper

import (
	log "github.com/sirupsen/logrus"
)

// DB groups the operational tables the flow management core listens to.
type DB struct {
	Interfaces      *Table
	VirtualNetworks *Table
	Acls            *Table
	NextHops        *Table
	Vrfs            *Table
}

func NewDB() *DB {
	return &DB{
		Interfaces:      NewTable("db.interface.0"),
		VirtualNetworks: NewTable("db.vn.0"),
		Acls:            NewTable("db.acl.0"),
		NextHops:        NewTable("db.nexthop.0"),
		Vrfs:            NewTable("db.vrf.0"),
	}
}

// TableFor returns the table that holds entries of the given ref, or nil if the ref names a route
// whose VRF no longer exists.
func (db *DB) TableFor(ref Ref) *Table {
	switch ref.Kind {
	case KindInterface:
		return db.Interfaces
	case KindVirtualNetwork:
		return db.VirtualNetworks
	case KindAcl:
		return db.Acls
	case KindNextHop:
		return db.NextHops
	case KindVrf:
		return db.Vrfs
	case KindInet4Route, KindInet6Route, KindBridgeRoute:
		v, _ := db.Vrfs.Find(Ref{Kind: KindVrf, ID: ref.Vrf}).(*Vrf)
		if v == nil {
			return nil
		}
		return v.RouteTable(ref.Kind)
	}
	log.WithField("ref", ref).Panic("Unknown entry kind")
	return nil
}

// Find looks up the live entry for a ref.  Returns nil if the entry (or, for routes, its VRF) has
// gone.
func (db *DB) Find(ref Ref) Entry {
	t := db.TableFor(ref)
	if t == nil {
		return nil
	}
	return t.Find(ref)
}

// AddRoute adds or updates a route in its VRF's table.  Returns false if the VRF does not exist.
func (db *DB) AddRoute(r *Route) bool {
	t := db.TableFor(r.Ref())
	if t == nil {
		return false
	}
	t.Upsert(r)
	return true
}

func (db *DB) DeleteRoute(ref Ref) bool {
	t := db.TableFor(ref)
	if t == nil {
		return false
	}
	return t.Delete(ref)
}

// DeleteVrf deletes the VRF entry and then requests deletion of its route tables.  The tables are
// only destroyed once their listeners have unregistered, which the flow management DB client does
// when it sees the VRF delete.
func (db *DB) DeleteVrf(id uint32) bool {
	v, _ := db.Vrfs.Find(Ref{Kind: KindVrf, ID: id}).(*Vrf)
	if v == nil {
		return false
	}
	db.Vrfs.Delete(v.Ref())
	for _, t := range v.RouteTables() {
		t.RequestDelete()
	}
	return true
}

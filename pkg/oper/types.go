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

// Package oper is a minimal, in-memory model of the agent's operational DB tables.  The real
// tables are populated by the config/BGP control plane, which lives outside this module; the flow
// management core only consumes entry identity, the deleted flag and a handful of watched
// attributes.
package oper

import (
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
)

type Kind int

const (
	KindInvalid Kind = iota
	KindInterface
	KindVirtualNetwork
	KindAcl
	KindNextHop
	KindInet4Route
	KindInet6Route
	KindBridgeRoute
	KindVrf
)

func (k Kind) String() string {
	switch k {
	case KindInterface:
		return "interface"
	case KindVirtualNetwork:
		return "vn"
	case KindAcl:
		return "acl"
	case KindNextHop:
		return "nh"
	case KindInet4Route:
		return "inet4-route"
	case KindInet6Route:
		return "inet6-route"
	case KindBridgeRoute:
		return "bridge-route"
	case KindVrf:
		return "vrf"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type MAC [6]byte

func MustParseMAC(s string) MAC {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		panic(fmt.Sprintf("bad MAC %q: %v", s, err))
	}
	var m MAC
	copy(m[:], hw)
	return m
}

func (m MAC) IsZero() bool {
	return m == MAC{}
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// Ref is the stable, comparable identity of an operational entry.  It is a weak reference: holding
// a Ref never keeps the entry alive and it may outlive the entry.
type Ref struct {
	Kind   Kind
	ID     uint32
	Vrf    uint32
	Prefix netip.Prefix
	MAC    MAC
}

func (r Ref) String() string {
	switch r.Kind {
	case KindInet4Route, KindInet6Route:
		return fmt.Sprintf("%v(vrf=%d %v)", r.Kind, r.Vrf, r.Prefix)
	case KindBridgeRoute:
		return fmt.Sprintf("%v(vrf=%d %v)", r.Kind, r.Vrf, r.MAC)
	default:
		return fmt.Sprintf("%v(%d)", r.Kind, r.ID)
	}
}

// Entry is the closed set of operational entry types the flow management core understands:
// *Interface, *VirtualNetwork, *Acl, *NextHop, *Route and *Vrf.
type Entry interface {
	Ref() Ref
	IsDeleted() bool
	base() *entryBase
}

type entryBase struct {
	deleted atomic.Bool
}

func (b *entryBase) IsDeleted() bool {
	return b.deleted.Load()
}

func (b *entryBase) base() *entryBase {
	return b
}

type Interface struct {
	entryBase

	ID            uint32
	Name          string
	VN            uint32
	Vrf           uint32
	VM            uint32
	PolicyEnabled bool
	Active        bool
	// SecurityGroups holds the ids of the SG ACLs applied on the interface.
	SecurityGroups []uint32
	VrfAssignAcl   uint32
}

func (i *Interface) Ref() Ref { return Ref{Kind: KindInterface, ID: i.ID} }

type VirtualNetwork struct {
	entryBase

	ID                  uint32
	Name                string
	Acl                 uint32
	MirrorAcl           uint32
	MirrorCfgAcl        uint32
	EnableRPF           bool
	FloodUnknownUnicast bool
}

func (v *VirtualNetwork) Ref() Ref { return Ref{Kind: KindVirtualNetwork, ID: v.ID} }

// Ace is an access-control entry.  Its match semantics belong to the classifier; the flow
// management core only needs to know when the list changes.
type Ace struct {
	ID     uint32
	Match  string
	Action string
}

type Acl struct {
	entryBase

	ID      uint32
	Name    string
	Entries []Ace
}

func (a *Acl) Ref() Ref { return Ref{Kind: KindAcl, ID: a.ID} }

type NextHop struct {
	entryBase

	ID     uint32
	Valid  bool
	Policy bool
	// Components lists member next-hop ids of a composite (ECMP) next-hop.
	Components []uint32
}

func (n *NextHop) Ref() Ref { return Ref{Kind: KindNextHop, ID: n.ID} }

type Route struct {
	entryBase

	kind   Kind
	Vrf    uint32
	Prefix netip.Prefix
	MAC    MAC

	ActiveNH       uint32
	SecurityGroups []uint32
	EcmpLocalNH    uint32
	// FixedIPs maps a peer name to the fixed IP it advertises with the route, used to track NAT
	// translations.
	FixedIPs map[string]netip.Addr
}

func NewInetRoute(vrf uint32, prefix netip.Prefix) *Route {
	kind := KindInet4Route
	if prefix.Addr().Is6() {
		kind = KindInet6Route
	}
	return &Route{kind: kind, Vrf: vrf, Prefix: prefix.Masked()}
}

func NewBridgeRoute(vrf uint32, mac MAC) *Route {
	return &Route{kind: KindBridgeRoute, Vrf: vrf, MAC: mac}
}

func (r *Route) Kind() Kind { return r.kind }

func (r *Route) Ref() Ref {
	return Ref{Kind: r.kind, Vrf: r.Vrf, Prefix: r.Prefix, MAC: r.MAC}
}

// Vrf owns its three route tables.  The tables are created with the VRF and are never replaced,
// so the pointers may be read from any goroutine.
type Vrf struct {
	entryBase

	ID     uint32
	Name   string
	Inet4  *Table
	Inet6  *Table
	Bridge *Table
}

func NewVrf(id uint32, name string) *Vrf {
	return &Vrf{
		ID:     id,
		Name:   name,
		Inet4:  NewTable(fmt.Sprintf("%s.uc.route.0", name)),
		Inet6:  NewTable(fmt.Sprintf("%s.uc.route6.0", name)),
		Bridge: NewTable(fmt.Sprintf("%s.l2.route.0", name)),
	}
}

func (v *Vrf) Ref() Ref { return Ref{Kind: KindVrf, ID: v.ID} }

// RouteTables returns the INET4, INET6 and bridge tables in that order.
func (v *Vrf) RouteTables() [3]*Table {
	return [3]*Table{v.Inet4, v.Inet6, v.Bridge}
}

func (v *Vrf) RouteTable(kind Kind) *Table {
	switch kind {
	case KindInet4Route:
		return v.Inet4
	case KindInet6Route:
		return v.Inet6
	case KindBridgeRoute:
		return v.Bridge
	}
	return nil
}

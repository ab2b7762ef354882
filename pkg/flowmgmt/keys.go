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

// Package flowmgmt tracks which control-plane entities each flow depends on, so that a change to
// an entity re-evaluates exactly the flows that used it, and an entity's shadow state is only freed
// once no flow refers to it.
package flowmgmt

import (
	"bytes"
	"cmp"
	"fmt"
	"net/netip"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/Juniper/contrail-controller-sub028/pkg/oper"
)

type KeyType int

const (
	TypeInvalid KeyType = iota
	TypeInterface
	TypeAcl
	TypeAceID
	TypeVn
	TypeVm
	TypeInet4Route
	TypeInet6Route
	TypeBridgeRoute
	TypeNh
	TypeVrf
	TypeBgpAsAService
)

func (t KeyType) String() string {
	switch t {
	case TypeInterface:
		return "interface"
	case TypeAcl:
		return "acl"
	case TypeAceID:
		return "ace-id"
	case TypeVn:
		return "vn"
	case TypeVm:
		return "vm"
	case TypeInet4Route:
		return "inet4-route"
	case TypeInet6Route:
		return "inet6-route"
	case TypeBridgeRoute:
		return "bridge-route"
	case TypeNh:
		return "nh"
	case TypeVrf:
		return "vrf"
	case TypeBgpAsAService:
		return "bgp-as-a-service"
	}
	return fmt.Sprintf("key-type(%d)", int(t))
}

// Key identifies a dependency target.  Keys hold a weak reference to the control-plane entity (its
// oper.Ref), never the entity itself.
type Key interface {
	Type() KeyType
	// Compare orders keys of the same type.  Callers must use CompareKeys for keys that may differ
	// in type.
	Compare(other Key) int
	// Clone returns a copy that shares no mutable state with the receiver.
	Clone() Key
	// Ref is the control-plane entity the key refers to.  Keys for things that have no DB entry
	// (VMs, BGP-as-a-service sessions) return the zero Ref.
	Ref() oper.Ref
	String() string
}

func CompareKeys(a, b Key) int {
	if c := cmp.Compare(a.Type(), b.Type()); c != 0 {
		return c
	}
	return a.Compare(b)
}

func keyLess(a, b Key) bool {
	return CompareKeys(a, b) < 0
}

type InterfaceKey struct {
	ID uint32
}

func (k InterfaceKey) Type() KeyType     { return TypeInterface }
func (k InterfaceKey) Clone() Key        { return k }
func (k InterfaceKey) Ref() oper.Ref     { return oper.Ref{Kind: oper.KindInterface, ID: k.ID} }
func (k InterfaceKey) String() string    { return fmt.Sprintf("interface(%d)", k.ID) }
func (k InterfaceKey) Compare(o Key) int { return cmp.Compare(k.ID, o.(InterfaceKey).ID) }

// AclKey identifies an ACL.  AceIDs is payload, not identity: it records which rules of the ACL the
// flow matched and is refreshed when a flow is re-diffed against the same ACL.
type AclKey struct {
	ID     uint32
	AceIDs *bitset.BitSet
}

func NewAclKey(id uint32, aceIDs ...uint32) AclKey {
	k := AclKey{ID: id}
	if len(aceIDs) > 0 {
		k.AceIDs = bitset.New(0)
		for _, a := range aceIDs {
			k.AceIDs.Set(uint(a))
		}
	}
	return k
}

func (k AclKey) Type() KeyType { return TypeAcl }

func (k AclKey) Clone() Key {
	if k.AceIDs == nil {
		return AclKey{ID: k.ID}
	}
	return AclKey{ID: k.ID, AceIDs: k.AceIDs.Clone()}
}

func (k AclKey) Ref() oper.Ref     { return oper.Ref{Kind: oper.KindAcl, ID: k.ID} }
func (k AclKey) Compare(o Key) int { return cmp.Compare(k.ID, o.(AclKey).ID) }

// Aces returns the matched ACE ids in ascending order.
func (k AclKey) Aces() []uint32 {
	if k.AceIDs == nil {
		return nil
	}
	out := make([]uint32, 0, k.AceIDs.Count())
	for i, ok := k.AceIDs.NextSet(0); ok; i, ok = k.AceIDs.NextSet(i + 1) {
		out = append(out, uint32(i))
	}
	return out
}

// SameAces returns true if both keys matched the same set of rules.
func (k AclKey) SameAces(o AclKey) bool {
	switch {
	case k.AceIDs == nil || k.AceIDs.None():
		return o.AceIDs == nil || o.AceIDs.None()
	case o.AceIDs == nil:
		return false
	}
	return k.AceIDs.Equal(o.AceIDs)
}

func (k AclKey) String() string {
	return fmt.Sprintf("acl(%d aces=%v)", k.ID, k.Aces())
}

// AceIDKey names a single rule of an ACL.  It is only used to label per-rule counters.
type AceIDKey struct {
	Acl uint32
	ID  uint32
}

func (k AceIDKey) Type() KeyType { return TypeAceID }
func (k AceIDKey) Clone() Key    { return k }
func (k AceIDKey) Ref() oper.Ref { return oper.Ref{Kind: oper.KindAcl, ID: k.Acl} }
func (k AceIDKey) String() string {
	return fmt.Sprintf("ace(acl=%d id=%d)", k.Acl, k.ID)
}

func (k AceIDKey) Compare(o Key) int {
	ok := o.(AceIDKey)
	if c := cmp.Compare(k.Acl, ok.Acl); c != 0 {
		return c
	}
	return cmp.Compare(k.ID, ok.ID)
}

type VnKey struct {
	ID uint32
}

func (k VnKey) Type() KeyType     { return TypeVn }
func (k VnKey) Clone() Key        { return k }
func (k VnKey) Ref() oper.Ref     { return oper.Ref{Kind: oper.KindVirtualNetwork, ID: k.ID} }
func (k VnKey) String() string    { return fmt.Sprintf("vn(%d)", k.ID) }
func (k VnKey) Compare(o Key) int { return cmp.Compare(k.ID, o.(VnKey).ID) }

// VmKey groups the flows of one VM.  VMs have no DB entry of their own.
type VmKey struct {
	ID uint32
}

func (k VmKey) Type() KeyType     { return TypeVm }
func (k VmKey) Clone() Key        { return k }
func (k VmKey) Ref() oper.Ref     { return oper.Ref{} }
func (k VmKey) String() string    { return fmt.Sprintf("vm(%d)", k.ID) }
func (k VmKey) Compare(o Key) int { return cmp.Compare(k.ID, o.(VmKey).ID) }

type NhKey struct {
	ID uint32
}

func (k NhKey) Type() KeyType     { return TypeNh }
func (k NhKey) Clone() Key        { return k }
func (k NhKey) Ref() oper.Ref     { return oper.Ref{Kind: oper.KindNextHop, ID: k.ID} }
func (k NhKey) String() string    { return fmt.Sprintf("nh(%d)", k.ID) }
func (k NhKey) Compare(o Key) int { return cmp.Compare(k.ID, o.(NhKey).ID) }

type VrfKey struct {
	ID uint32
}

func (k VrfKey) Type() KeyType     { return TypeVrf }
func (k VrfKey) Clone() Key        { return k }
func (k VrfKey) Ref() oper.Ref     { return oper.Ref{Kind: oper.KindVrf, ID: k.ID} }
func (k VrfKey) String() string    { return fmt.Sprintf("vrf(%d)", k.ID) }
func (k VrfKey) Compare(o Key) int { return cmp.Compare(k.ID, o.(VrfKey).ID) }

// InetRouteKey is an IPv4 or IPv6 route, depending on the prefix.  Prefix is always masked.
type InetRouteKey struct {
	Vrf    uint32
	Prefix netip.Prefix
}

func NewInetRouteKey(vrf uint32, addr netip.Addr, plen int) InetRouteKey {
	p, err := addr.Prefix(plen)
	if err != nil {
		p = netip.PrefixFrom(addr, plen)
	}
	return InetRouteKey{Vrf: vrf, Prefix: p}
}

func (k InetRouteKey) Type() KeyType {
	if k.Prefix.Addr().Is6() {
		return TypeInet6Route
	}
	return TypeInet4Route
}

func (k InetRouteKey) Clone() Key { return k }

func (k InetRouteKey) Ref() oper.Ref {
	kind := oper.KindInet4Route
	if k.Type() == TypeInet6Route {
		kind = oper.KindInet6Route
	}
	return oper.Ref{Kind: kind, Vrf: k.Vrf, Prefix: k.Prefix}
}

func (k InetRouteKey) String() string {
	return fmt.Sprintf("%v(vrf=%d %v)", k.Type(), k.Vrf, k.Prefix)
}

func (k InetRouteKey) Compare(o Key) int {
	ok := o.(InetRouteKey)
	if c := cmp.Compare(k.Vrf, ok.Vrf); c != 0 {
		return c
	}
	if c := k.Prefix.Addr().Compare(ok.Prefix.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(k.Prefix.Bits(), ok.Prefix.Bits())
}

type BridgeRouteKey struct {
	Vrf uint32
	MAC oper.MAC
}

func (k BridgeRouteKey) Type() KeyType { return TypeBridgeRoute }
func (k BridgeRouteKey) Clone() Key    { return k }
func (k BridgeRouteKey) Ref() oper.Ref {
	return oper.Ref{Kind: oper.KindBridgeRoute, Vrf: k.Vrf, MAC: k.MAC}
}
func (k BridgeRouteKey) String() string {
	return fmt.Sprintf("bridge-route(vrf=%d %v)", k.Vrf, k.MAC)
}

func (k BridgeRouteKey) Compare(o Key) int {
	ok := o.(BridgeRouteKey)
	if c := cmp.Compare(k.Vrf, ok.Vrf); c != 0 {
		return c
	}
	return bytes.Compare(k.MAC[:], ok.MAC[:])
}

// BgpAsAServiceKey identifies the BGP session a BGP-as-a-service flow carries: the VMI it is for,
// the flow's source port and the control node it peers with.
type BgpAsAServiceKey struct {
	VmiUUID    uuid.UUID
	SourcePort uint16
	CNIndex    int
}

func (k BgpAsAServiceKey) Type() KeyType { return TypeBgpAsAService }
func (k BgpAsAServiceKey) Clone() Key    { return k }
func (k BgpAsAServiceKey) Ref() oper.Ref { return oper.Ref{} }
func (k BgpAsAServiceKey) String() string {
	return fmt.Sprintf("bgp-as-a-service(vmi=%v sport=%d cn=%d)", k.VmiUUID, k.SourcePort, k.CNIndex)
}

func (k BgpAsAServiceKey) Compare(o Key) int {
	ok := o.(BgpAsAServiceKey)
	if c := bytes.Compare(k.VmiUUID[:], ok.VmiUUID[:]); c != 0 {
		return c
	}
	if c := cmp.Compare(k.SourcePort, ok.SourcePort); c != 0 {
		return c
	}
	return cmp.Compare(k.CNIndex, ok.CNIndex)
}

// KeySet is an ordered set of keys, ordered by CompareKeys.  Inserting a key that compares equal to
// a member replaces the member.
type KeySet struct {
	keys *btree.BTreeG[Key]
}

func NewKeySet() *KeySet {
	return &KeySet{keys: btree.NewG[Key](8, keyLess)}
}

func (s *KeySet) Insert(k Key) {
	s.keys.ReplaceOrInsert(k)
}

func (s *KeySet) Get(k Key) (Key, bool) {
	return s.keys.Get(k)
}

func (s *KeySet) Delete(k Key) bool {
	_, ok := s.keys.Delete(k)
	return ok
}

func (s *KeySet) Has(k Key) bool {
	return s.keys.Has(k)
}

func (s *KeySet) Len() int {
	return s.keys.Len()
}

// Keys returns the members in order.
func (s *KeySet) Keys() []Key {
	out := make([]Key, 0, s.keys.Len())
	s.keys.Ascend(func(k Key) bool {
		out = append(out, k)
		return true
	})
	return out
}

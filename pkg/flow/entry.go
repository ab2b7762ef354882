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

package flow

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Juniper/contrail-controller-sub028/pkg/oper"
	"github.com/Juniper/contrail-controller-sub028/pkg/tokenpool"
)

type Flags uint32

const (
	FlagReverseFlow Flags = 1 << iota
	FlagLocalFlow
	FlagIngressDir
	FlagBgpRouterService
	FlagShortFlow
	FlagL2Flow
)

func (f Flags) Has(o Flags) bool {
	return f&o == o
}

// MatchAcl records that a flow matched an ACL.  An empty AceIDs slice means the ACL applied but no
// explicit rule matched (the implicit action was taken).
type MatchAcl struct {
	Acl    uint32
	AceIDs []uint32
}

// MatchPolicy is the per-flow result of policy classification.  The lists mirror the ACL sources
// the classifier evaluates.
type MatchPolicy struct {
	Policy       []MatchAcl
	OutPolicy    []MatchAcl
	SG           []MatchAcl
	OutSG        []MatchAcl
	ReverseSG    []MatchAcl
	ReverseOutSG []MatchAcl
	Mirror       []MatchAcl
	OutMirror    []MatchAcl
	VrfAssign    []MatchAcl

	Action string
}

// AllLists returns every ACL match list, in a fixed order.
func (m *MatchPolicy) AllLists() [][]MatchAcl {
	return [][]MatchAcl{
		m.Policy, m.OutPolicy,
		m.SG, m.OutSG,
		m.ReverseSG, m.ReverseOutSG,
		m.Mirror, m.OutMirror,
		m.VrfAssign,
	}
}

func (m MatchPolicy) clone() MatchPolicy {
	cloneList := func(in []MatchAcl) []MatchAcl {
		if in == nil {
			return nil
		}
		out := make([]MatchAcl, len(in))
		for i, ma := range in {
			out[i] = MatchAcl{Acl: ma.Acl, AceIDs: slices.Clone(ma.AceIDs)}
		}
		return out
	}
	return MatchPolicy{
		Policy:       cloneList(m.Policy),
		OutPolicy:    cloneList(m.OutPolicy),
		SG:           cloneList(m.SG),
		OutSG:        cloneList(m.OutSG),
		ReverseSG:    cloneList(m.ReverseSG),
		ReverseOutSG: cloneList(m.ReverseOutSG),
		Mirror:       cloneList(m.Mirror),
		OutMirror:    cloneList(m.OutMirror),
		VrfAssign:    cloneList(m.VrfAssign),
		Action:       m.Action,
	}
}

// BgpAsAService identifies the BGP-as-a-service session a BgpRouterService flow belongs to.
type BgpAsAService struct {
	VmiUUID uuid.UUID
	CNIndex int
}

// Data is everything classification recorded about the flow's dependencies.  Zero values mean
// "no dependency of this type".
type Data struct {
	Interface uint32
	VM        uint32
	SrcVN     uint32
	DstVN     uint32
	Nh        uint32
	RpfNh     uint32
	Vrf       uint32
	DestVrf   uint32

	// SrcPlenMap and DstPlenMap map a VRF id to the prefix length of the route that the flow's
	// source/destination address matched in that VRF.
	SrcPlenMap map[uint32]uint8
	DstPlenMap map[uint32]uint8

	// RpfPlen is the prefix length of the route used for the RPF check of the source address in
	// RpfVrf.  A zero RpfVrf means the flow has no RPF route dependency.
	RpfVrf  uint32
	RpfPlen uint8

	SrcMAC oper.MAC
	DstMAC oper.MAC

	BgpAsAService BgpAsAService

	Match MatchPolicy
}

func (d Data) Clone() Data {
	out := d
	out.SrcPlenMap = maps.Clone(d.SrcPlenMap)
	out.DstPlenMap = maps.Clone(d.DstPlenMap)
	out.Match = d.Match.clone()
	return out
}

var nextFlowID atomic.Uint64

// Entry is a flow.  Entries are owned by a Table and recycled through its free list; the flow
// management core holds plain pointers, which stay valid until the table gets FREE_FLOW_REF back for
// the entry.
type Entry struct {
	// mu guards everything below.  It is the per-flow lock taken both by the owning shard and by
	// the DB-entry update path.
	mu sync.Mutex

	id         uint64
	uuid       uuid.UUID
	key        Key
	shard      int
	flags      Flags
	data       Data
	reverse    *Entry
	deleted    bool
	gen        uint8
	created    time.Time
	pending    PendingAction
	mgmtReq    any
	ksyncToken *tokenpool.Token
	mgmtRefs   int
}

// View is an immutable copy of the parts of a flow that dependency extraction reads.
type View struct {
	ID         uint64
	Key        Key
	Flags      Flags
	Data       Data
	ReverseKey *Key
	Deleted    bool
}

func (f *Entry) ID() uint64 {
	return f.id
}

func (f *Entry) Key() Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.key
}

func (f *Entry) UUID() uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uuid
}

func (f *Entry) Shard() int {
	return f.shard
}

func (f *Entry) Flags() Flags {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags
}

func (f *Entry) SetFlags(flags Flags) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = flags
}

func (f *Entry) Gen() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

func (f *Entry) IsDeleted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted
}

func (f *Entry) Reverse() *Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reverse
}

// Data returns a deep copy of the flow's classification data.
func (f *Entry) Data() Data {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data.Clone()
}

func (f *Entry) SetData(d Data) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = d.Clone()
}

// View returns a consistent snapshot of the flow.  The reverse flow's key is read under its own lock
// after ours is released so that the two locks are never held together.
func (f *Entry) View() View {
	f.mu.Lock()
	v := View{
		ID:      f.id,
		Key:     f.key,
		Flags:   f.flags,
		Data:    f.data.Clone(),
		Deleted: f.deleted,
	}
	rev := f.reverse
	f.mu.Unlock()
	if rev != nil {
		rk := rev.Key()
		v.ReverseKey = &rk
	}
	return v
}

// SwapMgmtRequest installs req as the flow's pending flow-management request and returns the
// previous one.  The slot lets producers coalesce repeated events for a flow into the request that
// is already queued.
func (f *Entry) SwapMgmtRequest(req any) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	old := f.mgmtReq
	f.mgmtReq = req
	return old
}

// UpdateMgmtRequest runs fn with the currently queued request (nil if none) while holding the flow
// lock, and stores whatever fn returns.
func (f *Entry) UpdateMgmtRequest(fn func(current any) any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mgmtReq = fn(f.mgmtReq)
}

// SetKSyncToken stores the token covering the flow's outstanding KSync operation, releasing any
// token it replaces.
func (f *Entry) SetKSyncToken(t *tokenpool.Token) {
	f.mu.Lock()
	old := f.ksyncToken
	f.ksyncToken = t
	f.mu.Unlock()
	if old != t {
		old.Release()
	}
}

// ReleaseKSyncToken releases the flow's KSync token, if any.
func (f *Entry) ReleaseKSyncToken() {
	f.SetKSyncToken(nil)
}

// AddMgmtRef and DropMgmtRef count the references the flow management core holds.  A table entry
// is only recycled once the count is back to zero.
func (f *Entry) AddMgmtRef() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mgmtRefs++
}

func (f *Entry) DropMgmtRef() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mgmtRefs--
	return f.mgmtRefs
}

func (f *Entry) MgmtRefs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mgmtRefs
}

func (f *Entry) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen++
	f.id = 0
	f.uuid = uuid.Nil
	f.key = Key{}
	f.flags = 0
	f.data = Data{}
	f.reverse = nil
	f.deleted = false
	f.created = time.Time{}
	f.pending = ActionNone
	f.mgmtReq = nil
	f.ksyncToken = nil
	f.mgmtRefs = 0
}

func (f *Entry) markDeleted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted {
		return false
	}
	f.deleted = true
	return true
}

// NewEntry allocates a stand-alone flow that does not belong to a table.  Tests and tools use it;
// the packet path allocates through Table.Allocate.
func NewEntry(key Key, flags Flags, data Data) *Entry {
	f := &Entry{}
	f.init(key, flags, data)
	return f
}

func (f *Entry) init(key Key, flags Flags, data Data) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = nextFlowID.Add(1)
	f.uuid = uuid.New()
	f.key = key
	f.flags = flags
	f.data = data.Clone()
	f.created = time.Now()
}

// LinkReverse pairs two flows as forward and reverse of each other.
func LinkReverse(fwd, rev *Entry) {
	fwd.mu.Lock()
	fwd.reverse = rev
	fwd.mu.Unlock()
	rev.mu.Lock()
	rev.reverse = fwd
	rev.flags |= FlagReverseFlow
	rev.mu.Unlock()
}

func (f *Entry) Created() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// UnlinkReverse breaks the pairing between f and its reverse flow, if it has one.
func UnlinkReverse(f *Entry) {
	f.mu.Lock()
	rev := f.reverse
	f.reverse = nil
	f.mu.Unlock()
	if rev == nil {
		return
	}
	rev.mu.Lock()
	if rev.reverse == f {
		rev.reverse = nil
	}
	rev.mu.Unlock()
}

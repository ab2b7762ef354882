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
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/Juniper/contrail-controller-sub028/pkg/oper"
)

var (
	gaugeShadowStates = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowmgmt_db_shadow_states",
		Help: "Number of DB entries the flow management DB client holds shadow state for.",
	})
	countStaleFrees = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowmgmt_db_stale_frees_total",
		Help: "Number of FREE_DBENTRY requests dropped because the shadow state was newer or live.",
	})
	countSuppressedChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowmgmt_db_suppressed_changes_total",
		Help: "Number of DB change notifications dropped because no watched attribute changed.",
	})
)

func init() {
	prometheus.MustRegister(gaugeShadowStates)
	prometheus.MustRegister(countStaleFrees)
	prometheus.MustRegister(countSuppressedChanges)
}

// watched is the snapshot of the attributes of a DB entry that flow classification consumes.  A
// change notification that leaves the snapshot unchanged is not passed on.
type watched interface {
	equal(o watched) bool
}

type interfaceWatch struct {
	vn            uint32
	vrf           uint32
	policyEnabled bool
	active        bool
	sgs           []uint32
	vrfAssignAcl  uint32
}

func (w interfaceWatch) equal(o watched) bool {
	x, ok := o.(interfaceWatch)
	return ok && w.vn == x.vn && w.vrf == x.vrf && w.policyEnabled == x.policyEnabled &&
		w.active == x.active && w.vrfAssignAcl == x.vrfAssignAcl && slices.Equal(w.sgs, x.sgs)
}

type vnWatch struct {
	acl                 uint32
	mirrorAcl           uint32
	mirrorCfgAcl        uint32
	enableRPF           bool
	floodUnknownUnicast bool
}

func (w vnWatch) equal(o watched) bool {
	x, ok := o.(vnWatch)
	return ok && w == x
}

type aclWatch struct {
	entries []oper.Ace
}

func (w aclWatch) equal(o watched) bool {
	x, ok := o.(aclWatch)
	return ok && slices.Equal(w.entries, x.entries)
}

type nhWatch struct {
	valid      bool
	policy     bool
	components []uint32
}

func (w nhWatch) equal(o watched) bool {
	x, ok := o.(nhWatch)
	return ok && w.valid == x.valid && w.policy == x.policy && slices.Equal(w.components, x.components)
}

type routeWatch struct {
	activeNH    uint32
	sgs         []uint32
	ecmpLocalNH uint32
	fixedIPs    map[string]string
}

func (w routeWatch) equal(o watched) bool {
	x, ok := o.(routeWatch)
	return ok && w.activeNH == x.activeNH && w.ecmpLocalNH == x.ecmpLocalNH &&
		slices.Equal(w.sgs, x.sgs) && maps.Equal(w.fixedIPs, x.fixedIPs)
}

// vrfWatch is empty: only VRF add and delete matter.
type vrfWatch struct{}

func (vrfWatch) equal(o watched) bool {
	_, ok := o.(vrfWatch)
	return ok
}

func sortedCopy(in []uint32) []uint32 {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}

func watchedAttrs(e oper.Entry) watched {
	switch e := e.(type) {
	case *oper.Interface:
		return interfaceWatch{
			vn:            e.VN,
			vrf:           e.Vrf,
			policyEnabled: e.PolicyEnabled,
			active:        e.Active,
			sgs:           sortedCopy(e.SecurityGroups),
			vrfAssignAcl:  e.VrfAssignAcl,
		}
	case *oper.VirtualNetwork:
		return vnWatch{
			acl:                 e.Acl,
			mirrorAcl:           e.MirrorAcl,
			mirrorCfgAcl:        e.MirrorCfgAcl,
			enableRPF:           e.EnableRPF,
			floodUnknownUnicast: e.FloodUnknownUnicast,
		}
	case *oper.Acl:
		return aclWatch{entries: slices.Clone(e.Entries)}
	case *oper.NextHop:
		return nhWatch{valid: e.Valid, policy: e.Policy, components: sortedCopy(e.Components)}
	case *oper.Route:
		w := routeWatch{
			activeNH:    e.ActiveNH,
			sgs:         sortedCopy(e.SecurityGroups),
			ecmpLocalNH: e.EcmpLocalNH,
			fixedIPs:    make(map[string]string, len(e.FixedIPs)),
		}
		for peer, addr := range e.FixedIPs {
			w.fixedIPs[peer] = addr.String()
		}
		return w
	case *oper.Vrf:
		return vrfWatch{}
	}
	log.WithField("entry", e).Panic("Unknown DB entry type")
	return nil
}

// shadowState is what the DB client remembers about a DB entry.  gen counts the deletes seen for
// the entry; a free request for an older generation is stale.
type shadowState struct {
	gen     uint32
	deleted bool
	attrs   watched
}

type vrfRegistration struct {
	vrf *oper.Vrf
	ids [3]oper.ListenerID
}

// DbClient is the flow management core's only listener on the DB tables.  It turns table
// notifications into management requests and owns the shadow state that makes freeing safe
// against reordering.
type DbClient struct {
	db  *oper.DB
	mgr *Manager

	// notifyLock is held across each notification so that requests reach the manager in the order
	// the shadow generations were assigned, across all tables.
	notifyLock sync.Mutex

	lock       sync.Mutex
	registered bool
	listeners  map[*oper.Table]oper.ListenerID
	vrfs       map[uint32]*vrfRegistration
	shadows    map[oper.Ref]*shadowState
}

func newDbClient(db *oper.DB, mgr *Manager) *DbClient {
	return &DbClient{
		db:        db,
		mgr:       mgr,
		listeners: map[*oper.Table]oper.ListenerID{},
		vrfs:      map[uint32]*vrfRegistration{},
		shadows:   map[oper.Ref]*shadowState{},
	}
}

// Init registers with the interface, VN, ACL, next-hop and VRF tables.  Route tables are registered
// per VRF as VRFs appear.  Returns false if already registered.
func (c *DbClient) Init() bool {
	c.lock.Lock()
	if c.registered {
		c.lock.Unlock()
		log.Warn("Flow management DB client already registered")
		return false
	}
	c.registered = true
	c.lock.Unlock()

	tables := []*oper.Table{c.db.Interfaces, c.db.VirtualNetworks, c.db.Acls, c.db.NextHops, c.db.Vrfs}
	for _, t := range tables {
		id := t.Register("flow-mgmt", c.onNotify)
		c.lock.Lock()
		c.listeners[t] = id
		c.lock.Unlock()
	}
	log.Info("Flow management DB client registered")
	return true
}

// Shutdown unregisters from every table.
func (c *DbClient) Shutdown() {
	c.lock.Lock()
	listeners := c.listeners
	vrfs := c.vrfs
	c.listeners = map[*oper.Table]oper.ListenerID{}
	c.vrfs = map[uint32]*vrfRegistration{}
	c.registered = false
	c.lock.Unlock()

	for t, id := range listeners {
		t.Unregister(id)
	}
	for _, reg := range vrfs {
		unregisterRouteTables(reg)
	}
}

func (c *DbClient) onNotify(_ *oper.Table, e oper.Entry) {
	c.notifyLock.Lock()
	defer c.notifyLock.Unlock()
	if e.IsDeleted() {
		c.onDelete(e)
		return
	}
	c.onAddOrChange(e)
}

func (c *DbClient) onAddOrChange(e oper.Entry) {
	ref := e.Ref()
	attrs := watchedAttrs(e)

	c.lock.Lock()
	st := c.shadows[ref]
	var typ RequestType
	switch {
	case st == nil:
		st = &shadowState{attrs: attrs}
		c.shadows[ref] = st
		gaugeShadowStates.Set(float64(len(c.shadows)))
		typ = RequestAddDBEntry
	case st.deleted:
		// Re-added before the shadow was freed: keep the shadow and its generation.
		st.deleted = false
		st.attrs = attrs
		typ = RequestAddDBEntry
	case st.attrs.equal(attrs):
		c.lock.Unlock()
		countSuppressedChanges.Inc()
		return
	default:
		st.attrs = attrs
		typ = RequestChangeDBEntry
	}
	gen := st.gen
	c.lock.Unlock()

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{"ref": ref, "gen": gen, "request": typ}).Debug("DB entry notification")
	}
	if v, ok := e.(*oper.Vrf); ok && typ == RequestAddDBEntry {
		c.registerRouteTables(v)
	}
	c.mgr.enqueueDBRequest(typ, e, gen)
}

func (c *DbClient) onDelete(e oper.Entry) {
	ref := e.Ref()
	c.lock.Lock()
	st := c.shadows[ref]
	if st == nil || st.deleted {
		// Never seen, or a duplicate delete.
		c.lock.Unlock()
		return
	}
	st.deleted = true
	st.gen++
	gen := st.gen
	c.lock.Unlock()

	log.WithFields(log.Fields{"ref": ref, "gen": gen}).Debug("DB entry deleted")
	if v, ok := e.(*oper.Vrf); ok {
		c.flushVrfRoutes(v)
	}
	c.mgr.enqueueDBRequest(RequestDeleteDBEntry, e, gen)
	if v, ok := e.(*oper.Vrf); ok {
		c.unregisterVrf(v)
	}
}

// flushVrfRoutes synthesises deletes for every live route of a VRF that is going away.  Once we
// unregister from its route tables we will not hear about those routes again.
func (c *DbClient) flushVrfRoutes(v *oper.Vrf) {
	type pending struct {
		e   oper.Entry
		gen uint32
	}
	var deletes []pending
	c.lock.Lock()
	for ref, st := range c.shadows {
		if ref.Vrf != v.ID || st.deleted {
			continue
		}
		var route oper.Entry
		switch ref.Kind {
		case oper.KindInet4Route, oper.KindInet6Route:
			route = oper.NewInetRoute(ref.Vrf, ref.Prefix)
		case oper.KindBridgeRoute:
			route = oper.NewBridgeRoute(ref.Vrf, ref.MAC)
		default:
			continue
		}
		if live := v.RouteTable(ref.Kind).Find(ref); live != nil {
			route = live
		}
		st.deleted = true
		st.gen++
		deletes = append(deletes, pending{e: route, gen: st.gen})
	}
	c.lock.Unlock()

	slices.SortFunc(deletes, func(a, b pending) int {
		return cmpRefs(a.e.Ref(), b.e.Ref())
	})
	for _, d := range deletes {
		c.mgr.enqueueDBRequest(RequestDeleteDBEntry, d.e, d.gen)
	}
	if len(deletes) > 0 {
		log.WithFields(log.Fields{"vrf": v.ID, "routes": len(deletes)}).Info("Flushed routes of deleted VRF")
	}
}

func cmpRefs(a, b oper.Ref) int {
	if a.Kind != b.Kind {
		return int(a.Kind) - int(b.Kind)
	}
	if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
		return c
	}
	if a.Prefix.Bits() != b.Prefix.Bits() {
		return a.Prefix.Bits() - b.Prefix.Bits()
	}
	return slices.Compare(a.MAC[:], b.MAC[:])
}

func (c *DbClient) registerRouteTables(v *oper.Vrf) {
	c.lock.Lock()
	old := c.vrfs[v.ID]
	if old != nil && old.vrf == v {
		c.lock.Unlock()
		return
	}
	reg := &vrfRegistration{vrf: v}
	c.vrfs[v.ID] = reg
	c.lock.Unlock()

	if old != nil {
		unregisterRouteTables(old)
	}
	for i, t := range v.RouteTables() {
		reg.ids[i] = t.Register("flow-mgmt", c.onNotify)
	}
	log.WithField("vrf", v.ID).Debug("Registered with VRF route tables")
}

func (c *DbClient) unregisterVrf(v *oper.Vrf) {
	c.lock.Lock()
	reg := c.vrfs[v.ID]
	if reg == nil || reg.vrf != v {
		c.lock.Unlock()
		return
	}
	delete(c.vrfs, v.ID)
	c.lock.Unlock()
	unregisterRouteTables(reg)
	log.WithField("vrf", v.ID).Debug("Unregistered from VRF route tables")
}

func unregisterRouteTables(reg *vrfRegistration) {
	for i, t := range reg.vrf.RouteTables() {
		t.Unregister(reg.ids[i])
	}
}

// FreeDBState drops the shadow state of a deleted entry.  The request is stale, and ignored, if the
// shadow has already gone, if the entry has been deleted again since (newer generation) or if the
// entry has been re-added.  Returns true if the shadow was freed.
func (c *DbClient) FreeDBState(ref oper.Ref, gen uint32) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	st := c.shadows[ref]
	if st == nil || st.gen > gen || !st.deleted {
		countStaleFrees.Inc()
		if log.IsLevelEnabled(log.DebugLevel) {
			log.WithFields(log.Fields{"ref": ref, "gen": gen}).Debug("Ignoring stale free")
		}
		return false
	}
	delete(c.shadows, ref)
	gaugeShadowStates.Set(float64(len(c.shadows)))
	return true
}

// ShadowGen returns the generation of the entry's shadow state, if it has one.
func (c *DbClient) ShadowGen(ref oper.Ref) (uint32, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	st := c.shadows[ref]
	if st == nil {
		return 0, false
	}
	return st.gen, true
}

func (c *DbClient) NumShadows() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.shadows)
}

func (c *DbClient) NumVrfRegistrations() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.vrfs)
}

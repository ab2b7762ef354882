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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
	"github.com/Juniper/contrail-controller-sub028/pkg/flowevent"
	"github.com/Juniper/contrail-controller-sub028/pkg/oper"
)

var (
	gaugeFlowsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowmgmt_flows_tracked",
		Help: "Number of flows the flow management core holds dependency state for.",
	})
	countRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmgmt_requests_total",
		Help: "Number of flow management requests processed, by type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(gaugeFlowsTracked)
	prometheus.MustRegister(countRequests)
}

// EventSink receives the events the manager raises for the packet path: per-flow re-evaluation,
// FREE_FLOW_REF and FREE_DBENTRY.  FlowProto implements it.
type EventSink interface {
	EnqueueFlowEvent(ev *flowevent.FlowEvent)
}

type Config struct {
	MaxIterations int
	LatencyLimit  time.Duration
	Clock         clock.PassiveClock
}

// Manager owns the dependency trees and the per-flow key sets.  All of its state is only touched
// from the goroutine draining its request queue; other goroutines talk to it by enqueueing
// requests.
type Manager struct {
	db   *oper.DB
	sink EventSink

	acl    *aclTree
	vn     *vnTree
	intf   *interfaceTree
	vm     *vmTree
	inet4  *inetRouteTree
	inet6  *inetRouteTree
	bridge *bridgeRouteTree
	nh     *nhTree
	vrf    *vrfTree
	bgpaas *bgpAsAServiceTree
	// trees lists every tree that extracts keys from flows, in KeyType order.
	trees []Tree

	flows map[*flow.Entry]*FlowEntryInfo

	// vrfsToRetry collects VRFs that lost route-dependent flows during the current request.
	vrfsToRetry sets.Set[uint32]

	requests *flowevent.Queue[*Request]
	dbClient *DbClient
}

func NewManager(db *oper.DB, sink EventSink, cfg Config) *Manager {
	m := &Manager{
		db:          db,
		sink:        sink,
		flows:       map[*flow.Entry]*FlowEntryInfo{},
		vrfsToRetry: sets.New[uint32](),
	}
	m.acl = newAclTree(m)
	m.vn = newVnTree(m)
	m.intf = newInterfaceTree(m)
	m.vm = newVmTree(m)
	m.inet4 = newInetRouteTree(m, false)
	m.inet6 = newInetRouteTree(m, true)
	m.bridge = newBridgeRouteTree(m)
	m.nh = newNhTree(m)
	m.vrf = newVrfTree(m)
	m.bgpaas = newBgpAsAServiceTree(m)
	m.trees = []Tree{m.intf, m.acl, m.vn, m.vm, m.inet4, m.inet6, m.bridge, m.nh, m.bgpaas}

	m.requests = flowevent.New(flowevent.Config{
		Name:          "flow-mgmt",
		MaxIterations: cfg.MaxIterations,
		LatencyLimit:  cfg.LatencyLimit,
		Clock:         cfg.Clock,
	}, m.handleRequest)
	m.requests.SetOpNamer(func(r *Request) string {
		if r.Flow != nil {
			return "flow"
		}
		return r.Type.String()
	})
	m.dbClient = newDbClient(db, m)
	return m
}

// Init registers the DB client with the DB tables.
func (m *Manager) Init() {
	m.dbClient.Init()
}

func (m *Manager) DbClient() *DbClient {
	return m.dbClient
}

// Run processes management requests until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.requests.Run(ctx)
}

func (m *Manager) ShutDown() {
	m.requests.ShutDown()
	m.dbClient.Shutdown()
}

// ProcessPending synchronously handles every queued request.  It must not be used while Run is
// active.
func (m *Manager) ProcessPending() int {
	return m.requests.ProcessPending()
}

func (m *Manager) QueueLen() int {
	return m.requests.Len()
}

// Tree returns the tree for a key type, or nil if there is none.
func (m *Manager) Tree(t KeyType) Tree {
	switch t {
	case TypeInterface:
		return m.intf
	case TypeAcl:
		return m.acl
	case TypeVn:
		return m.vn
	case TypeVm:
		return m.vm
	case TypeInet4Route:
		return m.inet4
	case TypeInet6Route:
		return m.inet6
	case TypeBridgeRoute:
		return m.bridge
	case TypeNh:
		return m.nh
	case TypeVrf:
		return m.vrf
	case TypeBgpAsAService:
		return m.bgpaas
	}
	return nil
}

func (m *Manager) mustTree(k Key) Tree {
	t := m.Tree(k.Type())
	if t == nil {
		log.WithField("key", k).Panic("No tree for key type")
	}
	return t
}

// FlowInfo returns the manager's record for a flow, or nil.  Only safe on the management
// goroutine.
func (m *Manager) FlowInfo(f *flow.Entry) *FlowEntryInfo {
	return m.flows[f]
}

// AddFlowRequest queues a (re)computation of the flow's dependencies.  If a request for the flow
// is already queued it is reused.
func (m *Manager) AddFlowRequest(f *flow.Entry) {
	m.enqueueFlowRequest(f, RequestAddFlow)
}

// DeleteFlowRequest queues removal of the flow's dependencies.  It overrides any queued add.
func (m *Manager) DeleteFlowRequest(f *flow.Entry) {
	m.enqueueFlowRequest(f, RequestDeleteFlow)
}

func (m *Manager) enqueueFlowRequest(f *flow.Entry, typ RequestType) {
	var req *Request
	f.UpdateMgmtRequest(func(current any) any {
		if queued, ok := current.(*Request); ok && queued != nil {
			if queued.Type != RequestDeleteFlow {
				queued.Type = typ
			}
			return queued
		}
		req = &Request{Type: typ, Flow: f}
		return req
	})
	if req == nil {
		return
	}
	// The queued request holds a reference so the flow is not recycled under it.
	f.AddMgmtRef()
	m.requests.Enqueue(req)
}

func (m *Manager) enqueueDBRequest(typ RequestType, e oper.Entry, gen uint32) {
	m.requests.Enqueue(&Request{Type: typ, Entry: e, Gen: gen})
}

// postVrfTableDestroyed is called, from whichever goroutine destroyed the table, when one of a
// VRF's route tables goes away.
func (m *Manager) postVrfTableDestroyed(v *oper.Vrf, index int) {
	m.requests.Enqueue(&Request{Type: RequestRetryDeleteVrf, Vrf: v, VrfID: v.ID, TableIndex: index})
}

// RetryDeleteVrf queues another attempt to reclaim the VRF's entry.
func (m *Manager) RetryDeleteVrf(id uint32) {
	m.requests.Enqueue(&Request{Type: RequestRetryDeleteVrf, VrfID: id})
}

// BgpAsAServiceDelete tears down the flows of a BGP-as-a-service session.
func (m *Manager) BgpAsAServiceDelete(key BgpAsAServiceKey) {
	m.requests.Enqueue(&Request{Type: RequestDeleteBgpAsAService, BgpAsAService: key})
}

// Sync waits until every request queued before the call has been processed.
func (m *Manager) Sync(ctx context.Context) error {
	return m.runOnManager(ctx, nil)
}

func (m *Manager) runOnManager(ctx context.Context, fn func()) error {
	req := &Request{Type: RequestDummy, fn: fn, done: make(chan struct{})}
	m.requests.Enqueue(req)
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handleRequest(req *Request) {
	countRequests.WithLabelValues(requestLabel(req)).Inc()
	if req.Flow != nil {
		m.handleFlowRequest(req)
	} else {
		switch req.Type {
		case RequestAddDBEntry, RequestChangeDBEntry, RequestDeleteDBEntry:
			m.DBRequestHandler(req)
		case RequestRetryDeleteVrf:
			if req.Vrf != nil {
				m.vrf.tableDestroyed(req.Vrf, req.TableIndex)
			} else {
				m.vrf.RetryDelete(VrfKey{ID: req.VrfID})
			}
		case RequestDeleteBgpAsAService:
			m.bgpaas.deleteSession(req.BgpAsAService)
		case RequestDummy:
		default:
			log.WithField("request", req).Panic("Unknown flow management request")
		}
	}
	m.retryVrfDeletes()
	if req.fn != nil {
		req.fn()
	}
	if req.done != nil {
		close(req.done)
	}
}

func requestLabel(req *Request) string {
	if req.Flow != nil {
		return "flow"
	}
	return req.Type.String()
}

func (m *Manager) handleFlowRequest(req *Request) {
	f := req.Flow
	var typ RequestType
	f.UpdateMgmtRequest(func(current any) any {
		typ = req.Type
		if current == req {
			return nil
		}
		return current
	})
	if typ == RequestDeleteFlow || f.IsDeleted() {
		m.DeleteFlow(f)
	} else {
		m.AddFlow(f)
	}
	m.releaseFlowRef(f)
}

// AddFlow recomputes the flow's dependency keys and moves the flow between tree entries to match.
func (m *Manager) AddFlow(f *flow.Entry) {
	info := m.flows[f]
	if info == nil {
		info = newFlowEntryInfo(f)
		m.flows[f] = info
		f.AddMgmtRef()
		gaugeFlowsTracked.Set(float64(len(m.flows)))
	}
	v := f.View()
	newKeys := m.MakeFlowMgmtKeySet(&v)

	info.prevLocal, info.prevIngress = info.local, info.ingress
	info.local = v.Flags.Has(flow.FlagLocalFlow)
	info.ingress = v.Flags.Has(flow.FlagIngressDir)
	m.diff(info, newKeys)
	info.prevLocal, info.prevIngress = info.local, info.ingress
	info.diffs++

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"flow": f.ID(),
			"key":  v.Key,
			"keys": info.keys.Len(),
		}).Debug("Flow dependencies updated")
	}
}

// MakeFlowMgmtKeySet collects the keys of every type that the flow depends on.
func (m *Manager) MakeFlowMgmtKeySet(v *flow.View) *KeySet {
	out := NewKeySet()
	for _, t := range m.trees {
		t.ExtractKeys(v, out)
	}
	return out
}

// diff merges the flow's current key set with newKeys.  Both are ordered by CompareKeys, so one
// pass over the two sorted lists finds the keys to add, remove and refresh.
func (m *Manager) diff(info *FlowEntryInfo, newKeys *KeySet) {
	oldList := info.keys.Keys()
	newList := newKeys.Keys()
	i, j := 0, 0
	for i < len(oldList) || j < len(newList) {
		var c int
		switch {
		case i >= len(oldList):
			c = 1
		case j >= len(newList):
			c = -1
		default:
			c = CompareKeys(oldList[i], newList[j])
		}
		switch {
		case c < 0:
			m.removeKey(info, oldList[i])
			i++
		case c > 0:
			m.addKey(info, newList[j])
			j++
		default:
			m.refreshKey(info, oldList[i], newList[j])
			i++
			j++
		}
	}
}

func (m *Manager) addKey(info *FlowEntryInfo, k Key) {
	stored := k.Clone()
	info.keys.Insert(stored)
	m.mustTree(stored).Add(stored, info)
}

func (m *Manager) removeKey(info *FlowEntryInfo, k Key) {
	info.keys.Delete(k)
	if !m.mustTree(k).Delete(k, info) {
		log.WithFields(log.Fields{"flow": info.flow.ID(), "key": k}).Panic(
			"Flow was not attached to a key in its key set")
	}
	switch rk := k.(type) {
	case InetRouteKey:
		m.vrfsToRetry.Insert(rk.Vrf)
	case BridgeRouteKey:
		m.vrfsToRetry.Insert(rk.Vrf)
	}
}

func (m *Manager) refreshKey(info *FlowEntryInfo, oldKey, newKey Key) {
	stored := newKey.Clone()
	m.mustTree(oldKey).Refresh(oldKey, stored, info)
	info.keys.Insert(stored)
}

// DeleteFlow detaches the flow from every entry and forgets it.
func (m *Manager) DeleteFlow(f *flow.Entry) {
	info := m.flows[f]
	if info == nil {
		return
	}
	info.prevLocal, info.prevIngress = info.local, info.ingress
	for _, k := range info.keys.Keys() {
		m.removeKey(info, k)
	}
	if info.keys.Len() != 0 {
		log.WithFields(log.Fields{"flow": f.ID(), "keys": info.keys.Keys()}).Panic(
			"Flow still has keys after delete")
	}
	delete(m.flows, f)
	gaugeFlowsTracked.Set(float64(len(m.flows)))
	log.WithField("flow", f.ID()).Debug("Flow removed from flow management")
	m.releaseFlowRef(f)
}

// releaseFlowRef drops one of our references to the flow.  Once a deleted flow has none left it is
// handed back to its shard with FREE_FLOW_REF.
func (m *Manager) releaseFlowRef(f *flow.Entry) {
	if f.DropMgmtRef() == 0 && f.IsDeleted() {
		m.sink.EnqueueFlowEvent(&flowevent.FlowEvent{
			Event:   flowevent.FreeFlowRef,
			Flow:    f,
			FlowGen: f.Gen(),
		})
	}
}

// DBRequestHandler applies a DB notification to the tree for the entry's type.
func (m *Manager) DBRequestHandler(req *Request) {
	var t Tree
	var key Key
	switch e := req.Entry.(type) {
	case *oper.Interface:
		t, key = m.intf, InterfaceKey{ID: e.ID}
	case *oper.VirtualNetwork:
		t, key = m.vn, VnKey{ID: e.ID}
	case *oper.Acl:
		t, key = m.acl, AclKey{ID: e.ID}
	case *oper.NextHop:
		t, key = m.nh, NhKey{ID: e.ID}
	case *oper.Vrf:
		t, key = m.vrf, VrfKey{ID: e.ID}
	case *oper.Route:
		switch e.Kind() {
		case oper.KindInet4Route:
			t, key = m.inet4, InetRouteKey{Vrf: e.Vrf, Prefix: e.Prefix}
		case oper.KindInet6Route:
			t, key = m.inet6, InetRouteKey{Vrf: e.Vrf, Prefix: e.Prefix}
		case oper.KindBridgeRoute:
			t, key = m.bridge, BridgeRouteKey{Vrf: e.Vrf, MAC: e.MAC}
		default:
			log.WithField("route", e.Ref()).Panic("Unknown route kind")
		}
	default:
		log.WithField("entry", req.Entry).Panic("Unknown DB entry type")
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{"request": req.Type, "key": key, "gen": req.Gen}).Debug("DB request")
	}
	switch req.Type {
	case RequestAddDBEntry:
		t.OperEntryAdd(req, key)
	case RequestChangeDBEntry:
		t.OperEntryChange(req, key)
	case RequestDeleteDBEntry:
		t.OperEntryDelete(req, key)
	default:
		log.WithField("request", req).Panic("Not a DB request")
	}
}

func (m *Manager) hasVrfRouteFlows(vrf uint32) bool {
	return m.inet4.HasVrfFlows(vrf) || m.inet6.HasVrfFlows(vrf) || m.bridge.HasVrfFlows(vrf)
}

func (m *Manager) retryVrfDeletes() {
	if m.vrfsToRetry.Len() == 0 {
		return
	}
	for id := range m.vrfsToRetry {
		if e := m.vrf.Find(VrfKey{ID: id}); e != nil && e.state == OperDelSeen {
			m.vrf.TryDelete(e.key, e)
		}
	}
	m.vrfsToRetry.Clear()
}

func (m *Manager) enqueueFlowEvent(ev flowevent.Event, f *flow.Entry) {
	m.sink.EnqueueFlowEvent(&flowevent.FlowEvent{Event: ev, Flow: f, FlowGen: f.Gen()})
}

func (m *Manager) freeDBEntry(ref oper.Ref, gen uint32) {
	if ref.Kind == oper.KindInvalid {
		return
	}
	m.sink.EnqueueFlowEvent(&flowevent.FlowEvent{Event: flowevent.FreeDBEntry, Ref: ref, Gen: gen})
}

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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
	"github.com/Juniper/contrail-controller-sub028/pkg/flowevent"
	"github.com/Juniper/contrail-controller-sub028/pkg/oper"
)

var _ = Describe("Route trees", func() {
	var (
		db   *oper.DB
		sink *recordingSink
		m    *Manager
		vrf  *oper.Vrf
	)

	BeforeEach(func() {
		db = oper.NewDB()
		sink = &recordingSink{}
		m = NewManager(db, sink, Config{})
		m.Init()
		vrf = oper.NewVrf(1, "vrf1")
		db.Vrfs.Upsert(vrf)
		db.AddRoute(oper.NewInetRoute(1, mustPrefix("10.0.0.0/8")))
		m.ProcessPending()
	})

	AfterEach(func() {
		m.ShutDown()
	})

	addFlow := func(f *flow.Entry) {
		m.AddFlowRequest(f)
		m.ProcessPending()
	}

	routeFlow := func(src string, sport uint16) *flow.Entry {
		return flow.NewEntry(testFlowKey(src, "20.0.0.1", sport, 80), 0, flow.Data{
			Vrf:        1,
			SrcPlenMap: map[uint32]uint8{1: 8},
		})
	}

	It("should key flows on the route their addresses matched", func() {
		f := routeFlow("10.1.2.3", 1000)
		d := f.Data()
		d.RpfVrf = 1
		d.RpfPlen = 8
		d.DstPlenMap = map[uint32]uint8{2: 0}
		f.SetData(d)
		addFlow(f)

		Expect(keyStrings(m.FlowInfo(f).Keys())).To(Equal([]string{
			"inet4-route(vrf=1 10.0.0.0/8)",
			"inet4-route(vrf=2 0.0.0.0/0)",
		}))
	})

	It("should recompute the flows a more specific route carves out", func() {
		inside := routeFlow("10.1.2.3", 1000)
		outside := routeFlow("10.2.0.1", 1001)
		addFlow(inside)
		addFlow(outside)
		Expect(m.Tree(TypeInet4Route).Find(NewInetRouteKey(1, inside.Key().Src, 8)).NumFlows()).To(Equal(2))

		db.AddRoute(oper.NewInetRoute(1, mustPrefix("10.1.0.0/16")))
		m.ProcessPending()
		Expect(sink.flowsFor(flowevent.RecomputeFlow)).To(ConsistOf(inside))

		// Classification moves the flow to the new route.
		d := inside.Data()
		d.SrcPlenMap = map[uint32]uint8{1: 16}
		inside.SetData(d)
		addFlow(inside)
		Expect(m.Tree(TypeInet4Route).Find(NewInetRouteKey(1, inside.Key().Src, 8)).Flows()).To(ConsistOf(outside))
		Expect(m.Tree(TypeInet4Route).Find(NewInetRouteKey(1, inside.Key().Src, 16)).Flows()).To(ConsistOf(inside))

		// A route update, as opposed to a new route, does not trigger another recompute.
		sink.reset()
		r := oper.NewInetRoute(1, mustPrefix("10.1.0.0/16"))
		r.ActiveNH = 9
		db.AddRoute(r)
		m.ProcessPending()
		Expect(sink.ofType(flowevent.RecomputeFlow)).To(BeEmpty())
		Expect(sink.flowsFor(flowevent.RevaluateDBEntry)).To(ConsistOf(inside))
	})

	It("should ignore route matches longer than the address", func() {
		before := m.Tree(TypeInet4Route).Len()
		bad := flow.NewEntry(testFlowKey("10.1.2.3", "20.0.0.1", 1, 2), 0, flow.Data{
			SrcPlenMap: map[uint32]uint8{1: 40},
			DstPlenMap: map[uint32]uint8{1: 0},
		})
		def := flow.NewEntry(testFlowKey("10.9.9.9", "20.0.0.2", 3, 4), 0, flow.Data{
			DstPlenMap: map[uint32]uint8{1: 0},
		})
		addFlow(bad)
		addFlow(def)
		Expect(keyStrings(m.FlowInfo(bad).Keys())).To(Equal([]string{"inet4-route(vrf=1 0.0.0.0/0)"}))

		Expect(func() {
			m.DeleteFlowRequest(bad)
			m.DeleteFlowRequest(def)
			m.ProcessPending()
		}).NotTo(Panic())
		Expect(m.Tree(TypeInet4Route).Len()).To(Equal(before))
	})

	It("should use the longest covering route", func() {
		db.AddRoute(oper.NewInetRoute(1, mustPrefix("10.1.0.0/16")))
		m.ProcessPending()
		f := flow.NewEntry(testFlowKey("10.1.2.3", "20.0.0.1", 1, 2), 0, flow.Data{SrcPlenMap: map[uint32]uint8{1: 16}})
		coarse := routeFlow("10.1.9.9", 2)
		addFlow(f)
		addFlow(coarse)

		db.AddRoute(oper.NewInetRoute(1, mustPrefix("10.1.2.0/24")))
		m.ProcessPending()
		Expect(sink.flowsFor(flowevent.RecomputeFlow)).To(ConsistOf(f))
	})

	It("should consider the reverse flow's addresses", func() {
		// The reverse flow was NATed to an address inside the new route.
		fwd := flow.NewEntry(testFlowKey("10.2.0.1", "20.0.0.1", 1, 2), 0, flow.Data{SrcPlenMap: map[uint32]uint8{1: 8}})
		rev := flow.NewEntry(testFlowKey("10.1.0.5", "10.2.0.1", 2, 1), 0, flow.Data{})
		flow.LinkReverse(fwd, rev)
		addFlow(fwd)

		db.AddRoute(oper.NewInetRoute(1, mustPrefix("10.1.0.0/16")))
		m.ProcessPending()
		Expect(sink.flowsFor(flowevent.RecomputeFlow)).To(ConsistOf(fwd))
	})

	It("should track bridge routes of L2 flows", func() {
		mac := oper.MustParseMAC("02:00:00:00:00:01")
		f := flow.NewEntry(testFlowKey("10.1.2.3", "20.0.0.1", 1, 2), flow.FlagL2Flow, flow.Data{Vrf: 1, SrcMAC: mac})
		addFlow(f)
		Expect(keyStrings(m.FlowInfo(f).Keys())).To(Equal([]string{"bridge-route(vrf=1 02:00:00:00:00:01)"}))
		Expect(m.bridge.HasVrfFlows(1)).To(BeTrue())
		Expect(m.bridge.HasVrfFlows(2)).To(BeFalse())
	})

	Describe("VRF deletion", func() {
		var f *flow.Entry

		BeforeEach(func() {
			f = routeFlow("10.1.2.3", 1000)
			addFlow(f)
			db.DeleteVrf(1)
			m.ProcessPending()
		})

		It("should flush the VRF's routes and let go of its tables", func() {
			Expect(sink.flowsFor(flowevent.DeleteDBEntry)).To(ConsistOf(f))
			for _, t := range vrf.RouteTables() {
				Expect(t.IsDestroyed()).To(BeTrue(), "table %v", t.Name())
			}
			Expect(m.DbClient().NumVrfRegistrations()).To(BeZero())
		})

		It("should keep the VRF entry while a flow uses one of its routes", func() {
			e := m.Tree(TypeVrf).Find(VrfKey{ID: 1})
			Expect(e).NotTo(BeNil())
			Expect(e.State()).To(Equal(OperDelSeen))
			Expect(sink.frees()).To(BeEmpty())
		})

		It("should free the route before the VRF once the flow goes", func() {
			m.DeleteFlowRequest(f)
			m.ProcessPending()

			routeRef := oper.NewInetRoute(1, mustPrefix("10.0.0.0/8")).Ref()
			vrfRef := vrf.Ref()
			Expect(sink.frees()).To(Equal([]oper.Ref{routeRef, vrfRef}))
			Expect(m.Tree(TypeVrf).Len()).To(BeZero())
			Expect(m.Tree(TypeInet4Route).Len()).To(BeZero())

			Expect(m.DbClient().FreeDBState(routeRef, 1)).To(BeTrue())
			Expect(m.DbClient().FreeDBState(vrfRef, 1)).To(BeTrue())
			Expect(m.DbClient().NumShadows()).To(BeZero())
		})

		It("should track a new incarnation of the VRF separately", func() {
			vrf2 := oper.NewVrf(1, "vrf1")
			db.Vrfs.Upsert(vrf2)
			m.ProcessPending()
			Expect(vrf2.Inet4.NumListeners()).To(Equal(1))

			e := m.Tree(TypeVrf).Find(VrfKey{ID: 1})
			Expect(e.State()).To(Equal(OperAddSeen))
			Expect(e.vrf.vrf).To(BeIdenticalTo(vrf2))

			// A late notification about the old incarnation's tables changes nothing.
			Expect(m.vrf.tableDestroyed(vrf, 0)).To(BeFalse())
			Expect(e.vrf.destroyed).To(Equal([3]bool{}))
		})
	})
})

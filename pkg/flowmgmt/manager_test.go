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
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
	"github.com/Juniper/contrail-controller-sub028/pkg/flowevent"
	"github.com/Juniper/contrail-controller-sub028/pkg/oper"
)

var _ = Describe("Manager", func() {
	var (
		db   *oper.DB
		sink *recordingSink
		m    *Manager
	)

	BeforeEach(func() {
		db = oper.NewDB()
		sink = &recordingSink{}
		m = NewManager(db, sink, Config{})
		m.Init()
	})

	AfterEach(func() {
		m.ShutDown()
	})

	addFlow := func(f *flow.Entry) {
		m.AddFlowRequest(f)
		m.ProcessPending()
	}
	deleteFlow := func(f *flow.Entry) {
		m.DeleteFlowRequest(f)
		m.ProcessPending()
	}

	Describe("key diffing", func() {
		var f *flow.Entry

		BeforeEach(func() {
			f = flow.NewEntry(testFlowKey("10.0.0.1", "10.0.0.2", 1000, 80), flow.FlagIngressDir, flow.Data{
				Interface: 1,
				VM:        7,
				SrcVN:     10,
				DstVN:     11,
				Nh:        5,
				Match: flow.MatchPolicy{
					Policy: []flow.MatchAcl{{Acl: 100, AceIDs: []uint32{3}}},
				},
			})
			addFlow(f)
		})

		It("should attach the flow to every key it depends on", func() {
			info := m.FlowInfo(f)
			Expect(info).NotTo(BeNil())
			Expect(keyStrings(info.Keys())).To(Equal([]string{
				"interface(1)",
				"acl(100 aces=[3])",
				"vn(10)",
				"vn(11)",
				"vm(7)",
				"nh(5)",
			}))
			for _, k := range info.Keys() {
				e := m.Tree(k.Type()).Find(k)
				Expect(e).NotTo(BeNil(), "missing entry for %v", k)
				Expect(e.HasFlow(f)).To(BeTrue())
			}
		})

		It("should move the flow between entries when its dependencies change", func() {
			d := f.Data()
			d.DstVN = 12
			d.Nh = 0
			f.SetData(d)
			addFlow(f)

			Expect(keyStrings(m.FlowInfo(f).Keys())).To(Equal([]string{
				"interface(1)",
				"acl(100 aces=[3])",
				"vn(10)",
				"vn(12)",
				"vm(7)",
			}))
			Expect(m.Tree(TypeVn).Find(VnKey{ID: 11})).To(BeNil(), "entry with no flows and no DB state is reclaimed")
			Expect(m.Tree(TypeNh).Find(NhKey{ID: 5})).To(BeNil())
			Expect(m.Tree(TypeVn).Find(VnKey{ID: 12}).HasFlow(f)).To(BeTrue())
			Expect(m.FlowInfo(f).Diffs()).To(BeEquivalentTo(2))
		})

		It("should leave nothing behind when the flow is deleted", func() {
			deleteFlow(f)
			Expect(m.FlowInfo(f)).To(BeNil())
			for _, t := range []KeyType{TypeInterface, TypeAcl, TypeVn, TypeVm, TypeNh} {
				Expect(m.Tree(t).Len()).To(BeZero(), "tree %v", t)
			}
			Expect(f.MgmtRefs()).To(BeZero())
			Expect(sink.ofType(flowevent.FreeFlowRef)).To(BeEmpty(), "flow was never deleted from a table")
		})

		It("should keep an entry with live DB state after its last flow goes", func() {
			db.Interfaces.Upsert(&oper.Interface{ID: 1, Active: true})
			m.ProcessPending()
			deleteFlow(f)

			e := m.Tree(TypeInterface).Find(InterfaceKey{ID: 1})
			Expect(e).NotTo(BeNil())
			Expect(e.State()).To(Equal(OperAddSeen))
			Expect(e.NumFlows()).To(BeZero())
		})
	})

	Describe("flow references", func() {
		It("should hand a deleted flow back with FREE_FLOW_REF once", func() {
			tbl := flow.NewTable(0, 4)
			f := tbl.Allocate(testFlowKey("10.0.0.1", "10.0.0.2", 1, 2), 0, flow.Data{Interface: 1})
			Expect(tbl.Add(f)).To(BeTrue())
			addFlow(f)
			Expect(f.MgmtRefs()).To(Equal(1))

			Expect(tbl.Delete(f)).To(BeTrue())
			Expect(tbl.Release(f)).To(BeFalse(), "still referenced by flow management")
			deleteFlow(f)

			frees := sink.ofType(flowevent.FreeFlowRef)
			Expect(frees).To(HaveLen(1))
			Expect(frees[0].Flow).To(BeIdenticalTo(f))
			Expect(frees[0].FlowGen).To(Equal(f.Gen()))
			Expect(tbl.Release(f)).To(BeTrue())
		})

		It("should treat an add request for a deleted flow as a delete", func() {
			tbl := flow.NewTable(0, 4)
			f := tbl.Allocate(testFlowKey("10.0.0.1", "10.0.0.2", 1, 2), 0, flow.Data{SrcVN: 3})
			tbl.Add(f)
			addFlow(f)
			tbl.Delete(f)
			addFlow(f)

			Expect(m.FlowInfo(f)).To(BeNil())
			Expect(m.Tree(TypeVn).Len()).To(BeZero())
			Expect(sink.ofType(flowevent.FreeFlowRef)).To(HaveLen(1))
		})
	})

	Describe("request coalescing", func() {
		It("should queue one request per flow", func() {
			f := flow.NewEntry(testFlowKey("10.0.0.1", "10.0.0.2", 1, 2), 0, flow.Data{SrcVN: 3})
			m.AddFlowRequest(f)
			m.AddFlowRequest(f)
			m.AddFlowRequest(f)
			Expect(m.QueueLen()).To(Equal(1))
			Expect(f.MgmtRefs()).To(Equal(1))

			Expect(m.ProcessPending()).To(Equal(1))
			Expect(m.FlowInfo(f)).NotTo(BeNil())
			Expect(f.MgmtRefs()).To(Equal(1), "only the FlowEntryInfo reference remains")
		})

		It("should not let a later add override a queued delete", func() {
			f := flow.NewEntry(testFlowKey("10.0.0.1", "10.0.0.2", 1, 2), 0, flow.Data{SrcVN: 3})
			addFlow(f)

			m.DeleteFlowRequest(f)
			m.AddFlowRequest(f)
			Expect(m.QueueLen()).To(Equal(1))
			m.ProcessPending()

			Expect(m.FlowInfo(f)).To(BeNil())
			Expect(f.MgmtRefs()).To(BeZero())
		})

		It("should upgrade a queued add to a delete", func() {
			f := flow.NewEntry(testFlowKey("10.0.0.1", "10.0.0.2", 1, 2), 0, flow.Data{SrcVN: 3})
			m.AddFlowRequest(f)
			m.DeleteFlowRequest(f)
			Expect(m.QueueLen()).To(Equal(1))
			m.ProcessPending()
			Expect(m.FlowInfo(f)).To(BeNil())
			Expect(m.Tree(TypeVn).Len()).To(BeZero())
		})
	})

	Describe("VN counters", func() {
		It("should follow direction and locality changes", func() {
			f := flow.NewEntry(testFlowKey("10.0.0.1", "10.0.0.2", 1, 2), flow.FlagIngressDir, flow.Data{SrcVN: 10})
			addFlow(f)
			vn, ok := m.snapshot().Vn(10)
			Expect(ok).To(BeTrue())
			Expect(vn.VnCounters).To(Equal(VnCounters{Ingress: 1}))

			f.SetFlags(0)
			addFlow(f)
			vn, _ = m.snapshot().Vn(10)
			Expect(vn.VnCounters).To(Equal(VnCounters{Egress: 1}))

			f.SetFlags(flow.FlagLocalFlow)
			addFlow(f)
			vn, _ = m.snapshot().Vn(10)
			Expect(vn.VnCounters).To(Equal(VnCounters{Ingress: 1, Egress: 1}))

			// Moving to another VN while flipping back to ingress.
			f.SetFlags(flow.FlagIngressDir)
			d := f.Data()
			d.SrcVN = 20
			f.SetData(d)
			addFlow(f)
			_, ok = m.snapshot().Vn(10)
			Expect(ok).To(BeFalse())
			vn, _ = m.snapshot().Vn(20)
			Expect(vn.VnCounters).To(Equal(VnCounters{Ingress: 1}))

			deleteFlow(f)
			Expect(m.snapshot().Vns).To(BeEmpty())
		})

		It("should sum flows sharing a VN", func() {
			in := flow.NewEntry(testFlowKey("10.0.0.1", "10.0.0.2", 1, 2), flow.FlagIngressDir, flow.Data{SrcVN: 10})
			out := flow.NewEntry(testFlowKey("10.0.0.2", "10.0.0.1", 2, 1), 0, flow.Data{SrcVN: 10})
			local := flow.NewEntry(testFlowKey("10.0.0.3", "10.0.0.4", 3, 4), flow.FlagLocalFlow, flow.Data{DstVN: 10})
			for _, f := range []*flow.Entry{in, out, local} {
				addFlow(f)
			}
			vn, _ := m.snapshot().Vn(10)
			Expect(vn.Flows).To(Equal(3))
			Expect(vn.VnCounters).To(Equal(VnCounters{Ingress: 2, Egress: 2}))

			deleteFlow(local)
			vn, _ = m.snapshot().Vn(10)
			Expect(vn.VnCounters).To(Equal(VnCounters{Ingress: 1, Egress: 1}))
		})
	})

	Describe("random dependency changes", func() {
		vns := []uint32{0, 10, 11, 12}
		nhs := []uint32{0, 5, 6}
		intfs := []uint32{0, 1, 2}
		flagSets := []flow.Flags{0, flow.FlagIngressDir, flow.FlagLocalFlow, flow.FlagLocalFlow | flow.FlagIngressDir}

		expectedKeys := func(f *flow.Entry) []Key {
			d := f.Data()
			keys := []Key{}
			if d.Interface != 0 {
				keys = append(keys, InterfaceKey{ID: d.Interface})
			}
			if d.SrcVN != 0 {
				keys = append(keys, VnKey{ID: d.SrcVN})
			}
			if d.DstVN != 0 && d.DstVN != d.SrcVN {
				keys = append(keys, VnKey{ID: d.DstVN})
			}
			if d.Nh != 0 {
				keys = append(keys, NhKey{ID: d.Nh})
			}
			return keys
		}

		checkIndexes := func(live map[*flow.Entry]bool, step int) {
			for f := range live {
				info := m.FlowInfo(f)
				Expect(info).NotTo(BeNil(), "step %d", step)
				Expect(info.Keys()).To(ConsistOf(expectedKeys(f)), "step %d", step)
				for _, k := range info.Keys() {
					e := m.Tree(k.Type()).Find(k)
					Expect(e).NotTo(BeNil(), "step %d: no entry for %v", step, k)
					Expect(e.HasFlow(f)).To(BeTrue(), "step %d: %v does not list its flow", step, k)
				}
			}
			for _, typ := range []KeyType{TypeInterface, TypeVn, TypeNh} {
				n := 0
				m.Tree(typ).Walk(func(e *TreeEntry) bool {
					n++
					Expect(e.NumFlows()).NotTo(BeZero(), "step %d: %v kept with no flows", step, e.Key())
					for _, f := range e.Flows() {
						Expect(live).To(HaveKey(f), "step %d: %v lists a deleted flow", step, e.Key())
						Expect(m.FlowInfo(f).Keys()).To(ContainElement(e.Key()), "step %d", step)
					}
					return true
				})
				Expect(m.Tree(typ).Len()).To(Equal(n))
			}
		}

		checkVnCounters := func(live map[*flow.Entry]bool, step int) {
			want := map[uint32]VnStats{}
			for f := range live {
				local, ingress := f.Flags().Has(flow.FlagLocalFlow), f.Flags().Has(flow.FlagIngressDir)
				for _, k := range expectedKeys(f) {
					vk, ok := k.(VnKey)
					if !ok {
						continue
					}
					st := want[vk.ID]
					st.ID = vk.ID
					st.Flows++
					st.VnCounters.apply(local, ingress, 1)
					want[vk.ID] = st
				}
			}
			got := map[uint32]VnStats{}
			for _, v := range m.snapshot().Vns {
				got[v.ID] = v
			}
			Expect(got).To(Equal(want), "step %d", step)
		}

		DescribeTable("should keep both indexes and the VN counters consistent",
			func(seed int64) {
				r := rand.New(rand.NewSource(seed))
				var flows []*flow.Entry
				for i := 0; i < 6; i++ {
					src := fmt.Sprintf("10.0.0.%d", i+1)
					flows = append(flows, flow.NewEntry(testFlowKey(src, "10.0.1.1", uint16(1000+i), 80), 0, flow.Data{}))
				}
				live := map[*flow.Entry]bool{}

				for step := 0; step < 300; step++ {
					f := flows[r.Intn(len(flows))]
					if live[f] && r.Intn(5) == 0 {
						deleteFlow(f)
						delete(live, f)
						Expect(m.FlowInfo(f)).To(BeNil(), "step %d", step)
					} else {
						d := f.Data()
						d.Interface = intfs[r.Intn(len(intfs))]
						d.SrcVN = vns[r.Intn(len(vns))]
						d.DstVN = vns[r.Intn(len(vns))]
						d.Nh = nhs[r.Intn(len(nhs))]
						f.SetData(d)
						f.SetFlags(flagSets[r.Intn(len(flagSets))])
						addFlow(f)
						live[f] = true
					}
					checkIndexes(live, step)
					checkVnCounters(live, step)
				}

				for f := range live {
					deleteFlow(f)
				}
				Expect(m.snapshot().Vns).To(BeEmpty())
				for _, typ := range []KeyType{TypeInterface, TypeVn, TypeNh} {
					Expect(m.Tree(typ).Len()).To(BeZero(), "tree %v", typ)
				}
			},
			Entry("seed 1", int64(1)),
			Entry("seed 7", int64(7)),
			Entry("seed 42", int64(42)),
			Entry("seed 1000", int64(1000)),
		)
	})

	Describe("ACL counters", func() {
		var f *flow.Entry

		BeforeEach(func() {
			f = flow.NewEntry(testFlowKey("10.0.0.1", "10.0.0.2", 1, 2), 0, flow.Data{
				Match: flow.MatchPolicy{Policy: []flow.MatchAcl{{Acl: 100, AceIDs: []uint32{3}}}},
			})
			addFlow(f)
		})

		It("should move the flow between rules when the matched rule changes", func() {
			acl, _ := m.snapshot().Acl(100)
			Expect(acl.AceCounts).To(Equal(map[uint32]int{3: 1}))

			d := f.Data()
			d.Match.Policy = []flow.MatchAcl{{Acl: 100, AceIDs: []uint32{7}}}
			f.SetData(d)
			addFlow(f)

			acl, _ = m.snapshot().Acl(100)
			Expect(acl.AceCounts).To(Equal(map[uint32]int{7: 1}))
			Expect(acl.Flows).To(Equal(1))
		})

		It("should merge the rules an ACL matched in several lists", func() {
			d := f.Data()
			d.Match.SG = []flow.MatchAcl{{Acl: 100, AceIDs: []uint32{5}}}
			f.SetData(d)
			addFlow(f)

			Expect(keyStrings(m.FlowInfo(f).Keys())).To(Equal([]string{"acl(100 aces=[3 5])"}))
			acl, _ := m.snapshot().Acl(100)
			Expect(acl.AceCounts).To(Equal(map[uint32]int{3: 1, 5: 1}))
		})

		It("should count a match with no explicit rule as a miss", func() {
			d := f.Data()
			d.Match.Policy = []flow.MatchAcl{{Acl: 100}}
			f.SetData(d)
			addFlow(f)

			acl, _ := m.snapshot().Acl(100)
			Expect(acl.AceCounts).To(BeEmpty())
			Expect(acl.FlowMiss).To(Equal(1))

			deleteFlow(f)
			_, ok := m.snapshot().Acl(100)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("interface counters", func() {
		It("should count created and aged flows", func() {
			a := flow.NewEntry(testFlowKey("10.0.0.1", "10.0.0.2", 1, 2), 0, flow.Data{Interface: 4})
			b := flow.NewEntry(testFlowKey("10.0.0.1", "10.0.0.3", 1, 2), 0, flow.Data{Interface: 4})
			db.Interfaces.Upsert(&oper.Interface{ID: 4})
			addFlow(a)
			addFlow(b)
			deleteFlow(a)

			intf, ok := m.snapshot().Interface(4)
			Expect(ok).To(BeTrue())
			Expect(intf.Active).To(Equal(1))
			Expect(intf.InterfaceCounters).To(Equal(InterfaceCounters{Created: 2, Aged: 1}))
		})
	})

	Describe("DB entry fan-out", func() {
		It("should ask dependent flows to re-evaluate when an entry changes", func() {
			nh := &oper.NextHop{ID: 5, Valid: true}
			db.NextHops.Upsert(nh)
			m.ProcessPending()

			f := flow.NewEntry(testFlowKey("10.0.0.1", "10.0.0.2", 1, 2), 0, flow.Data{Nh: 5})
			other := flow.NewEntry(testFlowKey("10.0.0.1", "10.0.0.3", 1, 2), 0, flow.Data{Nh: 6})
			addFlow(f)
			addFlow(other)

			nh.Valid = false
			db.NextHops.Upsert(nh)
			m.ProcessPending()
			Expect(sink.flowsFor(flowevent.RevaluateDBEntry)).To(ConsistOf(f))

			db.NextHops.Delete(nh.Ref())
			m.ProcessPending()
			Expect(sink.flowsFor(flowevent.DeleteDBEntry)).To(ConsistOf(f))
			Expect(sink.frees()).To(BeEmpty(), "entry is still in use")
		})

		It("should panic on an entry it does not understand", func() {
			Expect(func() {
				m.DBRequestHandler(&Request{Type: RequestAddDBEntry, Entry: &oper.Route{}})
			}).To(Panic())
			Expect(func() {
				m.handleRequest(&Request{Type: RequestInvalid})
			}).To(Panic())
		})
	})

	Describe("BGP-as-a-service", func() {
		It("should delete the flows of a session", func() {
			vmi := uuid.New()
			data := flow.Data{BgpAsAService: flow.BgpAsAService{VmiUUID: vmi, CNIndex: 1}}
			f := flow.NewEntry(testFlowKey("10.0.0.1", "10.0.0.2", 50000, 179), flow.FlagBgpRouterService, data)
			plain := flow.NewEntry(testFlowKey("10.0.0.1", "10.0.0.2", 50001, 179), 0, data)
			addFlow(f)
			addFlow(plain)
			Expect(m.Tree(TypeBgpAsAService).Len()).To(Equal(1))

			m.BgpAsAServiceDelete(BgpAsAServiceKey{VmiUUID: vmi, SourcePort: 50001, CNIndex: 1})
			m.ProcessPending()
			Expect(sink.ofType(flowevent.DeleteDBEntry)).To(BeEmpty(), "no flow uses that session")

			m.BgpAsAServiceDelete(BgpAsAServiceKey{VmiUUID: vmi, SourcePort: 50000, CNIndex: 1})
			m.ProcessPending()
			Expect(sink.flowsFor(flowevent.DeleteDBEntry)).To(ConsistOf(f))

			deleteFlow(f)
			Expect(m.Tree(TypeBgpAsAService).Len()).To(BeZero())
		})
	})
})

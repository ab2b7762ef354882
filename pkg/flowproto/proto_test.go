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

package flowproto_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
	"github.com/Juniper/contrail-controller-sub028/pkg/flowevent"
	"github.com/Juniper/contrail-controller-sub028/pkg/flowmgmt"
	"github.com/Juniper/contrail-controller-sub028/pkg/flowproto"
	"github.com/Juniper/contrail-controller-sub028/pkg/ip"
	"github.com/Juniper/contrail-controller-sub028/pkg/oper"
)

type recordingClassifier struct {
	lock    sync.Mutex
	reasons []flow.PendingAction
}

func (c *recordingClassifier) Classify(_ flow.Key, _ flow.Flags, current flow.Data, reason flow.PendingAction) flow.Data {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.reasons = append(c.reasons, reason)
	return current
}

func (c *recordingClassifier) take() []flow.PendingAction {
	c.lock.Lock()
	defer c.lock.Unlock()
	r := c.reasons
	c.reasons = nil
	return r
}

// heldKSync holds every acknowledgement until the test releases it.
type heldKSync struct {
	lock sync.Mutex
	acks []func()
}

func (k *heldKSync) Add(_ *flow.Entry, ack func()) {
	k.lock.Lock()
	defer k.lock.Unlock()
	k.acks = append(k.acks, ack)
}

func (k *heldKSync) Delete(_ *flow.Entry, ack func()) {
	k.Add(nil, ack)
}

func (k *heldKSync) ackAll() {
	k.lock.Lock()
	acks := k.acks
	k.acks = nil
	k.lock.Unlock()
	for _, ack := range acks {
		ack()
	}
}

func testConfig() flowproto.Config {
	cfg := flowproto.DefaultConfig()
	cfg.FreeListGrowSize = 8
	cfg.AddTokens = flowproto.PoolConfig{Capacity: 8, LowWater: 2}
	cfg.DeleteTokens = flowproto.PoolConfig{Capacity: 8, LowWater: 2}
	cfg.UpdateTokens = flowproto.PoolConfig{Capacity: 8, LowWater: 2}
	return cfg
}

func testPkt(src, dst string, sport, dport uint16, data flow.Data) *flow.PktInfo {
	return &flow.PktInfo{
		Key:   flow.MakeKey(1, ip.MustParseAddr(src), ip.MustParseAddr(dst), 6, sport, dport),
		Flags: flow.FlagIngressDir,
		Data:  data,
	}
}

var _ = Describe("FlowProto", func() {
	var (
		db         *oper.DB
		classifier *recordingClassifier
		p          *flowproto.FlowProto
		pkt        *flow.PktInfo
	)

	newProto := func(cfg flowproto.Config, ksync flowproto.KSync) {
		p = flowproto.New(db, cfg, classifier, ksync)
		p.Init()
	}

	numFlows := func() int {
		n := 0
		for i := 0; i < p.NumShards(); i++ {
			n += p.Table(i).Len()
		}
		return n
	}

	BeforeEach(func() {
		db = oper.NewDB()
		classifier = &recordingClassifier{}
		pkt = testPkt("10.0.0.1", "10.0.0.2", 1000, 80, flow.Data{Interface: 1, SrcVN: 10})
	})

	AfterEach(func() {
		p.ShutDown()
	})

	Describe("with synchronous processing", func() {
		BeforeEach(func() {
			newProto(testConfig(), nil)
		})

		It("should put a flow and its reverse on the same shard", func() {
			for _, k := range []flow.Key{pkt.Key, pkt.Key.WithSourcePort(1), pkt.Key.WithSourcePort(65535)} {
				Expect(p.ShardFor(k)).To(Equal(p.ShardFor(k.Reverse())))
			}
		})

		It("should create a linked flow pair on a flow miss", func() {
			p.FlowMiss(pkt)
			p.ProcessPending()

			fwd := p.FindFlow(pkt.Key)
			rev := p.FindFlow(pkt.Key.Reverse())
			Expect(fwd).NotTo(BeNil())
			Expect(rev).NotTo(BeNil())
			Expect(fwd.Reverse()).To(BeIdenticalTo(rev))
			Expect(rev.Reverse()).To(BeIdenticalTo(fwd))
			Expect(fwd.Shard()).To(Equal(rev.Shard()))
			Expect(fwd.Flags().Has(flow.FlagIngressDir)).To(BeTrue())
			Expect(rev.Flags().Has(flow.FlagReverseFlow)).To(BeTrue())
			Expect(rev.Flags().Has(flow.FlagIngressDir)).To(BeFalse())
			Expect(classifier.take()).To(Equal([]flow.PendingAction{flow.ActionNone, flow.ActionNone}))

			Expect(p.Manager().FlowInfo(fwd)).NotTo(BeNil())
			Expect(p.Manager().FlowInfo(rev)).NotTo(BeNil())
			Expect(p.Manager().Tree(flowmgmt.TypeInterface).Find(flowmgmt.InterfaceKey{ID: 1}).NumFlows()).To(Equal(2))
			Expect(p.AddPool().Available()).To(Equal(8), "KSync acknowledged the add")
		})

		It("should re-classify on a second packet for the same flow", func() {
			p.FlowMiss(pkt)
			p.FlowMiss(pkt)
			p.ProcessPending()
			Expect(numFlows()).To(Equal(2))
			Expect(classifier.take()).To(Equal([]flow.PendingAction{
				flow.ActionNone, flow.ActionNone,
				flow.ActionRecompute, flow.ActionRecompute,
			}))
		})

		It("should delete the pair and recycle the entries", func() {
			p.FlowMiss(pkt)
			p.ProcessPending()
			shard := p.ShardFor(pkt.Key)
			Expect(p.Table(shard).FreeListLen()).To(Equal(6))

			p.DeleteFlow(pkt.Key)
			p.ProcessPending()
			Expect(numFlows()).To(BeZero())
			Expect(p.Table(shard).FreeListLen()).To(Equal(8))
			Expect(p.Manager().Tree(flowmgmt.TypeInterface).Len()).To(BeZero())
			Expect(p.DeletePool().Available()).To(Equal(8))
		})

		It("should tear down flows whose interface is deleted and free the interface's state", func() {
			intf := &oper.Interface{ID: 1, Active: true}
			db.Interfaces.Upsert(intf)
			p.FlowMiss(pkt)
			p.ProcessPending()
			Expect(numFlows()).To(Equal(2))
			Expect(p.Manager().DbClient().NumShadows()).To(Equal(1))

			db.Interfaces.Delete(intf.Ref())
			p.ProcessPending()
			Expect(numFlows()).To(BeZero())
			Expect(p.Manager().Tree(flowmgmt.TypeInterface).Len()).To(BeZero())
			Expect(p.Manager().DbClient().NumShadows()).To(BeZero())
			Expect(p.Table(p.ShardFor(pkt.Key)).FreeListLen()).To(Equal(8))
		})

		It("should re-evaluate flows when an entry they use changes", func() {
			intf := &oper.Interface{ID: 1, VN: 10}
			db.Interfaces.Upsert(intf)
			p.FlowMiss(pkt)
			p.ProcessPending()
			classifier.take()

			intf.VN = 11
			db.Interfaces.Upsert(intf)
			p.ProcessPending()
			// Both flows of the pair depend on the interface; each event re-evaluates the pair.
			reasons := classifier.take()
			Expect(reasons).NotTo(BeEmpty())
			Expect(reasons).To(HaveEach(flow.ActionRevaluate))
			Expect(p.UpdatePool().Available()).To(Equal(8))
		})

		It("should compress pending actions for a flow", func() {
			p.FlowMiss(pkt)
			p.ProcessPending()
			classifier.take()
			fwd := p.FindFlow(pkt.Key)

			for _, ev := range []flowevent.Event{flowevent.RevaluateDBEntry, flowevent.RecomputeFlow, flowevent.DeleteDBEntry} {
				p.EnqueueFlowEvent(&flowevent.FlowEvent{Event: ev, Flow: fwd, FlowGen: fwd.Gen()})
			}
			Expect(p.QueueLens()["flow-update"]).To(Equal(2), "delete-dbentry is absorbed by the pending recompute")
			Expect(fwd.Pending()).To(Equal(flow.ActionRecompute))

			p.ProcessPending()
			Expect(classifier.take()).To(Equal([]flow.PendingAction{flow.ActionRecompute, flow.ActionRecompute}))
			Expect(fwd.Pending()).To(Equal(flow.ActionNone))
			Expect(numFlows()).To(Equal(2))
		})

		It("should ignore events for a recycled entry", func() {
			p.FlowMiss(pkt)
			p.ProcessPending()
			old := p.FindFlow(pkt.Key)
			gen := old.Gen()

			p.DeleteFlow(pkt.Key)
			p.ProcessPending()
			p.FlowMiss(pkt)
			p.ProcessPending()
			Expect(numFlows()).To(Equal(2))

			p.EvictFlow(old, gen)
			p.EnqueueFlowEvent(&flowevent.FlowEvent{Event: flowevent.FreeFlowRef, Flow: old, FlowGen: gen})
			p.ProcessPending()
			Expect(numFlows()).To(Equal(2))
			Expect(p.FindFlow(pkt.Key)).NotTo(BeNil())
		})

		It("should evict a flow whose generation matches", func() {
			p.FlowMiss(pkt)
			p.ProcessPending()
			f := p.FindFlow(pkt.Key)
			p.EvictFlow(f, f.Gen())
			p.ProcessPending()
			Expect(numFlows()).To(BeZero())
		})

		It("should install a short drop flow for an unknown kernel flow", func() {
			p.Audit(pkt.Key)
			p.ProcessPending()
			f := p.FindFlow(pkt.Key)
			Expect(f).NotTo(BeNil())
			Expect(f.Flags().Has(flow.FlagShortFlow)).To(BeTrue())
			Expect(f.Data().Match.Action).To(Equal("drop"))
			Expect(f.Reverse()).To(BeNil())
			Expect(p.AddPool().Available()).To(Equal(8))

			p.Audit(pkt.Key)
			p.ProcessPending()
			Expect(numFlows()).To(Equal(1))
		})

		It("should drop a stale FREE_DBENTRY", func() {
			intf := &oper.Interface{ID: 1}
			db.Interfaces.Upsert(intf)
			p.ProcessPending()
			p.EnqueueFlowEvent(&flowevent.FlowEvent{Event: flowevent.FreeDBEntry, Ref: intf.Ref(), Gen: 0})
			p.ProcessPending()
			Expect(p.Manager().DbClient().NumShadows()).To(Equal(1), "the interface is live")
		})
	})

	It("should re-evaluate a flow whose dependency changes while it is being recomputed", func() {
		var (
			lock    sync.Mutex
			target  *flow.Entry
			changed bool
			reasons []flow.PendingAction
		)
		p = flowproto.New(db, testConfig(), flow.ClassifierFunc(
			func(key flow.Key, _ flow.Flags, current flow.Data, reason flow.PendingAction) flow.Data {
				lock.Lock()
				defer lock.Unlock()
				reasons = append(reasons, reason)
				if target != nil && !changed && reason == flow.ActionRecompute && key == pkt.Key {
					// The DB client raises a revaluation for the flow mid-classification.
					changed = true
					p.EnqueueFlowEvent(&flowevent.FlowEvent{
						Event:   flowevent.RevaluateDBEntry,
						Flow:    target,
						FlowGen: target.Gen(),
					})
				}
				return current
			}), nil)
		p.Init()

		p.FlowMiss(pkt)
		p.ProcessPending()
		fwd := p.FindFlow(pkt.Key)
		Expect(fwd).NotTo(BeNil())

		lock.Lock()
		target = fwd
		reasons = nil
		lock.Unlock()

		p.EnqueueFlowEvent(&flowevent.FlowEvent{Event: flowevent.RecomputeFlow, Flow: fwd, FlowGen: fwd.Gen()})
		p.ProcessPending()

		lock.Lock()
		defer lock.Unlock()
		Expect(changed).To(BeTrue())
		Expect(reasons).To(Equal([]flow.PendingAction{
			flow.ActionRecompute, flow.ActionRecompute,
			flow.ActionRevaluate, flow.ActionRevaluate,
		}))
		Expect(fwd.Pending()).To(Equal(flow.ActionNone))
	})

	It("should grow a shard's free list before it runs out", func() {
		cfg := testConfig()
		cfg.FreeListGrowSize = 4
		newProto(cfg, nil)
		shard := p.ShardFor(pkt.Key)

		p.FlowMiss(pkt)
		p.FlowMiss(testPkt("10.0.0.1", "10.0.0.3", 1004, 80, flow.Data{}))
		p.ProcessPending()
		Expect(p.Table(shard).Len()).To(Equal(4))
		Expect(p.Table(shard).FreeListLen()).To(Equal(4))
	})

	It("should pause flow creation while KSync holds the add tokens", func() {
		ksync := &heldKSync{}
		cfg := testConfig()
		cfg.AddTokens = flowproto.PoolConfig{Capacity: 4, LowWater: 1}
		newProto(cfg, ksync)

		for i := 0; i < 6; i++ {
			p.FlowMiss(testPkt("10.0.0.1", "10.0.0.2", uint16(1000+4*i), 80, flow.Data{}))
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = p.Run(ctx)
		}()

		Eventually(p.Paused, "5s", "10ms").Should(BeTrue())
		Expect(numFlows()).To(Equal(6), "three pairs, one add token each")
		Expect(p.AddPool().TokenCheck()).To(BeFalse())

		Eventually(func() int {
			ksync.ackAll()
			return numFlows()
		}, "5s", "10ms").Should(Equal(12))
		Eventually(func() int {
			ksync.ackAll()
			return p.AddPool().Available()
		}, "5s", "10ms").Should(Equal(4))

		cancel()
		Eventually(done, "5s").Should(BeClosed())
	})

	It("should stop when its context is cancelled", func() {
		newProto(testConfig(), nil)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		Expect(p.Run(ctx)).To(Succeed())
	})
})

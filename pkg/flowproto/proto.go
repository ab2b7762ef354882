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

// Package flowproto is the flow module's event dispatcher.  It shards flows over a fixed number of
// flow tables, feeds each shard from its own queues, and is the sink for everything the flow
// management core asks the packet path to do.
package flowproto

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
	"github.com/Juniper/contrail-controller-sub028/pkg/flowevent"
	"github.com/Juniper/contrail-controller-sub028/pkg/flowmgmt"
	"github.com/Juniper/contrail-controller-sub028/pkg/oper"
	"github.com/Juniper/contrail-controller-sub028/pkg/tokenpool"
)

var (
	countEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowproto_events_total",
		Help: "Number of flow events handled, by event.",
	}, []string{"event"})
	countDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowproto_events_dropped_total",
		Help: "Number of flow events dropped, by event and reason.",
	}, []string{"event", "reason"})
)

func init() {
	prometheus.MustRegister(countEvents)
	prometheus.MustRegister(countDropped)
}

type eventQueue = flowevent.Queue[*flowevent.FlowEvent]

// shard owns one flow table.  Every event for the shard's flows runs under lock, whichever queue
// it came from, so the table and the flow pairs in it are only ever changed by one event at a
// time.
type shard struct {
	index int
	lock  sync.Mutex
	table *flow.Table

	flowQ   *eventQueue
	deleteQ *eventQueue
	ksyncQ  *eventQueue
}

type FlowProto struct {
	classifier flow.Classifier
	ksync      KSync
	mgr        *flowmgmt.Manager

	addPool    *tokenpool.Pool
	deletePool *tokenpool.Pool
	updatePool *tokenpool.Pool

	shards  []*shard
	updateQ *eventQueue
}

func New(db *oper.DB, cfg Config, classifier flow.Classifier, ksync KSync) *FlowProto {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if classifier == nil {
		classifier = flow.StaticClassifier{}
	}
	if ksync == nil {
		ksync = NullKSync{}
	}
	p := &FlowProto{
		classifier: classifier,
		ksync:      ksync,
		addPool:    tokenpool.New("add", cfg.AddTokens.Capacity, cfg.AddTokens.LowWater),
		deletePool: tokenpool.New("delete", cfg.DeleteTokens.Capacity, cfg.DeleteTokens.LowWater),
		updatePool: tokenpool.New("update", cfg.UpdateTokens.Capacity, cfg.UpdateTokens.LowWater),
	}
	p.mgr = flowmgmt.NewManager(db, p, flowmgmt.Config{
		MaxIterations: cfg.MaxIterations,
		LatencyLimit:  cfg.LatencyLimit,
		Clock:         cfg.Clock,
	})

	queueConfig := func(name string, index int, pool *tokenpool.Pool) flowevent.Config {
		return flowevent.Config{
			Name:          name,
			Shard:         index,
			MaxIterations: cfg.MaxIterations,
			LatencyLimit:  cfg.LatencyLimit,
			Pool:          pool,
			Clock:         cfg.Clock,
		}
	}
	for i := 0; i < cfg.Shards; i++ {
		s := &shard{index: i, table: flow.NewTable(i, cfg.FreeListGrowSize)}
		s.table.OnFreeListLow = func() {
			p.EnqueueFlowEvent(&flowevent.FlowEvent{Event: flowevent.GrowFreeList, Shard: i})
		}
		handler := func(ev *flowevent.FlowEvent) { p.process(s, ev) }
		s.flowQ = flowevent.New(queueConfig(fmt.Sprintf("flow-event-%d", i), i, p.addPool), handler)
		s.deleteQ = flowevent.New(queueConfig(fmt.Sprintf("flow-delete-%d", i), i, p.deletePool), handler)
		// The KSync queue returns tokens to the pools, so it must never wait on one.
		s.ksyncQ = flowevent.New(queueConfig(fmt.Sprintf("flow-ksync-%d", i), i, nil), handler)
		for _, q := range []*eventQueue{s.flowQ, s.deleteQ, s.ksyncQ} {
			q.SetOpNamer(eventName)
		}
		p.shards = append(p.shards, s)
	}
	p.updateQ = flowevent.New(queueConfig("flow-update", 0, p.updatePool), p.processUpdate)
	p.updateQ.SetOpNamer(eventName)
	return p
}

func eventName(ev *flowevent.FlowEvent) string {
	return ev.Event.String()
}

// Init registers the flow management DB client.
func (p *FlowProto) Init() {
	p.mgr.Init()
}

func (p *FlowProto) Manager() *flowmgmt.Manager {
	return p.mgr
}

func (p *FlowProto) NumShards() int {
	return len(p.shards)
}

func (p *FlowProto) Table(index int) *flow.Table {
	return p.shards[index].table
}

func (p *FlowProto) AddPool() *tokenpool.Pool {
	return p.addPool
}

func (p *FlowProto) DeletePool() *tokenpool.Pool {
	return p.deletePool
}

func (p *FlowProto) UpdatePool() *tokenpool.Pool {
	return p.updatePool
}

// ShardFor maps a flow key to its shard.  XOR of the ports is symmetric, so a flow and its
// (un-NATed) reverse land on the same shard.
func (p *FlowProto) ShardFor(key flow.Key) int {
	return int(key.SrcPort^key.DstPort) % len(p.shards)
}

// FindFlow looks a flow up in its shard's table.
func (p *FlowProto) FindFlow(key flow.Key) *flow.Entry {
	return p.shards[p.ShardFor(key)].table.Find(key)
}

// FlowMiss hands a packet with no flow to its shard.
func (p *FlowProto) FlowMiss(pkt *flow.PktInfo) {
	p.EnqueueFlowEvent(&flowevent.FlowEvent{Event: flowevent.VrouterFlowMsg, Pkt: pkt})
}

// Reentrant re-injects a parked packet.
func (p *FlowProto) Reentrant(pkt *flow.PktInfo) {
	p.EnqueueFlowEvent(&flowevent.FlowEvent{Event: flowevent.Reentrant, Pkt: pkt})
}

// Audit reports a kernel flow with no matching agent flow.
func (p *FlowProto) Audit(key flow.Key) {
	p.EnqueueFlowEvent(&flowevent.FlowEvent{Event: flowevent.AuditFlow, FlowKey: key})
}

// MessageFlow asks the flow's shard to re-classify it.
func (p *FlowProto) MessageFlow(f *flow.Entry) {
	p.EnqueueFlowEvent(&flowevent.FlowEvent{Event: flowevent.FlowMessage, Flow: f, FlowGen: f.Gen()})
}

// DeleteFlow deletes the flow with the given key, and its reverse flow.
func (p *FlowProto) DeleteFlow(key flow.Key) {
	p.EnqueueFlowEvent(&flowevent.FlowEvent{Event: flowevent.DeleteFlow, FlowKey: key})
}

// EvictFlow deletes a flow the kernel evicted.  gen is the flow's generation as the kernel knew it;
// the event is ignored if the entry has been recycled since.
func (p *FlowProto) EvictFlow(f *flow.Entry, gen uint8) {
	p.EnqueueFlowEvent(&flowevent.FlowEvent{Event: flowevent.EvictFlow, Flow: f, FlowGen: gen})
}

// EnqueueFlowEvent routes an event to its queue.  An event that would only repeat work already
// pending for its flow is dropped here.
func (p *FlowProto) EnqueueFlowEvent(ev *flowevent.FlowEvent) {
	if ev.Flow != nil {
		if a := ev.Event.PendingAction(); a != flow.ActionNone && !ev.Flow.SetPending(a) {
			countDropped.WithLabelValues(ev.Event.String(), "compressed").Inc()
			return
		}
	}
	switch ev.Event {
	case flowevent.VrouterFlowMsg, flowevent.Reentrant, flowevent.AuditFlow, flowevent.FlowMessage,
		flowevent.UnresolvedFlowEntry, flowevent.GrowFreeList:
		p.shardOf(ev).flowQ.Enqueue(ev)
	case flowevent.DeleteFlow, flowevent.EvictFlow:
		p.shardOf(ev).deleteQ.Enqueue(ev)
	case flowevent.FreeFlowRef, flowevent.KSyncEvent:
		p.shardOf(ev).ksyncQ.Enqueue(ev)
	case flowevent.RevaluateDBEntry, flowevent.RecomputeFlow, flowevent.DeleteDBEntry, flowevent.FreeDBEntry:
		p.updateQ.Enqueue(ev)
	default:
		log.WithField("event", ev).Panic("Unknown flow event")
	}
}

func (p *FlowProto) shardOf(ev *flowevent.FlowEvent) *shard {
	var index int
	switch {
	case ev.Flow != nil:
		index = ev.Flow.Shard()
	case ev.Pkt != nil:
		index = p.ShardFor(ev.Pkt.Key)
	case ev.FlowKey != (flow.Key{}):
		index = p.ShardFor(ev.FlowKey)
	default:
		index = ev.Shard
	}
	return p.shards[index%len(p.shards)]
}

func (p *FlowProto) processUpdate(ev *flowevent.FlowEvent) {
	if ev.Event == flowevent.FreeDBEntry {
		countEvents.WithLabelValues(ev.Event.String()).Inc()
		p.mgr.DbClient().FreeDBState(ev.Ref, ev.Gen)
		return
	}
	p.process(p.shardOf(ev), ev)
}

func (p *FlowProto) process(s *shard, ev *flowevent.FlowEvent) {
	countEvents.WithLabelValues(ev.Event.String()).Inc()
	if ev.Event == flowevent.KSyncEvent {
		ev.Token.Release()
		return
	}
	// Entries are only recycled under the shard lock, so the generation check must be made
	// while holding it.
	s.lock.Lock()
	defer s.lock.Unlock()
	if f := ev.Flow; f != nil {
		if f.Gen() != ev.FlowGen {
			countDropped.WithLabelValues(ev.Event.String(), "stale").Inc()
			return
		}
		if a := ev.Event.PendingAction(); a != flow.ActionNone {
			if !f.TakePending(a) {
				countDropped.WithLabelValues(ev.Event.String(), "superseded").Inc()
				return
			}
		}
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{"shard": s.index, "event": ev}).Debug("Processing flow event")
	}

	switch ev.Event {
	case flowevent.VrouterFlowMsg, flowevent.Reentrant:
		p.flowMiss(s, ev.Pkt)
	case flowevent.AuditFlow:
		p.audit(s, ev.FlowKey)
	case flowevent.FlowMessage, flowevent.UnresolvedFlowEntry, flowevent.RecomputeFlow:
		p.recompute(s, ev.Flow, flow.ActionRecompute)
	case flowevent.RevaluateDBEntry:
		p.recompute(s, ev.Flow, flow.ActionRevaluate)
	case flowevent.DeleteDBEntry, flowevent.EvictFlow:
		p.deletePair(s, ev.Flow)
	case flowevent.DeleteFlow:
		f := ev.Flow
		if f == nil {
			f = s.table.Find(ev.FlowKey)
		}
		if f != nil {
			p.deletePair(s, f)
		}
	case flowevent.FreeFlowRef:
		if !s.table.Release(ev.Flow) {
			countDropped.WithLabelValues(ev.Event.String(), "still-referenced").Inc()
		}
	case flowevent.GrowFreeList:
		s.table.GrowFreeList()
	default:
		log.WithField("event", ev).Panic("Unexpected event on shard queue")
	}
}

// flowMiss creates the flow for a packet, together with its reverse flow when the reverse lands on
// the same shard.
func (p *FlowProto) flowMiss(s *shard, pkt *flow.PktInfo) {
	if f := s.table.Find(pkt.Key); f != nil {
		// A second packet for a flow we already created.
		p.recompute(s, f, flow.ActionRecompute)
		return
	}
	fwd := p.newFlow(s, pkt.Key, pkt.Flags, pkt.Data)

	var rev *flow.Entry
	revKey := pkt.RevKey()
	if p.ShardFor(revKey) == s.index {
		if existing := s.table.Find(revKey); existing == nil {
			rev = p.newFlow(s, revKey, reverseFlags(pkt.Flags), pkt.Data)
		} else if existing.Reverse() == nil {
			rev = existing
		}
	}
	if rev != nil {
		flow.LinkReverse(fwd, rev)
	} else {
		fwd.SetFlags(fwd.Flags() | flow.FlagShortFlow)
		log.WithField("flow", pkt.Key).Debug("No reverse flow on this shard, created short flow")
	}

	tok := p.addPool.GetToken()
	fwd.SetKSyncToken(tok)
	p.ksync.Add(fwd, p.ackFunc(s, fwd, tok))
	p.mgr.AddFlowRequest(fwd)
	if rev != nil {
		p.ksync.Add(rev, p.ackFunc(s, rev, nil))
		p.mgr.AddFlowRequest(rev)
	}
}

func reverseFlags(flags flow.Flags) flow.Flags {
	out := flags &^ (flow.FlagReverseFlow | flow.FlagShortFlow)
	if !flags.Has(flow.FlagLocalFlow) {
		out ^= flow.FlagIngressDir
	}
	return out
}

func (p *FlowProto) newFlow(s *shard, key flow.Key, flags flow.Flags, data flow.Data) *flow.Entry {
	data = p.classifier.Classify(key, flags, data, flow.ActionNone)
	f := s.table.Allocate(key, flags, data)
	if !s.table.Add(f) {
		log.WithField("flow", key).Panic("Flow key already in table")
	}
	return f
}

// audit installs a short, dropping flow for a kernel flow the agent never created.
func (p *FlowProto) audit(s *shard, key flow.Key) {
	if s.table.Find(key) != nil {
		return
	}
	f := s.table.Allocate(key, flow.FlagShortFlow, flow.Data{Match: flow.MatchPolicy{Action: "drop"}})
	if !s.table.Add(f) {
		return
	}
	tok := p.addPool.GetToken()
	f.SetKSyncToken(tok)
	p.ksync.Add(f, p.ackFunc(s, f, tok))
	p.mgr.AddFlowRequest(f)
	log.WithField("flow", key).Info("Audit found an unknown kernel flow, installed short flow")
}

// recompute re-classifies the flow pair and re-programs it.
func (p *FlowProto) recompute(s *shard, f *flow.Entry, reason flow.PendingAction) {
	if f.IsDeleted() {
		return
	}
	flows := pairOf(f)
	for _, x := range flows {
		x.SetData(p.classifier.Classify(x.Key(), x.Flags(), x.Data(), reason))
	}
	tok := p.updatePool.GetToken()
	f.SetKSyncToken(tok)
	for _, x := range flows {
		if x == f {
			p.ksync.Add(x, p.ackFunc(s, x, tok))
		} else {
			p.ksync.Add(x, p.ackFunc(s, x, nil))
		}
		p.mgr.AddFlowRequest(x)
	}
}

// deletePair removes the flow and its reverse from the table and from flow management.  The
// entries come back to the free list when flow management returns them with FREE_FLOW_REF.
func (p *FlowProto) deletePair(s *shard, f *flow.Entry) {
	flows := pairOf(f)
	var tok *tokenpool.Token
	for _, x := range flows {
		if !s.table.Delete(x) {
			continue
		}
		if tok == nil {
			tok = p.deletePool.GetToken()
		}
		p.ksync.Delete(x, p.ackFunc(s, x, tok))
		p.mgr.DeleteFlowRequest(x)
	}
	flow.UnlinkReverse(f)
}

func pairOf(f *flow.Entry) []*flow.Entry {
	flows := []*flow.Entry{f}
	if rev := f.Reverse(); rev != nil && !rev.IsDeleted() {
		flows = append(flows, rev)
	}
	return flows
}

func (p *FlowProto) ackFunc(s *shard, f *flow.Entry, tok *tokenpool.Token) func() {
	gen := f.Gen()
	return func() {
		p.EnqueueFlowEvent(&flowevent.FlowEvent{
			Event:   flowevent.KSyncEvent,
			Flow:    f,
			FlowGen: gen,
			Token:   tok,
			Shard:   s.index,
		})
	}
}

// Run consumes every queue, and the flow management queue, until the context is cancelled.
func (p *FlowProto) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	run := func(fn func(context.Context)) {
		g.Go(func() error {
			fn(ctx)
			return nil
		})
	}
	run(p.mgr.Run)
	run(p.updateQ.Run)
	for _, s := range p.shards {
		run(s.flowQ.Run)
		run(s.deleteQ.Run)
		run(s.ksyncQ.Run)
	}
	log.WithField("shards", len(p.shards)).Info("Flow proto started")
	return g.Wait()
}

func (p *FlowProto) ShutDown() {
	for _, s := range p.shards {
		s.flowQ.ShutDown()
		s.deleteQ.ShutDown()
		s.ksyncQ.ShutDown()
	}
	p.updateQ.ShutDown()
	p.mgr.ShutDown()
}

// ProcessPending synchronously drains every queue, including flow management's, until nothing is
// left.  Token pools are ignored.  It must not be used while Run is active.
func (p *FlowProto) ProcessPending() int {
	total := 0
	for {
		n := p.mgr.ProcessPending()
		for _, s := range p.shards {
			n += s.flowQ.ProcessPending()
			n += s.deleteQ.ProcessPending()
			n += s.ksyncQ.ProcessPending()
		}
		n += p.updateQ.ProcessPending()
		if n == 0 {
			return total
		}
		total += n
	}
}

// QueueLens reports the depth of every queue, keyed by queue name.
func (p *FlowProto) QueueLens() map[string]int {
	out := map[string]int{
		p.updateQ.Name(): p.updateQ.Len(),
		"flow-mgmt":      p.mgr.QueueLen(),
	}
	for _, s := range p.shards {
		for _, q := range []*eventQueue{s.flowQ, s.deleteQ, s.ksyncQ} {
			out[q.Name()] = q.Len()
		}
	}
	return out
}

// Paused reports whether any shard's flow-event queue is waiting for add tokens.
func (p *FlowProto) Paused() bool {
	for _, s := range p.shards {
		if s.flowQ.Paused() {
			return true
		}
	}
	return false
}

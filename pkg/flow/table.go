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
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var (
	gaugeFlows = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowmgmt_flow_table_flows",
		Help: "Number of flows in each flow table shard.",
	}, []string{"shard"})
	gaugeFreeList = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowmgmt_flow_table_free_list",
		Help: "Number of pre-allocated flow entries on each shard's free list.",
	}, []string{"shard"})
)

func init() {
	prometheus.MustRegister(gaugeFlows)
	prometheus.MustRegister(gaugeFreeList)
}

// Table is one shard of the flow table.  Only the shard's own consumer adds and deletes flows; the
// lock makes lookups from other goroutines (introspection, tests) safe.
type Table struct {
	index int

	lock     sync.Mutex
	flows    map[Key]*Entry
	freeList []*Entry
	growSize int
	lowWater int

	// growRequested is set while a GROW_FREE_LIST event is outstanding so we only ask once.
	growRequested bool
	// OnFreeListLow is called (without the lock held) when the free list drops below its low-water
	// mark.  FlowProto uses it to enqueue GROW_FREE_LIST.
	OnFreeListLow func()

	gaugeFlows    prometheus.Gauge
	gaugeFreeList prometheus.Gauge
}

func NewTable(index, growSize int) *Table {
	if growSize <= 0 {
		growSize = 1
	}
	shard := shardLabel(index)
	t := &Table{
		index:         index,
		flows:         map[Key]*Entry{},
		growSize:      growSize,
		lowWater:      growSize / 4,
		gaugeFlows:    gaugeFlows.WithLabelValues(shard),
		gaugeFreeList: gaugeFreeList.WithLabelValues(shard),
	}
	t.GrowFreeList()
	return t
}

func (t *Table) Index() int {
	return t.index
}

// GrowFreeList pre-allocates another batch of entries.
func (t *Table) GrowFreeList() {
	t.lock.Lock()
	defer t.lock.Unlock()
	for i := 0; i < t.growSize; i++ {
		t.freeList = append(t.freeList, &Entry{shard: t.index})
	}
	t.growRequested = false
	t.gaugeFreeList.Set(float64(len(t.freeList)))
	log.WithFields(log.Fields{
		"shard":    t.index,
		"freeList": len(t.freeList),
	}).Debug("Grew flow free list")
}

// Allocate takes an entry off the free list (or allocates one if the list is empty) and initialises
// it.  The entry is not yet in the table; call Add once it has been classified.
func (t *Table) Allocate(key Key, flags Flags, data Data) *Entry {
	t.lock.Lock()
	var f *Entry
	if n := len(t.freeList); n > 0 {
		f = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
	} else {
		f = &Entry{shard: t.index}
	}
	askForMore := len(t.freeList) <= t.lowWater && !t.growRequested
	if askForMore {
		t.growRequested = true
	}
	t.gaugeFreeList.Set(float64(len(t.freeList)))
	t.lock.Unlock()

	f.init(key, flags, data)
	if askForMore && t.OnFreeListLow != nil {
		t.OnFreeListLow()
	}
	return f
}

// Add inserts the flow, replacing nothing: it returns false if a flow with the same key exists.
func (t *Table) Add(f *Entry) bool {
	key := f.Key()
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.flows[key]; ok {
		return false
	}
	t.flows[key] = f
	t.gaugeFlows.Set(float64(len(t.flows)))
	return true
}

func (t *Table) Find(key Key) *Entry {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.flows[key]
}

// Delete removes the flow from the table and marks it deleted.  The entry itself stays allocated
// until Release.  Returns false if the flow was not in the table or was already deleted.
func (t *Table) Delete(f *Entry) bool {
	key := f.Key()
	t.lock.Lock()
	if cur, ok := t.flows[key]; ok && cur == f {
		delete(t.flows, key)
	}
	t.gaugeFlows.Set(float64(len(t.flows)))
	t.lock.Unlock()
	if !f.markDeleted() {
		return false
	}
	f.ReleaseKSyncToken()
	return true
}

// Release returns a deleted entry to the free list once nothing in the flow management core
// references it any more.  Returns true if the entry was recycled.
func (t *Table) Release(f *Entry) bool {
	if !f.IsDeleted() || f.MgmtRefs() > 0 {
		return false
	}
	f.reset()
	t.lock.Lock()
	defer t.lock.Unlock()
	t.freeList = append(t.freeList, f)
	t.gaugeFreeList.Set(float64(len(t.freeList)))
	return true
}

func (t *Table) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.flows)
}

func (t *Table) FreeListLen() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.freeList)
}

// Walk calls fn for each flow in the table.  fn must not call back into the table.
func (t *Table) Walk(fn func(*Entry)) {
	t.lock.Lock()
	flows := make([]*Entry, 0, len(t.flows))
	for _, f := range t.flows {
		flows = append(flows, f)
	}
	t.lock.Unlock()
	for _, f := range flows {
		fn(f)
	}
}

func shardLabel(index int) string {
	return strconv.Itoa(index)
}

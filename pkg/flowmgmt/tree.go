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
	"github.com/google/btree"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
	"github.com/Juniper/contrail-controller-sub028/pkg/flowevent"
)

// Tree maps the keys of one KeyType to their entries.  Trees are owned by the Manager and are only
// touched from its goroutine.
type Tree interface {
	Type() KeyType
	Len() int
	Find(key Key) *TreeEntry
	// Locate finds the entry for key, creating it if needed.
	Locate(key Key) *TreeEntry
	// Add attaches the flow to key's entry.  Returns false if it was already attached.
	Add(key Key, info *FlowEntryInfo) bool
	// Delete detaches the flow from key's entry and tries to reclaim the entry.  Returns false if
	// the flow was not attached.
	Delete(key Key, info *FlowEntryInfo) bool
	// Refresh updates per-flow payload for a key the flow stays attached to.
	Refresh(oldKey, newKey Key, info *FlowEntryInfo)
	// TryDelete reclaims the entry if nothing needs it any more.  A reclaimed entry that had seen
	// a delete from the control plane triggers a FREE_DBENTRY for the entity's shadow state.
	TryDelete(key Key, e *TreeEntry) bool
	RetryDelete(key Key) bool
	// ExtractKeys adds the keys of this tree's type that the flow depends on.
	ExtractKeys(v *flow.View, out *KeySet)
	OperEntryAdd(req *Request, key Key) bool
	OperEntryChange(req *Request, key Key) bool
	OperEntryDelete(req *Request, key Key) bool
	Walk(fn func(e *TreeEntry) bool)
}

// treeExt holds the per-type behaviour plugged into baseTree.
type treeExt interface {
	extract(v *flow.View, out *KeySet)
	onEntryCreated(e *TreeEntry)
	onEntryRemoved(e *TreeEntry)
	onFlowAdded(e *TreeEntry, key Key, info *FlowEntryInfo)
	onFlowRemoved(e *TreeEntry, key Key, info *FlowEntryInfo)
	onFlowRefreshed(e *TreeEntry, oldKey, newKey Key, info *FlowEntryInfo)
	extraCanDelete(e *TreeEntry) bool
	onOperAdd(req *Request, e *TreeEntry, isNew bool)
	onOperDelete(req *Request, e *TreeEntry)
}

// noExt provides the default (empty) behaviour for trees that only need some of the hooks.
type noExt struct{}

func (noExt) extract(*flow.View, *KeySet)                      {}
func (noExt) onEntryCreated(*TreeEntry)                            {}
func (noExt) onEntryRemoved(*TreeEntry)                            {}
func (noExt) onFlowAdded(*TreeEntry, Key, *FlowEntryInfo)          {}
func (noExt) onFlowRemoved(*TreeEntry, Key, *FlowEntryInfo)        {}
func (noExt) onFlowRefreshed(*TreeEntry, Key, Key, *FlowEntryInfo) {}
func (noExt) extraCanDelete(*TreeEntry) bool                       { return true }
func (noExt) onOperAdd(*Request, *TreeEntry, bool)                 {}
func (noExt) onOperDelete(*Request, *TreeEntry)                    {}

var gaugeTreeEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "flowmgmt_tree_entries",
	Help: "Number of entries in each flow management tree.",
}, []string{"tree"})

func init() {
	prometheus.MustRegister(gaugeTreeEntries)
}

type baseTree struct {
	typ     KeyType
	mgr     *Manager
	ext     treeExt
	entries *btree.BTreeG[*TreeEntry]
	gauge   prometheus.Gauge
}

func newBaseTree(typ KeyType, mgr *Manager, ext treeExt) *baseTree {
	return &baseTree{
		typ: typ,
		mgr: mgr,
		ext: ext,
		entries: btree.NewG[*TreeEntry](16, func(a, b *TreeEntry) bool {
			return keyLess(a.key, b.key)
		}),
		gauge: gaugeTreeEntries.WithLabelValues(typ.String()),
	}
}

func (t *baseTree) Type() KeyType {
	return t.typ
}

func (t *baseTree) Len() int {
	return t.entries.Len()
}

func (t *baseTree) Find(key Key) *TreeEntry {
	e, _ := t.entries.Get(&TreeEntry{key: key})
	return e
}

func (t *baseTree) Locate(key Key) *TreeEntry {
	if e := t.Find(key); e != nil {
		return e
	}
	e := newEntry(key.Clone())
	t.ext.onEntryCreated(e)
	t.entries.ReplaceOrInsert(e)
	t.gauge.Set(float64(t.entries.Len()))
	return e
}

func (t *baseTree) Add(key Key, info *FlowEntryInfo) bool {
	e := t.Locate(key)
	if !e.addFlow(info.flow) {
		return false
	}
	t.ext.onFlowAdded(e, key, info)
	return true
}

func (t *baseTree) Delete(key Key, info *FlowEntryInfo) bool {
	e := t.Find(key)
	if e == nil || !e.removeFlow(info.flow) {
		return false
	}
	t.ext.onFlowRemoved(e, key, info)
	t.TryDelete(key, e)
	return true
}

func (t *baseTree) Refresh(oldKey, newKey Key, info *FlowEntryInfo) {
	e := t.Find(newKey)
	if e == nil {
		log.WithFields(log.Fields{"key": newKey, "flow": info.flow.ID()}).Panic(
			"Refreshing a key that has no entry")
	}
	t.ext.onFlowRefreshed(e, oldKey, newKey, info)
}

func (t *baseTree) TryDelete(key Key, e *TreeEntry) bool {
	if e == nil {
		if e = t.Find(key); e == nil {
			return false
		}
	}
	if !e.canDelete() || !t.ext.extraCanDelete(e) {
		return false
	}
	t.entries.Delete(e)
	t.ext.onEntryRemoved(e)
	t.gauge.Set(float64(t.entries.Len()))
	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{"key": e.key, "state": e.state, "gen": e.gen}).Debug("Reclaimed entry")
	}
	if e.state == OperDelSeen {
		t.mgr.freeDBEntry(e.key.Ref(), e.gen)
	}
	return true
}

func (t *baseTree) RetryDelete(key Key) bool {
	e := t.Find(key)
	if e == nil {
		return false
	}
	return t.TryDelete(key, e)
}

func (t *baseTree) ExtractKeys(v *flow.View, out *KeySet) {
	t.ext.extract(v, out)
}

func (t *baseTree) OperEntryAdd(req *Request, key Key) bool {
	e := t.Locate(key)
	isNew := e.state != OperAddSeen
	e.state = OperAddSeen
	e.gen = req.Gen
	t.ext.onOperAdd(req, e, isNew)
	t.fanOut(e, flowevent.RevaluateDBEntry)
	return true
}

func (t *baseTree) OperEntryChange(req *Request, key Key) bool {
	e := t.Locate(key)
	e.state = OperAddSeen
	e.gen = req.Gen
	t.fanOut(e, flowevent.RevaluateDBEntry)
	return true
}

// OperEntryDelete marks the entry deleted and asks every dependent flow to re-evaluate.  The entry
// itself stays until the last of those flows lets go of it.
func (t *baseTree) OperEntryDelete(req *Request, key Key) bool {
	e := t.Locate(key)
	e.state = OperDelSeen
	e.gen = req.Gen
	t.ext.onOperDelete(req, e)
	t.fanOut(e, flowevent.DeleteDBEntry)
	t.TryDelete(key, e)
	return true
}

func (t *baseTree) Walk(fn func(e *TreeEntry) bool) {
	t.entries.Ascend(fn)
}

func (t *baseTree) fanOut(e *TreeEntry, ev flowevent.Event) {
	e.flows.Ascend(func(f *flow.Entry) bool {
		t.mgr.enqueueFlowEvent(ev, f)
		return true
	})
}

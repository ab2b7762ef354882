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

// Package flowevent defines the events exchanged between the packet path, the flow management
// core and the DB client, and the single-consumer queue that carries them.
package flowevent

import (
	"fmt"

	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
	"github.com/Juniper/contrail-controller-sub028/pkg/oper"
	"github.com/Juniper/contrail-controller-sub028/pkg/tokenpool"
)

type Event int

const (
	EventInvalid Event = iota
	// VrouterFlowMsg is a flow-miss from the kernel: a packet with no flow.
	VrouterFlowMsg
	// FlowMessage asks the flow's shard to (re)classify a flow the packet path already created.
	FlowMessage
	DeleteFlow
	// AuditFlow is raised for a kernel flow the agent does not know about.
	AuditFlow
	// EvictFlow is raised when the kernel evicts a flow.
	EvictFlow
	DeleteDBEntry
	RevaluateDBEntry
	RecomputeFlow
	// FreeFlowRef hands a flow back to its shard once flow management has let go of it.
	FreeFlowRef
	// FreeDBEntry asks the DB client to drop the shadow state of a deleted entity.
	FreeDBEntry
	GrowFreeList
	KSyncEvent
	// Reentrant re-runs classification of a packet that was parked, e.g. waiting on an ARP.
	Reentrant
	UnresolvedFlowEntry
)

var eventNames = map[Event]string{
	EventInvalid:        "invalid",
	VrouterFlowMsg:      "vrouter-flow-msg",
	FlowMessage:         "flow-message",
	DeleteFlow:          "delete-flow",
	AuditFlow:           "audit-flow",
	EvictFlow:           "evict-flow",
	DeleteDBEntry:       "delete-dbentry",
	RevaluateDBEntry:    "revaluate-dbentry",
	RecomputeFlow:       "recompute-flow",
	FreeFlowRef:         "free-flow-ref",
	FreeDBEntry:         "free-dbentry",
	GrowFreeList:        "grow-free-list",
	KSyncEvent:          "ksync-event",
	Reentrant:           "reentrant",
	UnresolvedFlowEntry: "unresolved-flow-entry",
}

func (e Event) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// PendingAction returns the flow action an event requests, or ActionNone for events that are not
// subject to state compression.
func (e Event) PendingAction() flow.PendingAction {
	switch e {
	case DeleteDBEntry:
		return flow.ActionRecomputeDBEntry
	case RevaluateDBEntry:
		return flow.ActionRevaluate
	case RecomputeFlow:
		return flow.ActionRecompute
	case DeleteFlow:
		return flow.ActionDelete
	}
	return flow.ActionNone
}

// FlowEvent is the unit of work on every flow queue.  Which fields are set depends on Event.
type FlowEvent struct {
	Event Event

	Flow *flow.Entry
	// FlowKey identifies the flow for events raised before (or without) a flow lookup, such as
	// EvictFlow and AuditFlow.
	FlowKey flow.Key
	// FlowGen is the flow-table generation of Flow when the event was raised.  Events for a
	// recycled entry are dropped.
	FlowGen uint8

	Pkt *flow.PktInfo

	// Ref and Gen carry the entity a FreeDBEntry (or DB fan-out) event is about.
	Ref oper.Ref
	Gen uint32

	// Token is the token a KSyncEvent acknowledges.  It is released once the event has been
	// processed.
	Token *tokenpool.Token

	// Shard is the target shard for events that carry no flow, such as GrowFreeList.
	Shard int
}

func (ev *FlowEvent) String() string {
	switch {
	case ev.Flow != nil:
		return fmt.Sprintf("%v{flow=%d}", ev.Event, ev.Flow.ID())
	case ev.Ref.Kind != oper.KindInvalid:
		return fmt.Sprintf("%v{%v gen=%d}", ev.Event, ev.Ref, ev.Gen)
	case ev.Pkt != nil:
		return fmt.Sprintf("%v{%v}", ev.Event, ev.Pkt.Key)
	}
	return fmt.Sprintf("%v{%v}", ev.Event, ev.FlowKey)
}

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

import "fmt"

// PendingAction is the highest-priority piece of work queued for a flow.  Higher values absorb
// lower ones: a flow that is pending deletion does not also need recomputing, and a full recompute
// covers a DB-entry recompute or a revaluation.
type PendingAction uint8

const (
	ActionNone PendingAction = iota
	ActionRevaluate
	ActionRecomputeDBEntry
	ActionRecompute
	ActionDelete
)

func (a PendingAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRevaluate:
		return "revaluate"
	case ActionRecomputeDBEntry:
		return "recompute-dbentry"
	case ActionRecompute:
		return "recompute"
	case ActionDelete:
		return "delete"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Merge returns the action that remains pending when both a and b have been requested.
func Merge(a, b PendingAction) PendingAction {
	return max(a, b)
}

// SetPending records that action a has been queued for the flow.  Returns false if an action of
// equal or higher priority is already pending, in which case the caller must not enqueue a
// new event: the pending one will cover it.
func (f *Entry) SetPending(a PendingAction) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := Merge(f.pending, a)
	if merged == f.pending {
		return false
	}
	f.pending = merged
	return true
}

// TakePending claims action a for processing.  It returns false if a is no longer the highest
// pending action, in which case the event carrying it is superseded and must be dropped.  On
// success the flow is back to ActionNone before any work is done, so a change that arrives while
// the event is being processed queues a new event instead of being absorbed by this one.
func (f *Entry) TakePending(a PendingAction) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending != a {
		return false
	}
	f.pending = ActionNone
	return true
}

func (f *Entry) Pending() PendingAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

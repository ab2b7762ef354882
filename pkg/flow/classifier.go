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

// PktInfo is what the packet path knows about a flow before classification: its key, the flags
// derived from the ingress interface and whatever dependencies the parser already resolved.
type PktInfo struct {
	Key   Key
	Flags Flags
	Data  Data
	// ReverseKey overrides the reverse key for NAT flows.  Zero means Key.Reverse().
	ReverseKey Key
}

func (p *PktInfo) RevKey() Key {
	if p.ReverseKey == (Key{}) {
		return p.Key.Reverse()
	}
	return p.ReverseKey
}

// Classifier computes a flow's match policy and the dependencies that produced it.  The real
// session-match pipeline lives outside this module; FlowProto only needs to call it whenever a
// flow is created or has to be recomputed.
type Classifier interface {
	// Classify returns the new classification data for the flow.  It is called from the flow's
	// shard with no flow lock held.  current is the flow's existing data.
	Classify(key Key, flags Flags, current Data, reason PendingAction) Data
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(key Key, flags Flags, current Data, reason PendingAction) Data

func (fn ClassifierFunc) Classify(key Key, flags Flags, current Data, reason PendingAction) Data {
	return fn(key, flags, current, reason)
}

// StaticClassifier keeps whatever policy the flow already has.
type StaticClassifier struct{}

func (StaticClassifier) Classify(_ Key, _ Flags, current Data, _ PendingAction) Data {
	return current
}

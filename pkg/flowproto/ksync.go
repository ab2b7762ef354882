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

package flowproto

import (
	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
)

// KSync programs flows into the kernel.  Both calls are made from the flow's shard and must not
// block; ack must be called, from any goroutine, once the kernel has accepted the operation.
type KSync interface {
	Add(f *flow.Entry, ack func())
	Delete(f *flow.Entry, ack func())
}

// NullKSync acknowledges every operation straight away.
type NullKSync struct{}

func (NullKSync) Add(_ *flow.Entry, ack func()) {
	ack()
}

func (NullKSync) Delete(_ *flow.Entry, ack func()) {
	ack()
}

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

	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
	"github.com/Juniper/contrail-controller-sub028/pkg/oper"
)

type RequestType int

const (
	RequestInvalid RequestType = iota
	RequestAddFlow
	RequestUpdateFlow
	RequestDeleteFlow
	RequestAddDBEntry
	RequestChangeDBEntry
	RequestDeleteDBEntry
	RequestRetryDeleteVrf
	RequestDeleteBgpAsAService
	// RequestDummy does nothing.  It is used as a barrier and to run introspection on the
	// management goroutine.
	RequestDummy
)

func (t RequestType) String() string {
	switch t {
	case RequestAddFlow:
		return "add-flow"
	case RequestUpdateFlow:
		return "update-flow"
	case RequestDeleteFlow:
		return "delete-flow"
	case RequestAddDBEntry:
		return "add-dbentry"
	case RequestChangeDBEntry:
		return "change-dbentry"
	case RequestDeleteDBEntry:
		return "delete-dbentry"
	case RequestRetryDeleteVrf:
		return "retry-delete-vrf"
	case RequestDeleteBgpAsAService:
		return "delete-bgp-as-a-service"
	case RequestDummy:
		return "dummy"
	}
	return fmt.Sprintf("request(%d)", int(t))
}

// Request is an item on the management queue.
type Request struct {
	// Type of a flow request may be rewritten, under the flow's lock, while the request is queued.
	Type RequestType

	Flow *flow.Entry

	// Entry is the DB entry for DB requests.  Its concrete type selects the tree.
	Entry oper.Entry
	Gen   uint32

	// Vrf and TableIndex identify a destroyed route table for RequestRetryDeleteVrf.  A nil Vrf
	// means a plain retry of VrfID.
	Vrf        *oper.Vrf
	VrfID      uint32
	TableIndex int

	BgpAsAService BgpAsAServiceKey

	fn   func()
	done chan struct{}
}

func (r *Request) String() string {
	switch {
	case r.Flow != nil:
		return fmt.Sprintf("flow-request{flow=%d}", r.Flow.ID())
	case r.Entry != nil:
		return fmt.Sprintf("%v{%v gen=%d}", r.Type, r.Entry.Ref(), r.Gen)
	}
	return r.Type.String()
}

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
	"github.com/google/uuid"

	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
	"github.com/Juniper/contrail-controller-sub028/pkg/flowevent"
)

// bgpAsAServiceTree tracks the flows that carry BGP-as-a-service sessions, so that the flows can be
// torn down when the session's configuration goes away.
type bgpAsAServiceTree struct {
	*baseTree
	noExt
}

func newBgpAsAServiceTree(m *Manager) *bgpAsAServiceTree {
	t := &bgpAsAServiceTree{}
	t.baseTree = newBaseTree(TypeBgpAsAService, m, t)
	return t
}

func (t *bgpAsAServiceTree) extract(v *flow.View, out *KeySet) {
	if !v.Flags.Has(flow.FlagBgpRouterService) || v.Data.BgpAsAService.VmiUUID == uuid.Nil {
		return
	}
	out.Insert(BgpAsAServiceKey{
		VmiUUID:    v.Data.BgpAsAService.VmiUUID,
		SourcePort: v.Key.SrcPort,
		CNIndex:    v.Data.BgpAsAService.CNIndex,
	})
}

// deleteSession asks every flow of the session to be deleted.  The entry goes away with the last
// flow.  Returns false if no flow uses the session.
func (t *bgpAsAServiceTree) deleteSession(key BgpAsAServiceKey) bool {
	e := t.Find(key)
	if e == nil {
		return false
	}
	t.fanOut(e, flowevent.DeleteDBEntry)
	return true
}

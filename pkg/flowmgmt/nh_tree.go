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
	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
)

type nhTree struct {
	*baseTree
	noExt
}

func newNhTree(m *Manager) *nhTree {
	t := &nhTree{}
	t.baseTree = newBaseTree(TypeNh, m, t)
	return t
}

// extract adds the forwarding next-hop and the next-hop used for the RPF check.
func (t *nhTree) extract(v *flow.View, out *KeySet) {
	if v.Data.Nh != 0 {
		out.Insert(NhKey{ID: v.Data.Nh})
	}
	if v.Data.RpfNh != 0 {
		out.Insert(NhKey{ID: v.Data.RpfNh})
	}
}

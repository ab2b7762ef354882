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
	"time"

	"k8s.io/utils/clock"
)

type PoolConfig struct {
	Capacity int
	LowWater int
}

type Config struct {
	Shards int
	// FreeListGrowSize is the number of flow entries each shard pre-allocates at a time.
	FreeListGrowSize int

	MaxIterations int
	LatencyLimit  time.Duration

	// AddTokens gates each shard's flow-event queue, DeleteTokens its delete queue and
	// UpdateTokens the global update queue.  A token is held until KSync acknowledges the
	// operation it was taken for.
	AddTokens    PoolConfig
	DeleteTokens PoolConfig
	UpdateTokens PoolConfig

	Clock clock.PassiveClock
}

func DefaultConfig() Config {
	return Config{
		Shards:           4,
		FreeListGrowSize: 1024,
		MaxIterations:    256,
		LatencyLimit:     50 * time.Millisecond,
		AddTokens:        PoolConfig{Capacity: 1000, LowWater: 250},
		DeleteTokens:     PoolConfig{Capacity: 1000, LowWater: 250},
		UpdateTokens:     PoolConfig{Capacity: 500, LowWater: 125},
	}
}

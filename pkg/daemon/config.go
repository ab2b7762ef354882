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

package daemon

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/Juniper/contrail-controller-sub028/pkg/flowproto"
	"github.com/Juniper/contrail-controller-sub028/pkg/logutils"
)

type Config struct {
	// LogLevel is the log level to use.
	LogLevel string `json:"log_level" envconfig:"LOG_LEVEL" default:"info"`

	// Shards is the number of flow table shards, each with its own set of queues.
	Shards int `json:"shards" envconfig:"SHARDS" default:"4"`

	// MaxIterations bounds the number of events a queue processes in one run before it yields.
	MaxIterations int `json:"max_iterations" envconfig:"MAX_ITERATIONS" default:"256"`

	// LatencyLimit is the run duration above which a queue logs a warning.
	LatencyLimit time.Duration `json:"latency_limit" envconfig:"LATENCY_LIMIT" default:"50ms"`

	// FreeListGrowSize is the number of flow entries each shard pre-allocates at a time.
	FreeListGrowSize int `json:"free_list_grow_size" envconfig:"FREE_LIST_GROW_SIZE" default:"1024"`

	// Token pool sizes.  A queue stops consuming once its pool is down to the low-water mark.
	AddTokens            int `json:"add_tokens" envconfig:"ADD_TOKENS" default:"1000"`
	AddTokensLowWater    int `json:"add_tokens_low_water" envconfig:"ADD_TOKENS_LOW_WATER" default:"250"`
	DeleteTokens         int `json:"delete_tokens" envconfig:"DELETE_TOKENS" default:"1000"`
	DeleteTokensLowWater int `json:"delete_tokens_low_water" envconfig:"DELETE_TOKENS_LOW_WATER" default:"250"`
	UpdateTokens         int `json:"update_tokens" envconfig:"UPDATE_TOKENS" default:"500"`
	UpdateTokensLowWater int `json:"update_tokens_low_water" envconfig:"UPDATE_TOKENS_LOW_WATER" default:"125"`

	// StatsInterval is how often queue depths and token availability are logged.  Zero disables it.
	StatsInterval time.Duration `json:"stats_interval" envconfig:"STATS_INTERVAL" default:"60s"`

	// PrometheusPort is the port to listen on for serving Prometheus metrics.
	PrometheusPort int `json:"prometheus_port" envconfig:"PROMETHEUS_PORT" default:"0"`

	// Configuration for health checking and introspection.
	HealthEnabled bool `json:"health_enabled" envconfig:"HEALTH_ENABLED" default:"true"`
	HealthPort    int  `json:"health_port" envconfig:"HEALTH_PORT" default:"9099"`
}

func ConfigFromEnv() Config {
	var cfg Config
	if err := envconfig.Process("FLOWMGMT", &cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration from environment")
	}

	logutils.ConfigureLogging(cfg.LogLevel)

	return cfg
}

// ProtoConfig converts the daemon configuration into the flow proto's.
func (c Config) ProtoConfig() flowproto.Config {
	cfg := flowproto.DefaultConfig()
	cfg.Shards = c.Shards
	cfg.MaxIterations = c.MaxIterations
	cfg.LatencyLimit = c.LatencyLimit
	cfg.FreeListGrowSize = c.FreeListGrowSize
	cfg.AddTokens = flowproto.PoolConfig{Capacity: c.AddTokens, LowWater: c.AddTokensLowWater}
	cfg.DeleteTokens = flowproto.PoolConfig{Capacity: c.DeleteTokens, LowWater: c.DeleteTokensLowWater}
	cfg.UpdateTokens = flowproto.PoolConfig{Capacity: c.UpdateTokens, LowWater: c.UpdateTokensLowWater}
	return cfg
}

// Validate checks the values envconfig cannot.
func (c Config) Validate() error {
	if c.Shards <= 0 {
		return errShards
	}
	for _, p := range []struct {
		name           string
		size, lowWater int
	}{
		{"add", c.AddTokens, c.AddTokensLowWater},
		{"delete", c.DeleteTokens, c.DeleteTokensLowWater},
		{"update", c.UpdateTokens, c.UpdateTokensLowWater},
	} {
		if p.lowWater < 0 || p.lowWater >= p.size {
			return newPoolError(p.name, p.size, p.lowWater)
		}
	}
	return nil
}

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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Juniper/contrail-controller-sub028/pkg/daemon"
	"github.com/Juniper/contrail-controller-sub028/pkg/logutils"
)

var (
	logLevel       string
	shards         int
	prometheusPort int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowmgmt",
		Short: "Runs the vRouter agent flow management core",
		Long: `Runs the flow management core: sharded flow tables fed by token-gated event queues,
and the dependency index that re-evaluates flows when the interfaces, networks, ACLs, next hops,
routes and VRFs they depend on change.  Configuration is read from FLOWMGMT_* environment
variables; flags override them.`,
		Args: cobra.NoArgs,
		RunE: run,
	}
	addFlags(rootCmd.Flags())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&logLevel, "log-level", "", "Log level, overrides FLOWMGMT_LOG_LEVEL")
	fs.IntVar(&shards, "shards", 0, "Number of flow table shards, overrides FLOWMGMT_SHARDS")
	fs.IntVar(&prometheusPort, "prometheus-port", 0, "Port to serve Prometheus metrics on, overrides FLOWMGMT_PROMETHEUS_PORT")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := daemon.ConfigFromEnv()
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
		logutils.ConfigureLogging(cfg.LogLevel)
	}
	if cmd.Flags().Changed("shards") {
		cfg.Shards = shards
	}
	if cmd.Flags().Changed("prometheus-port") {
		cfg.PrometheusPort = prometheusPort
	}

	d, err := daemon.New(cfg, nil, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to start")
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return d.Run(ctx)
}

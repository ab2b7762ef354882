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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Juniper/contrail-controller-sub028/pkg/flow"
	"github.com/Juniper/contrail-controller-sub028/pkg/flowproto"
	"github.com/Juniper/contrail-controller-sub028/pkg/oper"
)

var errShards = errors.New("shard count must be positive")

func newPoolError(name string, size, lowWater int) error {
	return errors.Errorf("%s token pool: low-water mark %d must be in [0, %d)", name, lowWater, size)
}

// Daemon owns the control-plane DB and the flow proto built over it.  The packet path and the
// KSync layer attach through Proto.
type Daemon struct {
	cfg   Config
	db    *oper.DB
	proto *flowproto.FlowProto
}

func New(cfg Config, classifier flow.Classifier, ksync flowproto.KSync) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	db := oper.NewDB()
	d := &Daemon{
		cfg:   cfg,
		db:    db,
		proto: flowproto.New(db, cfg.ProtoConfig(), classifier, ksync),
	}
	d.proto.Init()
	return d, nil
}

func (d *Daemon) DB() *oper.DB {
	return d.db
}

func (d *Daemon) Proto() *flowproto.FlowProto {
	return d.proto
}

// Run starts the flow proto and the HTTP endpoints and blocks until ctx is cancelled or one of them
// fails.
func (d *Daemon) Run(ctx context.Context) error {
	logrus.WithField("cfg", d.cfg).Info("Loaded configuration")
	defer logrus.Warn("Shutting down")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.proto.Run(ctx)
	})
	if d.cfg.PrometheusPort != 0 {
		logrus.Infof("Starting Prometheus metrics server on port %d", d.cfg.PrometheusPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		d.serve(ctx, g, "metrics", d.cfg.PrometheusPort, mux)
	}
	if d.cfg.HealthEnabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/liveness", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		mux.HandleFunc("/readiness", d.ReadinessHandler)
		mux.HandleFunc("/flowmgmt", d.IntrospectHandler)
		d.serve(ctx, g, "health", d.cfg.HealthPort, mux)
	}
	if d.cfg.StatsInterval > 0 {
		g.Go(func() error {
			d.logStats(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (d *Daemon) serve(ctx context.Context, g *errgroup.Group, name string, port int, h http.Handler) {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: h}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "%s server", name)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// ReadinessHandler reports not-ready while any shard is paused waiting for add tokens.
func (d *Daemon) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	if d.proto.Paused() {
		http.Error(w, "flow creation paused waiting for KSync", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IntrospectHandler serves a JSON snapshot of the flow management counters.
func (d *Daemon) IntrospectHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	snap, err := d.proto.Manager().Snapshot(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		logrus.WithError(err).Warn("Failed to write flow management snapshot")
	}
}

func (d *Daemon) logStats(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fields := logrus.Fields{
			"addTokens":    d.proto.AddPool().Available(),
			"deleteTokens": d.proto.DeletePool().Available(),
			"updateTokens": d.proto.UpdatePool().Available(),
			"paused":       d.proto.Paused(),
		}
		for name, n := range d.proto.QueueLens() {
			if n > 0 {
				fields[name] = n
			}
		}
		logrus.WithFields(fields).Info("Flow queue status")
	}
}

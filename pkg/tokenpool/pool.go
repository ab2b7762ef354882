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

// Package tokenpool implements the admission-control budget shared between the flow event queues
// and the (external) KSync layer.  A queue takes a token for every event that will generate KSync
// work; the token is returned when KSync completes.  Queues stop consuming while their pool is at
// or below its low-water mark and are resumed when tokens come back.
package tokenpool

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var (
	gaugeTokensAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowmgmt_token_pool_available",
		Help: "Number of tokens currently available in each token pool.",
	}, []string{"pool"})
	countTokenPoolExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmgmt_token_pool_exhausted_total",
		Help: "Number of times a token pool dropped to its low-water mark.",
	}, []string{"pool"})
)

func init() {
	prometheus.MustRegister(gaugeTokensAvailable)
	prometheus.MustRegister(countTokenPoolExhausted)
}

type Pool struct {
	name      string
	capacity  int64
	lowWater  int64
	available atomic.Int64

	lock      sync.Mutex
	listeners []func()

	gauge prometheus.Gauge
}

// New creates a pool with the given capacity.  TokenCheck reports false once the number of free
// tokens drops to lowWater or below.
func New(name string, capacity, lowWater int) *Pool {
	if lowWater >= capacity {
		log.WithFields(log.Fields{
			"pool":     name,
			"capacity": capacity,
			"lowWater": lowWater,
		}).Panic("Token pool low-water mark must be below capacity")
	}
	p := &Pool{
		name:     name,
		capacity: int64(capacity),
		lowWater: int64(lowWater),
		gauge:    gaugeTokensAvailable.WithLabelValues(name),
	}
	p.available.Store(int64(capacity))
	p.gauge.Set(float64(capacity))
	return p
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) Capacity() int {
	return int(p.capacity)
}

// Available returns the number of free tokens.  It can go negative: GetToken never refuses, the
// low-water check is what throttles producers.
func (p *Pool) Available() int {
	return int(p.available.Load())
}

// TokenCheck returns true if there is downstream capacity for more work.
func (p *Pool) TokenCheck() bool {
	return p.available.Load() > p.lowWater
}

// OnTokensAvailable registers fn to be called every time a released token lifts the pool back above
// its low-water mark.  fn is called on the releasing goroutine and must not block.
func (p *Pool) OnTokensAvailable(fn func()) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Pool) GetToken() *Token {
	n := p.available.Add(-1)
	p.gauge.Set(float64(n))
	if n == p.lowWater {
		countTokenPoolExhausted.WithLabelValues(p.name).Inc()
		log.WithField("pool", p.name).Debug("Token pool reached low-water mark")
	}
	return &Token{pool: p}
}

func (p *Pool) release() {
	n := p.available.Add(1)
	p.gauge.Set(float64(n))
	if n != p.lowWater+1 {
		return
	}
	p.lock.Lock()
	listeners := p.listeners
	p.lock.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// Token represents one unit of outstanding downstream work.
type Token struct {
	pool     *Pool
	released atomic.Bool
}

// Release returns the token to its pool.  Releasing more than once, or releasing a nil token, is a
// no-op.
func (t *Token) Release() {
	if t == nil {
		return
	}
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	t.pool.release()
}

func (t *Token) Pool() *Pool {
	if t == nil {
		return nil
	}
	return t.pool
}

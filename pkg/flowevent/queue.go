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

package flowevent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gavv/monotime"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"github.com/Juniper/contrail-controller-sub028/pkg/logutils"
	"github.com/Juniper/contrail-controller-sub028/pkg/tokenpool"
)

var (
	countEventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmgmt_queue_events_processed_total",
		Help: "Number of events processed by each queue.",
	}, []string{"queue"})
	countRunsOverLimit = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmgmt_queue_runs_over_latency_limit_total",
		Help: "Number of queue runs that took longer than the configured latency limit.",
	}, []string{"queue"})
	histRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowmgmt_queue_run_duration_seconds",
		Help:    "Time taken by each queue run.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"queue"})
	histQueueWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowmgmt_queue_wait_seconds",
		Help:    "Time events spend queued before they are processed.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"queue"})
	gaugePaused = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowmgmt_queue_paused",
		Help: "1 while a queue is paused waiting for tokens.",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(countEventsProcessed)
	prometheus.MustRegister(countRunsOverLimit)
	prometheus.MustRegister(histRunDuration)
	prometheus.MustRegister(histQueueWait)
	prometheus.MustRegister(gaugePaused)
}

const DefaultMaxIterations = 256

type Config struct {
	Name  string
	Shard int
	// MaxIterations bounds the number of events processed in one run.
	MaxIterations int
	// LatencyLimit is the budget for one run.  Runs that take longer are logged (rate limited) and
	// counted, but never aborted.  Zero disables the check.
	LatencyLimit time.Duration
	// Pool, if set, gates consumption: the queue pauses before a run while the pool is at or below
	// its low-water mark, and resumes when the pool reports tokens available again.
	Pool *tokenpool.Pool
	// Clock times runs.  Defaults to the real clock.
	Clock clock.PassiveClock
}

type item[T any] struct {
	v        T
	enqueued time.Duration
}

// Queue is a named, single-consumer FIFO bound to one shard.  Enqueue never blocks; a single
// goroutine (Run) drains the queue in runs of at most MaxIterations events.  Each event is wrapped
// in its own item so that the underlying workqueue's de-duplication never merges two events.
type Queue[T any] struct {
	name          string
	shard         int
	maxIterations int
	latencyLimit  time.Duration
	pool          *tokenpool.Pool
	clock         clock.PassiveClock

	q       workqueue.TypedInterface[*item[T]]
	handler func(T)
	opName  func(T) string

	resumeC  chan struct{}
	stopOnce sync.Once
	stopC    chan struct{}

	paused        atomic.Bool
	processed     atomic.Uint64
	runs          atomic.Uint64
	runsOverLimit atomic.Uint64

	logLimiter *rate.Limiter
	summarizer *logutils.Summarizer

	countProcessed prometheus.Counter
	countOverLimit prometheus.Counter
	histRun        prometheus.Observer
	histWait       prometheus.Observer
	gaugePaused    prometheus.Gauge
}

func New[T any](cfg Config, handler func(T)) *Queue[T] {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	q := &Queue[T]{
		name:          cfg.Name,
		shard:         cfg.Shard,
		maxIterations: cfg.MaxIterations,
		latencyLimit:  cfg.LatencyLimit,
		pool:          cfg.Pool,
		clock:         cfg.Clock,
		q: workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[*item[T]]{
			Name: cfg.Name,
		}),
		handler:        handler,
		resumeC:        make(chan struct{}, 1),
		stopC:          make(chan struct{}),
		logLimiter:     rate.NewLimiter(rate.Every(10*time.Second), 1),
		summarizer:     logutils.NewSummarizer(cfg.Name, cfg.Clock),
		countProcessed: countEventsProcessed.WithLabelValues(cfg.Name),
		countOverLimit: countRunsOverLimit.WithLabelValues(cfg.Name),
		histRun:        histRunDuration.WithLabelValues(cfg.Name),
		histWait:       histQueueWait.WithLabelValues(cfg.Name),
		gaugePaused:    gaugePaused.WithLabelValues(cfg.Name),
	}
	if q.pool != nil {
		q.pool.OnTokensAvailable(q.Resume)
	}
	return q
}

// SetOpNamer installs a function used to label events in the periodic run summary.
func (q *Queue[T]) SetOpNamer(fn func(T) string) {
	q.opName = fn
}

func (q *Queue[T]) Name() string {
	return q.name
}

func (q *Queue[T]) Shard() int {
	return q.shard
}

// Enqueue adds an event to the tail of the queue.  It never blocks.  Events enqueued after
// ShutDown are dropped.
func (q *Queue[T]) Enqueue(v T) {
	q.q.Add(&item[T]{v: v, enqueued: monotime.Now()})
}

// Len returns the number of events waiting to be processed.
func (q *Queue[T]) Len() int {
	return q.q.Len()
}

func (q *Queue[T]) Paused() bool {
	return q.paused.Load()
}

func (q *Queue[T]) Processed() uint64 {
	return q.processed.Load()
}

func (q *Queue[T]) Runs() uint64 {
	return q.runs.Load()
}

func (q *Queue[T]) RunsOverLimit() uint64 {
	return q.runsOverLimit.Load()
}

// Resume wakes a paused consumer so that it re-checks its token pool.
func (q *Queue[T]) Resume() {
	select {
	case q.resumeC <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) ShutDown() {
	q.stopOnce.Do(func() {
		close(q.stopC)
		q.q.ShutDown()
	})
}

// Run consumes the queue until the context is cancelled or ShutDown is called.  Only one Run may be
// active for a queue.
func (q *Queue[T]) Run(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			q.ShutDown()
		case <-q.stopC:
		}
	}()
	log.WithFields(log.Fields{"queue": q.name, "shard": q.shard}).Info("Queue consumer started")
	defer log.WithField("queue", q.name).Info("Queue consumer stopped")
	for {
		if !q.waitForTokens() {
			return
		}
		if !q.runOnce() {
			return
		}
	}
}

// ProcessPending synchronously processes everything currently queued, ignoring the token pool.
// It must not be used while Run is active.  Returns the number of events processed.
func (q *Queue[T]) ProcessPending() int {
	n := 0
	for q.q.Len() > 0 {
		start := q.clock.Now()
		count := 0
		for count < q.maxIterations && q.q.Len() > 0 {
			it, shutdown := q.q.Get()
			if shutdown {
				q.endRun(start, count)
				return n + count
			}
			q.process(it)
			count++
		}
		q.endRun(start, count)
		n += count
	}
	return n
}

func (q *Queue[T]) waitForTokens() bool {
	if q.pool == nil || q.pool.TokenCheck() {
		return true
	}
	q.paused.Store(true)
	q.gaugePaused.Set(1)
	defer func() {
		q.paused.Store(false)
		q.gaugePaused.Set(0)
	}()
	log.WithFields(log.Fields{
		"queue":     q.name,
		"pool":      q.pool.Name(),
		"available": q.pool.Available(),
	}).Debug("Pausing queue until tokens are available")
	for !q.pool.TokenCheck() {
		select {
		case <-q.resumeC:
		case <-q.stopC:
			return false
		}
	}
	log.WithField("queue", q.name).Debug("Resuming queue")
	return true
}

// runOnce blocks for the first event and then processes up to maxIterations events without
// blocking again.  Returns false once the queue has been shut down.
func (q *Queue[T]) runOnce() bool {
	it, shutdown := q.q.Get()
	if shutdown {
		return false
	}
	start := q.clock.Now()
	count := 0
	for {
		q.process(it)
		count++
		if count >= q.maxIterations || q.q.Len() == 0 {
			break
		}
		if q.pool != nil && !q.pool.TokenCheck() {
			break
		}
		it, shutdown = q.q.Get()
		if shutdown {
			q.endRun(start, count)
			return false
		}
	}
	q.endRun(start, count)
	return true
}

func (q *Queue[T]) process(it *item[T]) {
	q.histWait.Observe((monotime.Now() - it.enqueued).Seconds())
	q.handler(it.v)
	q.q.Done(it)
	q.processed.Add(1)
	q.countProcessed.Inc()
	if q.opName != nil {
		q.summarizer.RecordOperation(q.opName(it.v))
	}
}

func (q *Queue[T]) endRun(start time.Time, count int) {
	if count == 0 {
		return
	}
	q.runs.Add(1)
	d := q.clock.Since(start)
	q.histRun.Observe(d.Seconds())
	q.summarizer.EndOfIteration(d)
	if q.latencyLimit <= 0 || d <= q.latencyLimit {
		return
	}
	q.runsOverLimit.Add(1)
	q.countOverLimit.Inc()
	if q.logLimiter.Allow() {
		log.WithFields(log.Fields{
			"queue":    q.name,
			"shard":    q.shard,
			"events":   count,
			"duration": d,
			"limit":    q.latencyLimit,
		}).Warn("Queue run exceeded its latency limit")
	}
}

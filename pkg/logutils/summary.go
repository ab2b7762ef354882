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

package logutils

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// Summarizer accumulates per-run statistics for a processing loop and logs a one-line summary at
// most once per interval (every run at debug level).  The queue consumers use it to make their run
// durations observable without logging every run.
type Summarizer struct {
	lock     sync.Mutex
	clock    clock.PassiveClock
	interval time.Duration
	loopName string

	lastLogTime time.Time
	current     run
	runs        []run
}

type run struct {
	ops      map[string]int
	duration time.Duration
}

func NewSummarizer(loopName string, c clock.PassiveClock) *Summarizer {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Summarizer{
		clock:       c,
		interval:    time.Minute,
		loopName:    loopName,
		lastLogTime: c.Now(),
	}
}

// RecordOperation notes that the current run processed one op of the given kind.
func (s *Summarizer) RecordOperation(name string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.current.ops == nil {
		s.current.ops = map[string]int{}
	}
	s.current.ops[name]++
}

// EndOfIteration closes the current run.  Returns true if it emitted a summary.
func (s *Summarizer) EndOfIteration(duration time.Duration) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.current.duration = duration
	s.runs = append(s.runs, s.current)
	s.current = run{}
	now := s.clock.Now()
	if now.Sub(s.lastLogTime) < s.interval && !logrus.IsLevelEnabled(logrus.DebugLevel) {
		return false
	}
	s.doLog(now)
	s.runs = s.runs[:0]
	s.lastLogTime = now
	return true
}

func (s *Summarizer) doLog(now time.Time) {
	if len(s.runs) == 0 {
		return
	}
	var longest *run
	var sum time.Duration
	for i := range s.runs {
		r := &s.runs[i]
		sum += r.duration
		if longest == nil || r.duration > longest.duration {
			longest = r
		}
	}
	avg := sum / time.Duration(len(s.runs))
	ops := make([]string, 0, len(longest.ops))
	for name := range longest.ops {
		ops = append(ops, name)
	}
	sort.Strings(ops)
	logrus.Infof("Summarising %d %s runs over %v: avg=%v longest=%v (%v)",
		len(s.runs), s.loopName, now.Sub(s.lastLogTime).Round(100*time.Millisecond),
		avg.Round(time.Microsecond), longest.duration.Round(time.Microsecond),
		strings.Join(ops, ","))
}

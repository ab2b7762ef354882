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

// Package logutils configures logrus for the flowmgmt daemon and its tests.
package logutils

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

const timeFormat = "2006-01-02 15:04:05.000"

// ConfigureLogging sets the log level and installs our formatter.  An unparsable level falls back
// to INFO.
func ConfigureLogging(logLevel string) {
	logrus.SetReportCaller(true)
	logrus.SetFormatter(&Formatter{Component: "flowmgmt"})
	logrus.SetLevel(SafeParseLogLevel(logLevel, logrus.InfoLevel))
}

// SafeParseLogLevel parses a logrus level, returning def if the string is empty or invalid.
func SafeParseLogLevel(logLevel string, def logrus.Level) logrus.Level {
	if logLevel == "" {
		return def
	}
	parsed, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.WithField("raw level", logLevel).Warnf("Invalid log level, defaulting to %v", def)
		return def
	}
	return parsed
}

// Formatter writes one line per entry:
//
//	2026-01-05 09:17:48.238 [INFO][85386] flowmgmt/manager.go 434: Flow added. flow=12
//
// Fields are appended in sorted order.
type Formatter struct {
	Component string

	initOnce sync.Once
	infixes  map[logrus.Level]string
}

func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	f.initOnce.Do(func() {
		f.infixes = map[logrus.Level]string{}
		for _, level := range logrus.AllLevels {
			f.infixes[level] = f.computeInfix(level)
		}
	})

	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}
	b.WriteString(entry.Time.Format(timeFormat))
	infix, ok := f.infixes[entry.Level]
	if !ok {
		infix = f.computeInfix(entry.Level)
	}
	b.WriteString(infix)
	if entry.Caller != nil {
		b.WriteString(path.Base(entry.Caller.File))
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(entry.Caller.Line))
	} else {
		b.WriteString("<nil>")
	}
	b.WriteString(": ")
	b.WriteString(entry.Message)
	appendKVsAndNewLine(b, entry.Data)
	return b.Bytes(), nil
}

func (f *Formatter) computeInfix(level logrus.Level) string {
	s := fmt.Sprintf(" [%s][%d] ", strings.ToUpper(level.String()), os.Getpid())
	if f.Component != "" {
		s += f.Component + "/"
	}
	return s
}

func appendKVsAndNewLine(b *bytes.Buffer, data logrus.Fields) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		switch v := data[key].(type) {
		case string:
			b.WriteString(strconv.Quote(v))
		case error:
			b.WriteString(v.Error())
		case time.Duration:
			b.WriteString(v.String())
		case fmt.Stringer:
			b.WriteString(v.String())
		default:
			_, _ = fmt.Fprintf(b, "%#v", v)
		}
	}
	b.WriteByte('\n')
}

type testingTWriter struct {
	t *testing.T
}

func (w testingTWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\r\n"))
	return len(p), nil
}

// RedirectLogrusToTestingT sends logrus output to t.Log.  The returned func restores the previous
// output.
func RedirectLogrusToTestingT(t *testing.T) (cancel func()) {
	oldOut := logrus.StandardLogger().Out
	logrus.SetOutput(testingTWriter{t: t})
	return func() {
		logrus.SetOutput(oldOut)
	}
}

// ConfigureLoggingForTestingT turns on debug logging into t.Log for the duration of the test.
func ConfigureLoggingForTestingT(t *testing.T) {
	ConfigureLogging("debug")
	t.Cleanup(RedirectLogrusToTestingT(t))
}

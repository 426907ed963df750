// Copyright 2022 The gVisor Authors.
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

package log

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger forwards to logger at most once per limiter period and
// counts what it swallowed in between. The next forwarded line carries the
// count so that bursts remain visible.
type rateLimitedLogger struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

func (rl *rateLimitedLogger) allow() (uint64, bool) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return 0, false
	}
	return rl.suppressed.Swap(0), true
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if !rl.logger.IsLogging(Debug) {
		return
	}
	if n, ok := rl.allow(); ok {
		rl.logger.Debugf(withSuppressed(format, n), appendSuppressed(v, n)...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if !rl.logger.IsLogging(Info) {
		return
	}
	if n, ok := rl.allow(); ok {
		rl.logger.Infof(withSuppressed(format, n), appendSuppressed(v, n)...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if n, ok := rl.allow(); ok {
		rl.logger.Warningf(withSuppressed(format, n), appendSuppressed(v, n)...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

func withSuppressed(format string, n uint64) string {
	if n == 0 {
		return format
	}
	return format + " (%d similar messages suppressed)"
}

func appendSuppressed(v []any, n uint64) []any {
	if n == 0 {
		return v
	}
	return append(v, n)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

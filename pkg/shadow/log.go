// Copyright 2026 The gVisor Authors.
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

package shadow

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// guestWarnInterval caps how often guest-triggered irregularities are
// logged. A misbehaving guest can generate these at fault rate.
const guestWarnInterval = time.Second

// rateLimitedLogger wraps a logger so that a hostile guest cannot flood the
// host log.
type rateLimitedLogger struct {
	logger logrus.FieldLogger
	limit  *rate.Limiter
}

func newRateLimitedLogger(logger logrus.FieldLogger, every time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

func (rl *rateLimitedLogger) Warnf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Warnf(format, v...)
	}
}

func (rl *rateLimitedLogger) WithError(err error) *rateLimitedEntry {
	return &rateLimitedEntry{rl: rl, err: err}
}

type rateLimitedEntry struct {
	rl  *rateLimitedLogger
	err error
}

func (e *rateLimitedEntry) Warnf(format string, v ...any) {
	if e.rl.limit.Allow() {
		e.rl.logger.WithError(e.err).Warnf(format, v...)
	}
}

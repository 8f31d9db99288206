/*
Copyright (c) 2024 Keyfactor, Inc.

Licensed under the MIT License (the "License"); you may not use this file except
in compliance with the License. You may obtain a copy of the License at

https://opensource.org/licenses/MIT

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package caplugin

import (
	"context"
	"fmt"
	"time"

	"github.com/Keyfactor/godaddy-caplugin/internal/metrics"
)

// Rate limiter constants.
const (
	DefaultRequestsPerMinute = 60

	rateLimitBackoff     = 50 * time.Millisecond
	rateLimitLockTimeout = 5 * time.Second
	rateLimitWindow      = time.Minute
	rateLimitSubWindow   = time.Second
)

// RateLimiter is a sliding-window admission controller bounding the number
// of outbound requests per minute and per second. The per-second limit is
// the per-minute limit divided by 60, with a minimum of 1. A RateLimiter is
// safe for concurrent use and is normally owned by a single VendorClient.
type RateLimiter struct {
	perMinute int
	perSecond int

	// sem is a single-slot semaphore guarding window. A channel is used
	// rather than a sync.Mutex so that acquisition can time out.
	sem    chan struct{}
	window []time.Time

	now         func() time.Time
	backoff     time.Duration
	lockTimeout time.Duration
}

// NewRateLimiter returns a rate limiter admitting at most perMinute requests
// in any trailing 60 second window. If perMinute is not positive,
// DefaultRequestsPerMinute is used.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRequestsPerMinute
	}

	perSecond := perMinute / 60
	if perSecond < 1 {
		perSecond = 1
	}

	return &RateLimiter{
		perMinute:   perMinute,
		perSecond:   perSecond,
		sem:         make(chan struct{}, 1),
		now:         time.Now,
		backoff:     rateLimitBackoff,
		lockTimeout: rateLimitLockTimeout,
	}
}

// Limits returns the per-minute and per-second admission thresholds.
func (l *RateLimiter) Limits() (perMinute, perSecond int) {
	return l.perMinute, l.perSecond
}

// Wait blocks until the caller is admitted, and records the admission. It
// returns an error wrapping ErrLockTimeout if exclusive access to the
// limiter state cannot be obtained in time, which callers must not retry,
// or the context error if ctx is done first.
func (l *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	}()

	for {
		admitted, err := l.tryAdmit(ctx)
		if err != nil {
			return err
		}

		if admitted {
			return nil
		}

		metrics.RateLimitBackoffsTotal.Inc()

		t := time.NewTimer(l.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()

		case <-t.C:
		}
	}
}

// tryAdmit makes a single admission attempt. The lock is held only for the
// check-and-record step.
func (l *RateLimiter) tryAdmit(ctx context.Context) (bool, error) {
	if err := l.lock(ctx); err != nil {
		return false, err
	}
	defer l.unlock()

	now := l.now()

	// Evict admissions which have aged out of the window. The window is
	// ordered, so eviction stops at the first fresh timestamp.
	cutoff := now.Add(-rateLimitWindow)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	l.window = l.window[i:]

	subCutoff := now.Add(-rateLimitSubWindow)
	inSubWindow := 0
	for j := len(l.window) - 1; j >= 0 && l.window[j].After(subCutoff); j-- {
		inSubWindow++
	}

	if len(l.window) >= l.perMinute || inSubWindow >= l.perSecond {
		return false, nil
	}

	l.window = append(l.window, now)

	return true, nil
}

// lock acquires exclusive access to the limiter state.
func (l *RateLimiter) lock(ctx context.Context) error {
	t := time.NewTimer(l.lockTimeout)
	defer t.Stop()

	select {
	case l.sem <- struct{}{}:
		return nil

	case <-t.C:
		return fmt.Errorf("%w after %s", ErrLockTimeout, l.lockTimeout)

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *RateLimiter) unlock() {
	<-l.sem
}

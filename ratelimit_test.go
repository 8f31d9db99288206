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

package caplugin_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
	"github.com/Keyfactor/godaddy-caplugin/internal/metrics"
)

func TestRateLimiterLimits(t *testing.T) {
	t.Parallel()

	var testcases = []struct {
		perMinute     int
		wantPerMinute int
		wantPerSecond int
	}{
		{perMinute: 0, wantPerMinute: 60, wantPerSecond: 1},
		{perMinute: -5, wantPerMinute: 60, wantPerSecond: 1},
		{perMinute: 30, wantPerMinute: 30, wantPerSecond: 1},
		{perMinute: 60, wantPerMinute: 60, wantPerSecond: 1},
		{perMinute: 119, wantPerMinute: 119, wantPerSecond: 1},
		{perMinute: 600, wantPerMinute: 600, wantPerSecond: 10},
	}

	for _, tc := range testcases {
		var tc = tc

		t.Run(strconv.Itoa(tc.perMinute), func(t *testing.T) {
			t.Parallel()

			perMinute, perSecond := caplugin.NewRateLimiter(tc.perMinute).Limits()
			if perMinute != tc.wantPerMinute || perSecond != tc.wantPerSecond {
				t.Fatalf("got (%d, %d), want (%d, %d)",
					perMinute, perSecond, tc.wantPerMinute, tc.wantPerSecond)
			}
		})
	}
}

func TestRateLimiterPerSecond(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	limiter := caplugin.NewRateLimiter(120)
	limiter.SetNow(clock.Now)

	for i := 0; i < 2; i++ {
		if ok, err := limiter.TryAdmit(ctx); err != nil || !ok {
			t.Fatalf("admission %d: got (%t, %v), want (true, nil)", i, ok, err)
		}
	}

	if ok, _ := limiter.TryAdmit(ctx); ok {
		t.Fatalf("admitted more than the per-second limit")
	}

	clock.Advance(time.Second)

	if ok, err := limiter.TryAdmit(ctx); err != nil || !ok {
		t.Fatalf("got (%t, %v) after the second elapsed, want (true, nil)", ok, err)
	}
}

func TestRateLimiterPerMinute(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)

	limiter := caplugin.NewRateLimiter(60)
	limiter.SetNow(clock.Now)

	// Admit one request per second for a minute.
	for i := 0; i < 60; i++ {
		if ok, err := limiter.TryAdmit(ctx); err != nil || !ok {
			t.Fatalf("admission %d: got (%t, %v), want (true, nil)", i, ok, err)
		}
		if i < 59 {
			clock.Advance(time.Second)
		}
	}

	// The window is full until the first admission ages out.
	clock.Advance(time.Millisecond * 500)
	if ok, _ := limiter.TryAdmit(ctx); ok {
		t.Fatalf("admitted more than the per-minute limit")
	}

	clock.Advance(time.Millisecond * 500)
	if ok, err := limiter.TryAdmit(ctx); err != nil || !ok {
		t.Fatalf("got (%t, %v) after the oldest admission aged out, want (true, nil)", ok, err)
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	limiter := caplugin.NewRateLimiter(600)
	limiter.SetNow(clock.Now)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ok, err := limiter.TryAdmit(ctx)
			if err != nil {
				t.Errorf("failed to attempt admission: %v", err)
				return
			}

			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if admitted != 10 {
		t.Fatalf("got %d admissions, want 10", admitted)
	}
}

func TestRateLimiterWait(t *testing.T) {
	t.Parallel()

	limiter := caplugin.NewRateLimiter(120)
	limiter.SetBackoff(time.Millisecond * 5)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	backoffs := testutil.ToFloat64(metrics.RateLimitBackoffsTotal)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("wait %d failed: %v", i, err)
		}
	}

	if elapsed := time.Since(start); elapsed < time.Millisecond*900 {
		t.Fatalf("third admission after %v, want at least one second after the first", elapsed)
	}

	if testutil.ToFloat64(metrics.RateLimitBackoffsTotal) <= backoffs {
		t.Fatalf("caller was never made to back off")
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	limiter := caplugin.NewRateLimiter(60)
	limiter.SetNow(clock.Now)
	limiter.SetBackoff(time.Millisecond * 5)

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("first wait failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()

	if err := limiter.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got error %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestRateLimiterLockTimeout(t *testing.T) {
	t.Parallel()

	limiter := caplugin.NewRateLimiter(60)
	limiter.SetLockTimeout(time.Millisecond * 20)

	release, err := limiter.Hold(context.Background())
	if err != nil {
		t.Fatalf("failed to hold limiter lock: %v", err)
	}
	defer release()

	err = limiter.Wait(context.Background())
	if !errors.Is(err, caplugin.ErrLockTimeout) {
		t.Fatalf("got error %v, want %v", err, caplugin.ErrLockTimeout)
	}

	var perr caplugin.Error
	if !errors.As(err, &perr) || perr.StatusCode() != 503 {
		t.Fatalf("got error %v, want status 503", err)
	}
}

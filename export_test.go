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
	"crypto/x509"
	"time"
)

// SetNow replaces the limiter clock.
func (l *RateLimiter) SetNow(now func() time.Time) {
	l.now = now
}

// SetBackoff sets the delay between admission attempts.
func (l *RateLimiter) SetBackoff(d time.Duration) {
	l.backoff = d
}

// SetLockTimeout sets the limiter lock acquisition timeout.
func (l *RateLimiter) SetLockTimeout(d time.Duration) {
	l.lockTimeout = d
}

// TryAdmit makes a single admission attempt.
func (l *RateLimiter) TryAdmit(ctx context.Context) (bool, error) {
	return l.tryAdmit(ctx)
}

// Hold acquires the limiter lock and returns a function releasing it.
func (l *RateLimiter) Hold(ctx context.Context) (func(), error) {
	if err := l.lock(ctx); err != nil {
		return nil, err
	}
	return l.unlock, nil
}

// SetRetryDelay sets the base delay between attempts of an operation.
func (c *VendorClient) SetRetryDelay(d time.Duration) {
	c.retryDelay = d
}

// ChainCache exposes the certificate chain cache.
type ChainCache = chainCache

// NewChainCache creates a chain cache with the given fetch function and
// clock.
func NewChainCache(
	fetch func(context.Context, string) ([]*x509.Certificate, error),
	now func() time.Time,
) *ChainCache {
	c := newChainCache(fetch)
	c.now = now
	return c
}

// EffectiveID exposes effectiveID.
var EffectiveID = effectiveID

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
	"fmt"
	"sync"
	"time"
)

// chainCache contains a cache of certificate chains for each certificate
// (identified by its request ID) to serve repeated calls to the chain
// endpoint without excessive calls to the vendor.
type chainCache struct {
	fetch func(ctx context.Context, requestID string) ([]*x509.Certificate, error)
	now   func() time.Time
	mutex sync.RWMutex
	cache map[string]chainEntry
}

// chainEntry is an entry in the chain cache.
type chainEntry struct {
	certs   []*x509.Certificate
	updated time.Time
}

const (
	// assumeFresh is the amount of time for which a cached chain will be
	// assumed to be fresh, i.e. the vendor will not be asked for it again
	// if the cached chain is younger than this time period.
	assumeFresh = time.Minute * 5
)

// Get returns the chain of the specified certificate. If the chain is not
// in the cache, or if it is not fresh, an attempt is made to retrieve it.
func (c *chainCache) Get(ctx context.Context, requestID string) ([]*x509.Certificate, error) {
	// Acquire a read lock to check for an existing entry.
	c.mutex.RLock()
	current, ok := c.cache[requestID]
	c.mutex.RUnlock()

	// If entry exists and was updated sufficiently recently, return it.
	if ok && c.now().Sub(current.updated) < assumeFresh {
		return current.certs, nil
	}

	certs, err := c.fetch(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve certificate chain: %w", err)
	}

	return c.add(requestID, certs).certs, nil
}

// Invalidate removes the chain of the specified certificate from the cache.
func (c *chainCache) Invalidate(requestID string) {
	c.mutex.Lock()
	delete(c.cache, requestID)
	c.mutex.Unlock()
}

// add adds a chain to the cache. If a sufficiently fresh entry is already
// in the cache, it is returned, otherwise a new entry is added and
// returned.
func (c *chainCache) add(requestID string, certs []*x509.Certificate) chainEntry {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Check again in case entry was updated since the read lock was
	// released.
	current, ok := c.cache[requestID]
	if ok && c.now().Sub(current.updated) < assumeFresh {
		return current
	}

	newEntry := chainEntry{
		certs:   certs,
		updated: c.now(),
	}

	c.cache[requestID] = newEntry

	return newEntry
}

// newChainCache creates a new chain cache.
func newChainCache(fetch func(context.Context, string) ([]*x509.Certificate, error)) *chainCache {
	return &chainCache{
		fetch: fetch,
		now:   time.Now,
		cache: make(map[string]chainEntry),
	}
}

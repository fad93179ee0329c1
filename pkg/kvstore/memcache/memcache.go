// Copyright 2018-2019 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package memcache is a process-local read-through L1 in front of the
// authsuccess:/authfail:/fp: rows in pkg/kvstore. It never weakens the
// coherency the bbolt TTL header already gives those rows (spec.md
// invariant I4, property P3): every write goes through Set (write-through)
// and every invalidation path calls Invalidate for the same key it deletes
// in the durable store.
package memcache

import (
	"time"

	"github.com/jellydator/ttlcache/v2"
)

// L1 is a bounded-lifetime string cache keyed by the same key used in the
// backing bbolt bucket.
type L1 struct {
	cache *ttlcache.Cache
}

// New creates an L1 cache whose entries expire defaultTTL after being set,
// unless overridden per-call via SetWithTTL.
func New(defaultTTL time.Duration) *L1 {
	c := ttlcache.NewCache()
	c.SetTTL(defaultTTL)
	c.SkipTTLExtensionOnHit(true)
	return &L1{cache: c}
}

// Get returns the cached value and true, or false if absent or expired.
func (l *L1) Get(key string) (string, bool) {
	v, err := l.cache.Get(key)
	if err != nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set write-through caches value under key using the cache's default TTL.
func (l *L1) Set(key, value string) {
	_ = l.cache.Set(key, value)
}

// SetWithTTL write-through caches value under key for exactly ttl, matching
// the TTL that was just written to the durable store (e.g. a negative-cache
// row's shorter 1-minute window).
func (l *L1) SetWithTTL(key, value string, ttl time.Duration) {
	_ = l.cache.SetWithTTL(key, value, ttl)
}

// Invalidate removes key, to be called alongside every durable-store delete
// that targets the same key (webhook handlers, password change, bulk
// revoke).
func (l *L1) Invalidate(key string) {
	_ = l.cache.Remove(key)
}

// Close stops the cache's background expiration goroutine.
func (l *L1) Close() error {
	return l.cache.Close()
}

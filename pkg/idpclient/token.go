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

package idpclient

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

const adminTokenCacheKey = "admin_token"

// AdminToken is the bearer credential ensure_token_async hands to every
// request kind that needs one.
type AdminToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// tokenCallback is one waiter's continuation in the ensure_token_async
// waiter-queue.
type tokenCallback func(AdminToken, error)

// tokenManager implements spec.md §4.2's ensure_token_async: the first
// caller for an expired/absent token starts a ClientToken fetch, every
// concurrent caller queues behind it, and all queued callbacks fire in
// submission order once the fetch completes (success or failure alike).
// The resolved token is cached in a ristretto.Cache keyed by a single hot
// key, with its TTL trimmed 60s below the IdP-advertised expiry so a
// reader never hands out a token that is about to be rejected.
type tokenManager struct {
	cache    *ristretto.Cache
	fetch    func(ctx context.Context) (AdminToken, error)
	mu       sync.Mutex
	waiters  []tokenCallback
	fetching bool
}

func newTokenManager(fetch func(ctx context.Context) (AdminToken, error)) (*tokenManager, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100,
		MaxCost:     1 << 10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &tokenManager{cache: cache, fetch: fetch}, nil
}

// EnsureToken resolves the current admin token, via cache if still fresh,
// otherwise by joining (or starting) an in-flight refresh.
func (m *tokenManager) EnsureToken(ctx context.Context, cb tokenCallback) {
	if v, ok := m.cache.Get(adminTokenCacheKey); ok {
		cb(v.(AdminToken), nil)
		return
	}

	m.mu.Lock()
	if m.fetching {
		m.waiters = append(m.waiters, cb)
		m.mu.Unlock()
		return
	}
	m.fetching = true
	m.mu.Unlock()

	go m.refresh(ctx, cb)
}

func (m *tokenManager) refresh(ctx context.Context, first tokenCallback) {
	token, err := m.fetch(ctx)

	m.mu.Lock()
	waiters := append([]tokenCallback{first}, m.waiters...)
	m.waiters = nil
	m.fetching = false
	m.mu.Unlock()

	if err == nil {
		ttl := time.Until(token.ExpiresAt) - 60*time.Second
		if ttl > 0 {
			m.cache.SetWithTTL(adminTokenCacheKey, token, 1, ttl)
			m.cache.Wait()
		}
	}

	for _, w := range waiters {
		w(token, err)
	}
}

// Invalidate drops any cached token, forcing the next EnsureToken call to
// refresh. Used after a request comes back 401 Unauthorized.
func (m *tokenManager) Invalidate() {
	m.cache.Del(adminTokenCacheKey)
}

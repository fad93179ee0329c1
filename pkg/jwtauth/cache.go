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

package jwtauth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/pkg/errors"
)

// DefaultTTL is the JWKS entry lifetime spec.md §4.2's "JWKS entry" type
// names as its default.
const DefaultTTL = time.Hour

// Fetcher retrieves the raw JWKS document body for issuer. In production
// this is a plain net/http fetch after OIDC discovery (internal/runtime's
// httpJWKSFetcher), not the async IdP client; FetchJWKS is expected to block the calling goroutine only — the caller (the gcache
// LoaderFunc below) already serializes concurrent callers for the same
// issuer, giving the "block on refresh if nothing cached yet" waiter
// behavior spec.md §4.7 describes without any extra bookkeeping here.
type Fetcher interface {
	FetchJWKS(ctx context.Context, issuer string) ([]byte, error)
}

// Cache resolves (issuer, kid) to an RSA public key. A per-issuer L1
// (in-process, gcache, loader-backed so concurrent misses coalesce into
// one fetch) sits in front of an L2 durable copy in `kc_jwks:<kid>` so a
// restart doesn't require re-fetching every issuer's keys before the first
// OAUTHBEARER can be verified locally again.
type Cache struct {
	l1  gcache.Cache
	kv  *kvstore.Store
	ttl time.Duration
}

// NewCache builds a Cache that fetches via fetcher on a miss, keeping up to
// maxIssuers issuers' key sets in the L1 at once.
func NewCache(kv *kvstore.Store, fetcher Fetcher, maxIssuers int, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{kv: kv, ttl: ttl}
	c.l1 = gcache.New(maxIssuers).
		LRU().
		Expiration(ttl).
		LoaderFunc(func(key interface{}) (interface{}, error) {
			issuer := key.(string)
			body, err := fetcher.FetchJWKS(context.Background(), issuer)
			if err != nil {
				return nil, errors.Wrapf(err, "jwtauth: error fetching jwks for %q", issuer)
			}
			keys, err := ParseJWKS(body)
			if err != nil {
				return nil, err
			}
			c.persist(keys)
			return keys, nil
		}).
		Build()
	return c
}

// Get resolves kid for issuer. An unexpired in-process hit returns
// immediately; a miss blocks on a coalesced refresh fetch, falling back to
// the durable L2 copy if the refresh itself fails. An L1 entry past its TTL
// is dropped and handled as a miss: an expired key set is never served
// while a refresh runs.
func (c *Cache) Get(issuer, kid string) (*rsa.PublicKey, error) {
	if v, err := c.l1.GetIFPresent(issuer); err == nil {
		if key, ok := v.(map[string]*rsa.PublicKey)[kid]; ok {
			return key, nil
		}
	}
	v, err := c.l1.Get(issuer)
	if err == nil {
		if key, ok := v.(map[string]*rsa.PublicKey)[kid]; ok {
			return key, nil
		}
		return nil, errors.Errorf("jwtauth: unknown kid %q for issuer %q", kid, issuer)
	}
	if key, ferr := c.loadDurable(kid); ferr == nil {
		return key, nil
	}
	return nil, err
}

func (c *Cache) persist(keys map[string]*rsa.PublicKey) {
	if c.kv == nil {
		return
	}
	expiry := time.Now().Add(c.ttl).Unix()
	for kid, pub := range keys {
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			continue
		}
		row := fmt.Sprintf("%d:%s", expiry, base64.StdEncoding.EncodeToString(der))
		_ = c.kv.SetString(kvstore.BucketKcJwks, kid, row, c.ttl)
	}
}

func (c *Cache) loadDurable(kid string) (*rsa.PublicKey, error) {
	if c.kv == nil {
		return nil, errors.New("jwtauth: no durable cache configured")
	}
	raw, err := c.kv.GetString(kvstore.BucketKcJwks, kid)
	if err != nil {
		return nil, err
	}
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return nil, errors.New("jwtauth: malformed kc_jwks row")
	}
	if _, err := strconv.ParseInt(raw[:idx], 10, 64); err != nil {
		return nil, errors.Wrap(err, "jwtauth: malformed kc_jwks expiry")
	}
	der, err := base64.StdEncoding.DecodeString(raw[idx+1:])
	if err != nil {
		return nil, errors.Wrap(err, "jwtauth: malformed kc_jwks key")
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "jwtauth: error parsing stored public key")
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("jwtauth: stored key is not RSA")
	}
	return rsaPub, nil
}

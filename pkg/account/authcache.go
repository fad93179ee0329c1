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

// Package account implements the non-SCRAM, non-crypt pieces of account
// state the SASL orchestrator reads and writes directly (spec §3, §6):
// the positive/negative PLAIN auth cache, the session-token store and its
// sessver bulk-revocation counter, the client-certificate fingerprint
// cache, and the activity timestamp.
package account

import (
	"crypto/md5" //nolint:gosec // cache key only, never a security boundary (spec §6 authsuccess/authfail rows)
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/opencloud-eu/x3d/pkg/kvstore/memcache"
	"github.com/pkg/errors"
)

// DefaultPositiveTTL and DefaultNegativeTTL are spec.md §3's defaults for
// the positive ("authsuccess:") and negative ("authfail:") auth caches.
const (
	DefaultPositiveTTL = time.Hour
	DefaultNegativeTTL = time.Minute
)

// AuthCache wraps the `authsuccess:`/`authfail:` buckets behind a
// process-local read-through L1 (spec.md §5.1's memcache layer): every
// write goes through to bbolt first, then populates the L1 with the same
// TTL, so a restart never serves a row the durable store doesn't also
// have.
type AuthCache struct {
	kv *kvstore.Store
	l1 *memcache.L1
}

// NewAuthCache wraps kv for PLAIN auth-cache lookups.
func NewAuthCache(kv *kvstore.Store) *AuthCache {
	return &AuthCache{kv: kv, l1: memcache.New(DefaultPositiveTTL)}
}

// Close releases the L1's background expiration goroutine.
func (c *AuthCache) Close() error {
	return c.l1.Close()
}

// HashCredential computes the md5(username:password) cache key spec.md §6
// uses for both authsuccess and authfail rows. It is a cache-bucketing
// key, never a security boundary — the actual credential check is
// pkg/crypt.Verify against the durable password hash.
func HashCredential(username, password string) string {
	sum := md5.Sum([]byte(username + ":" + password)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func authSuccessL1Key(account string) string { return "authsucc:" + account }
func authFailL1Key(hash string) string       { return "authfail:" + hash }

// PositiveHit reports whether account has a fresh authsuccess: row whose
// stored hash matches the presented credential (invariant I4).
func (c *AuthCache) PositiveHit(account, credentialHash string) (bool, error) {
	raw, ok := c.l1.Get(authSuccessL1Key(account))
	if !ok {
		var err error
		raw, err = c.kv.GetString(kvstore.BucketAuthSucc, account)
		if errors.Is(err, kvstore.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		c.l1.Set(authSuccessL1Key(account), raw)
	}
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return false, nil
	}
	return raw[idx+1:] == credentialHash, nil
}

// RecordPositive writes the `authsuccess:<account>` row (spec §4.5 step 3).
func (c *AuthCache) RecordPositive(account, credentialHash string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultPositiveTTL
	}
	row := fmt.Sprintf("%d:%s", time.Now().Unix(), credentialHash)
	if err := c.kv.SetString(kvstore.BucketAuthSucc, account, row, ttl); err != nil {
		return err
	}
	c.l1.SetWithTTL(authSuccessL1Key(account), row, ttl)
	return nil
}

// InvalidatePositive removes account's authsuccess row, e.g. on password
// change or USER.DELETE.
func (c *AuthCache) InvalidatePositive(account string) error {
	if err := c.kv.Delete(kvstore.BucketAuthSucc, account); err != nil {
		return err
	}
	c.l1.Invalidate(authSuccessL1Key(account))
	return nil
}

// NegativeHit reports whether credentialHash has a live authfail: row
// (spec §4.5 step c — fail fast against a known-bad credential).
func (c *AuthCache) NegativeHit(credentialHash string) (bool, error) {
	if _, ok := c.l1.Get(authFailL1Key(credentialHash)); ok {
		return true, nil
	}
	_, err := c.kv.Get(kvstore.BucketAuthFail, credentialHash)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// RecordNegative writes an `authfail:<hash>` row with a short TTL.
func (c *AuthCache) RecordNegative(credentialHash string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultNegativeTTL
	}
	row := fmt.Sprintf("%d:%d", time.Now().Unix(), time.Now().Add(ttl).Unix())
	if err := c.kv.SetString(kvstore.BucketAuthFail, credentialHash, row, ttl); err != nil {
		return err
	}
	c.l1.SetWithTTL(authFailL1Key(credentialHash), row, ttl)
	return nil
}

// InvalidateAllFailures clears every authfail: row, used on USER.DELETE
// (spec §4.6) where the exact failed-credential hashes aren't known.
func (c *AuthCache) InvalidateAllFailures() error {
	return c.kv.PrefixIterate(kvstore.BucketAuthFail, "", func(e kvstore.Entry) *kvstore.Mutation {
		c.l1.Invalidate(authFailL1Key(e.Key))
		return &kvstore.Mutation{Key: e.Key, Delete: true}
	})
}

// parseInt is a small helper shared by the row formats in this package.
func parseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

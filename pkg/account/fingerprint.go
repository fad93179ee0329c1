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

package account

import (
	"fmt"
	"strings"
	"time"

	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/opencloud-eu/x3d/pkg/kvstore/memcache"
	"github.com/pkg/errors"
)

// DefaultFingerprintTTL is how long a resolved EXTERNAL fingerprint stays
// cached before the next SASL EXTERNAL attempt re-checks with the IdP
// (spec §4.5 EXTERNAL dispatch).
const DefaultFingerprintTTL = 24 * time.Hour

// NegativeFingerprintTTL bounds how long an unresolved fingerprint is
// remembered as "looked up, not found", so a reconnect within the window
// does not repeat the IdP lookup (spec §8 scenario 3).
const NegativeFingerprintTTL = 60 * time.Second

// FingerprintEntry is one row of the `fp:<fingerprint-hex>` cache.
type FingerprintEntry struct {
	Account    string
	Registered time.Time
	LastUsed   time.Time
}

// Fingerprints wraps the `fp:` bucket mapping a client certificate's
// SHA-256 fingerprint to the account it was provisioned against, behind
// the same memcache L1 read-through AuthCache uses.
type Fingerprints struct {
	kv *kvstore.Store
	l1 *memcache.L1
}

// NewFingerprints wraps kv for fingerprint-cache lookups.
func NewFingerprints(kv *kvstore.Store) *Fingerprints {
	return &Fingerprints{kv: kv, l1: memcache.New(DefaultFingerprintTTL)}
}

// Close releases the L1's background expiration goroutine.
func (f *Fingerprints) Close() error {
	return f.l1.Close()
}

func fingerprintL1Key(fingerprint string) string { return "fp:" + fingerprint }

// Lookup returns the cached entry for fingerprint. A zero-value Account
// means the fingerprint was looked up before and found unbound — still a
// cache hit (spec §8 scenario 3's negative cache), distinct from
// kvstore.ErrNotFound meaning "never looked up". A positive hit's
// last_used is bumped in the same call.
func (f *Fingerprints) Lookup(fingerprint string) (FingerprintEntry, error) {
	raw, ok := f.l1.Get(fingerprintL1Key(fingerprint))
	if !ok {
		var err error
		raw, err = f.kv.GetString(kvstore.BucketFp, fingerprint)
		if errors.Is(err, kvstore.ErrNotFound) {
			return FingerprintEntry{}, kvstore.ErrNotFound
		}
		if err != nil {
			return FingerprintEntry{}, err
		}
		f.l1.Set(fingerprintL1Key(fingerprint), raw)
	}
	entry, err := parseFingerprintRow(raw)
	if err != nil {
		return FingerprintEntry{}, err
	}
	if entry.Account == "" {
		return entry, nil
	}
	entry.LastUsed = time.Now()
	if err := f.save(fingerprint, entry, DefaultFingerprintTTL); err != nil {
		return FingerprintEntry{}, err
	}
	return entry, nil
}

// Register binds fingerprint to account, e.g. after a successful IdP
// lookup for a fingerprint not yet in cache.
func (f *Fingerprints) Register(fingerprint, account string) error {
	now := time.Now()
	return f.save(fingerprint, FingerprintEntry{Account: account, Registered: now, LastUsed: now}, DefaultFingerprintTTL)
}

// RegisterUnknown remembers that fingerprint was looked up and found
// unbound, so a reconnect within NegativeFingerprintTTL skips the IdP
// round trip.
func (f *Fingerprints) RegisterUnknown(fingerprint string) error {
	now := time.Now()
	return f.save(fingerprint, FingerprintEntry{Registered: now, LastUsed: now}, NegativeFingerprintTTL)
}

// Forget removes fingerprint, used when a CREDENTIAL.DELETE webhook
// reports an x509 credential revoked (spec §4.6).
func (f *Fingerprints) Forget(fingerprint string) error {
	if err := f.kv.Delete(kvstore.BucketFp, fingerprint); err != nil {
		return err
	}
	f.l1.Invalidate(fingerprintL1Key(fingerprint))
	return nil
}

// ForgetAllForAccount removes every fingerprint bound to account, used on
// USER.DELETE.
func (f *Fingerprints) ForgetAllForAccount(account string) error {
	return f.kv.PrefixIterate(kvstore.BucketFp, "", func(e kvstore.Entry) *kvstore.Mutation {
		entry, err := parseFingerprintRow(string(e.Value))
		if err != nil || entry.Account != account {
			return nil
		}
		f.l1.Invalidate(fingerprintL1Key(e.Key))
		return &kvstore.Mutation{Key: e.Key, Delete: true}
	})
}

func (f *Fingerprints) save(fingerprint string, entry FingerprintEntry, ttl time.Duration) error {
	row := fmt.Sprintf("%s:%d:%d", entry.Account, entry.Registered.Unix(), entry.LastUsed.Unix())
	if err := f.kv.SetString(kvstore.BucketFp, fingerprint, row, ttl); err != nil {
		return err
	}
	f.l1.SetWithTTL(fingerprintL1Key(fingerprint), row, ttl)
	return nil
}

func parseFingerprintRow(raw string) (FingerprintEntry, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return FingerprintEntry{}, errors.Errorf("account: malformed fingerprint row %q", raw)
	}
	registered, err := parseInt(parts[1])
	if err != nil {
		return FingerprintEntry{}, errors.Wrap(err, "account: malformed fingerprint registered timestamp")
	}
	lastUsed, err := parseInt(parts[2])
	if err != nil {
		return FingerprintEntry{}, errors.Wrap(err, "account: malformed fingerprint last-used timestamp")
	}
	return FingerprintEntry{
		Account:    parts[0],
		Registered: time.Unix(registered, 0),
		LastUsed:   time.Unix(lastUsed, 0),
	}, nil
}

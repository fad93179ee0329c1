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
	"path/filepath"
	"testing"
	"time"

	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "x3d.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestAuthCachePositiveRoundtrip(t *testing.T) {
	kv := openTestStore(t)
	c := NewAuthCache(kv)

	hash := HashCredential("alice", "hunter2")
	hit, err := c.PositiveHit("alice", hash)
	require.NoError(t, err)
	assert.False(t, hit, "no row yet")

	require.NoError(t, c.RecordPositive("alice", hash, time.Minute))

	hit, err = c.PositiveHit("alice", hash)
	require.NoError(t, err)
	assert.True(t, hit)

	otherHash := HashCredential("alice", "wrong")
	hit, err = c.PositiveHit("alice", otherHash)
	require.NoError(t, err)
	assert.False(t, hit, "stale credential hash must not match")

	require.NoError(t, c.InvalidatePositive("alice"))
	hit, err = c.PositiveHit("alice", hash)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestAuthCacheNegativeRoundtrip(t *testing.T) {
	kv := openTestStore(t)
	c := NewAuthCache(kv)

	hash := HashCredential("bob", "badpass")
	hit, err := c.NegativeHit(hash)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.RecordNegative(hash, time.Minute))
	hit, err = c.NegativeHit(hash)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestAuthCacheInvalidateAllFailures(t *testing.T) {
	kv := openTestStore(t)
	c := NewAuthCache(kv)

	h1 := HashCredential("bob", "badpass1")
	h2 := HashCredential("bob", "badpass2")
	require.NoError(t, c.RecordNegative(h1, time.Minute))
	require.NoError(t, c.RecordNegative(h2, time.Minute))

	require.NoError(t, c.InvalidateAllFailures())

	hit, err := c.NegativeHit(h1)
	require.NoError(t, err)
	assert.False(t, hit)
	hit, err = c.NegativeHit(h2)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSessionsIssueThenResolve(t *testing.T) {
	kv := openTestStore(t)
	s := NewSessions(kv)

	tokenID, err := s.Issue("alice")
	require.NoError(t, err)
	assert.NotEmpty(t, tokenID)

	account, err := s.Resolve(tokenID)
	require.NoError(t, err)
	assert.Equal(t, "alice", account)
}

func TestSessionsBumpVersionRevokesOlderTokens(t *testing.T) {
	kv := openTestStore(t)
	s := NewSessions(kv)

	oldToken, err := s.Issue("alice")
	require.NoError(t, err)

	_, err = s.BumpVersion("alice")
	require.NoError(t, err)

	_, err = s.Resolve(oldToken)
	assert.ErrorIs(t, err, ErrVersionStale)

	newToken, err := s.Issue("alice")
	require.NoError(t, err)
	account, err := s.Resolve(newToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", account)
}

func TestSessionsRotateIssuesFreshTokenAndRevokesOld(t *testing.T) {
	kv := openTestStore(t)
	s := NewSessions(kv)

	tokenID, err := s.Issue("alice")
	require.NoError(t, err)

	rotated, err := s.Rotate(tokenID)
	require.NoError(t, err)
	assert.NotEqual(t, tokenID, rotated)

	_, err = s.Resolve(tokenID)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	account, err := s.Resolve(rotated)
	require.NoError(t, err)
	assert.Equal(t, "alice", account)
}

func TestSessionsRevoke(t *testing.T) {
	kv := openTestStore(t)
	s := NewSessions(kv)

	tokenID, err := s.Issue("alice")
	require.NoError(t, err)
	require.NoError(t, s.Revoke(tokenID))

	_, err = s.Resolve(tokenID)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestFingerprintsRegisterThenLookup(t *testing.T) {
	kv := openTestStore(t)
	f := NewFingerprints(kv)

	require.NoError(t, f.Register("aa:bb:cc", "alice"))

	entry, err := f.Lookup("aa:bb:cc")
	require.NoError(t, err)
	assert.Equal(t, "alice", entry.Account)
	assert.False(t, entry.Registered.IsZero())
	assert.False(t, entry.LastUsed.IsZero())
}

func TestFingerprintsForgetAllForAccount(t *testing.T) {
	kv := openTestStore(t)
	f := NewFingerprints(kv)

	require.NoError(t, f.Register("fp1", "alice"))
	require.NoError(t, f.Register("fp2", "alice"))
	require.NoError(t, f.Register("fp3", "bob"))

	require.NoError(t, f.ForgetAllForAccount("alice"))

	_, err := f.Lookup("fp1")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
	_, err = f.Lookup("fp2")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	entry, err := f.Lookup("fp3")
	require.NoError(t, err)
	assert.Equal(t, "bob", entry.Account)
}

func TestActivityTrackerTouchThenGet(t *testing.T) {
	kv := openTestStore(t)
	a := NewActivityTracker(kv)

	_, err := a.Get("alice")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	require.NoError(t, a.Touch("alice"))

	act, err := a.Get("alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), act.LastSeen, 5*time.Second)
	assert.WithinDuration(t, time.Now(), act.LastPresent, 5*time.Second)
}

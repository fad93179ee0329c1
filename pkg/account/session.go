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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/pkg/errors"
)

// DefaultSessionTTL is spec §3's default lifetime for a `session:` row
// (the SASL session-resumption token, spec §4.5 post-SCRAM-success step).
const DefaultSessionTTL = 30 * 24 * time.Hour

// SessionTokenPasswordPrefix marks a PLAIN password field as carrying a
// session token rather than a real password (spec §4.5 PLAIN dispatch
// step (a)), letting a client reconnect without re-sending the account's
// real credential.
const SessionTokenPasswordPrefix = "x3tok:"

// IsSessionTokenPassword reports whether password is a session-token
// reference and, if so, returns the token id.
func IsSessionTokenPassword(password string) (tokenID string, ok bool) {
	if !strings.HasPrefix(password, SessionTokenPasswordPrefix) {
		return "", false
	}
	return strings.TrimPrefix(password, SessionTokenPasswordPrefix), true
}

// tokenIDBytes is the width of a generated session-token identifier.
const tokenIDBytes = 18

// ErrVersionStale is returned by Resolve when the token's embedded
// version predates the account's current sessver counter — the session
// was bulk-revoked (invariant P2, spec §4.5 "session revocation").
var ErrVersionStale = errors.New("account: session token version is stale")

// Sessions wraps the `session:`/`sessver:` buckets that together
// implement version-based bulk session-token revocation.
type Sessions struct {
	kv *kvstore.Store
}

// NewSessions wraps kv for session-token lifecycle operations.
func NewSessions(kv *kvstore.Store) *Sessions {
	return &Sessions{kv: kv}
}

// CurrentVersion returns account's sessver counter, defaulting to 0 for an
// account that has never revoked a session.
func (s *Sessions) CurrentVersion(account string) (int64, error) {
	raw, err := s.kv.GetString(kvstore.BucketSessver, account)
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseInt(raw)
}

// BumpVersion increments account's sessver counter, retroactively
// invalidating every session token issued against an older version —
// the bulk-revocation primitive spec §3 calls for on password change,
// credential deletion, or an explicit "log out everywhere" request.
func (s *Sessions) BumpVersion(account string) (int64, error) {
	cur, err := s.CurrentVersion(account)
	if err != nil {
		return 0, err
	}
	next := cur + 1
	if err := s.kv.SetString(kvstore.BucketSessver, account, fmt.Sprintf("%d", next), 0); err != nil {
		return 0, err
	}
	return next, nil
}

// Issue mints a new session token for account at the account's current
// sessver version and persists the `session:<tokenid>` row, returning the
// opaque token ID the client should present on future AUTHENTICATE
// exchanges (spec §4.5 "session token" mechanism).
func (s *Sessions) Issue(account string) (tokenID string, err error) {
	version, err := s.CurrentVersion(account)
	if err != nil {
		return "", err
	}
	tokenID, err = newTokenID()
	if err != nil {
		return "", err
	}
	if err := s.put(tokenID, account, version, DefaultSessionTTL); err != nil {
		return "", err
	}
	return tokenID, nil
}

// Resolve looks up tokenID and returns its bound account, provided the
// token's embedded version still matches (or exceeds) the account's
// current sessver — otherwise ErrVersionStale.
func (s *Sessions) Resolve(tokenID string) (account string, err error) {
	raw, err := s.kv.GetString(kvstore.BucketSession, tokenID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", kvstore.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	_, version, acct, err := parseSessionRow(raw)
	if err != nil {
		return "", err
	}
	cur, err := s.CurrentVersion(acct)
	if err != nil {
		return "", err
	}
	if version < cur {
		return "", ErrVersionStale
	}
	return acct, nil
}

// Rotate replaces tokenID with a freshly-issued token for the same
// account (spec §4.5's token-rotation-on-reuse policy) and revokes the
// old one.
func (s *Sessions) Rotate(tokenID string) (newTokenID string, err error) {
	account, err := s.Resolve(tokenID)
	if err != nil {
		return "", err
	}
	if err := s.kv.Delete(kvstore.BucketSession, tokenID); err != nil {
		return "", err
	}
	return s.Issue(account)
}

// Revoke deletes a single session token without touching the account's
// version counter (used for an explicit single-session log-out).
func (s *Sessions) Revoke(tokenID string) error {
	return s.kv.Delete(kvstore.BucketSession, tokenID)
}

func (s *Sessions) put(tokenID, account string, version int64, ttl time.Duration) error {
	row := fmt.Sprintf("%d:%d:%s", time.Now().Add(ttl).Unix(), version, account)
	return s.kv.SetString(kvstore.BucketSession, tokenID, row, ttl)
}

func parseSessionRow(raw string) (expires, version int64, account string, err error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return 0, 0, "", errors.Errorf("account: malformed session row %q", raw)
	}
	expires, err = parseInt(parts[0])
	if err != nil {
		return 0, 0, "", errors.Wrap(err, "account: malformed session expiry")
	}
	version, err = parseInt(parts[1])
	if err != nil {
		return 0, 0, "", errors.Wrap(err, "account: malformed session version")
	}
	return expires, version, parts[2], nil
}

func newTokenID() (string, error) {
	buf := make([]byte, tokenIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "account: error generating token id")
	}
	return hex.EncodeToString(buf), nil
}

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

package scram

import (
	"fmt"
	"strings"
	"time"

	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/pkg/errors"
)

// Store persists SCRAM verifiers under the `scram:` (session-token) and
// `scram_acct:` (account) key prefixes spec.md §6 reserves for them.
type Store struct {
	kv *kvstore.Store
}

// NewStore wraps kv for SCRAM verifier storage.
func NewStore(kv *kvstore.Store) *Store {
	return &Store{kv: kv}
}

func acctKey(h HashName, account string) string {
	return fmt.Sprintf("%s:%s", h, account)
}

func tokenKey(h HashName, tokenID string) string {
	return fmt.Sprintf("%s:%s", h, tokenID)
}

// LoadAccount returns the account-level verifier for (hash, account), or
// kvstore.ErrNotFound if the account has none yet (spec.md §4.4's
// email-activation gap).
func (s *Store) LoadAccount(h HashName, account string) (Verifier, error) {
	raw, err := s.kv.GetString(kvstore.BucketScramAcct, acctKey(h, account))
	if err != nil {
		return Verifier{}, err
	}
	return ParseVerifier(raw)
}

// SaveAccount writes v under `scram_acct:<hash>:<account>` with
// Expires == 0 (no TTL — account verifiers live until password change or
// account deletion).
func (s *Store) SaveAccount(v Verifier) error {
	v.Expires = 0
	return s.kv.SetString(kvstore.BucketScramAcct, acctKey(v.Hash, v.Account), v.Encode(), 0)
}

// DeleteAllForAccount removes every hash-variant account verifier for
// account, e.g. on password change (spec.md §7, CREDENTIAL.UPDATE) or
// account deletion (spec.md §7, USER.DELETE).
func (s *Store) DeleteAllForAccount(account string) error {
	for _, h := range []HashName{SHA1, SHA256, SHA512} {
		if err := s.kv.Delete(kvstore.BucketScramAcct, acctKey(h, account)); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			return err
		}
	}
	return nil
}

// DeleteAllTokensForAccount removes every `scram:` token-level verifier
// bound to account, scanning all three hash prefixes since the token id
// itself carries no account information (spec.md §7 CREDENTIAL.UPDATE:
// "delete all SCRAM rows for u").
func (s *Store) DeleteAllTokensForAccount(account string) error {
	for _, h := range []HashName{SHA1, SHA256, SHA512} {
		err := s.kv.PrefixIterate(kvstore.BucketScram, string(h)+":", func(e kvstore.Entry) *kvstore.Mutation {
			v, err := ParseVerifier(string(e.Value))
			if err != nil || v.Account != account {
				return nil
			}
			return &kvstore.Mutation{Key: e.Key, Delete: true}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// LoadToken returns the session-token verifier for (hash, tokenID).
func (s *Store) LoadToken(h HashName, tokenID string) (Verifier, error) {
	raw, err := s.kv.GetString(kvstore.BucketScram, tokenKey(h, tokenID))
	if err != nil {
		return Verifier{}, err
	}
	return ParseVerifier(raw)
}

// SaveToken writes v under `scram:<hash>:<tokenid>` with the KV store's
// T<unix-expiry>: TTL prefix set to match the session token's own expiry,
// so the verifier never outlives the token it authenticates (spec.md
// §4.2, §4.4).
func (s *Store) SaveToken(v Verifier, tokenID string, ttl time.Duration) error {
	if ttl > 0 {
		v.Expires = time.Now().Add(ttl).Unix()
	}
	return s.kv.SetString(kvstore.BucketScram, tokenKey(v.Hash, tokenID), v.Encode(), ttl)
}

// DeleteToken removes every hash-variant verifier for tokenID, e.g. on
// session-token revocation.
func (s *Store) DeleteToken(tokenID string) error {
	for _, h := range []HashName{SHA1, SHA256, SHA512} {
		if err := s.kv.Delete(kvstore.BucketScram, tokenKey(h, tokenID)); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			return err
		}
	}
	return nil
}

// sessionTokenUsername is the `x3scram:<token-id>` username form clients
// use to authenticate a session token via SCRAM (spec.md §4.4).
const sessionTokenUsernamePrefix = "x3scram:"

// IsSessionTokenUsername reports whether username names a session token
// rather than a bare account, and returns the token-id.
func IsSessionTokenUsername(username string) (tokenID string, ok bool) {
	if !strings.HasPrefix(username, sessionTokenUsernamePrefix) {
		return "", false
	}
	return strings.TrimPrefix(username, sessionTokenUsernamePrefix), true
}

// SessionTokenUsername formats the SCRAM username clients use to
// authenticate session token tokenID.
func SessionTokenUsername(tokenID string) string {
	return sessionTokenUsernamePrefix + tokenID
}

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
	"encoding/json"
	"strings"
	"time"

	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/pkg/errors"
)

// OperLevel is the operator-privilege tier recorded against an account,
// refreshed from the IdP's x3_opserv_level attribute (spec §3 Account, §4.6
// USER.UPDATE).
type OperLevel int

// Operator tiers, lowest to highest.
const (
	OperNone OperLevel = iota
	OperHelper
	OperOper
	OperAdmin
)

// ErrHandleTaken and ErrNickTaken report invariant I1 (handle/nick
// uniqueness under case-folding) violations.
var (
	ErrHandleTaken = errors.New("account: handle already registered")
	ErrNickTaken   = errors.New("account: nick already bound")
)

// Account is the durable record the `handle:` bucket stores — the spec §3
// Account entity's locally-tracked fields (the IdP remains authoritative for
// the credential itself; spec's Non-goals explicitly rule out this package
// becoming an independent identity store).
type Account struct {
	Handle     string    `json:"handle"`
	Nick       string    `json:"nick"`
	Email      string    `json:"email,omitempty"`
	OperLevel  OperLevel `json:"oper_level"`
	Suspended  bool      `json:"suspended"`
	Registered time.Time `json:"registered"`
}

// Registry wraps the `handle:`/`nick:` buckets implementing account
// registration, renaming and removal (spec §3 invariant I1).
type Registry struct {
	kv *kvstore.Store
}

// NewRegistry wraps kv for account-registry operations.
func NewRegistry(kv *kvstore.Store) *Registry {
	return &Registry{kv: kv}
}

// foldCase applies the case-folding spec's invariant I1 measures uniqueness
// under. The corpus has no IRC-casemapping helper to reuse, so this follows
// the plain strings.ToLower convention the rest of the corpus uses for
// case-insensitive lookup keys (e.g. pkg/ocm/invite's memory repository).
func foldCase(s string) string {
	return strings.ToLower(s)
}

// Register creates a new account bound to handle and nick, both unique
// under case-folding (invariant I1). Either collision is reported without
// mutating any existing row.
func (r *Registry) Register(handle, nick, email string) (Account, error) {
	handleKey, nickKey := foldCase(handle), foldCase(nick)

	if _, err := r.kv.Get(kvstore.BucketHandle, handleKey); err == nil {
		return Account{}, ErrHandleTaken
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return Account{}, err
	}
	if _, err := r.kv.Get(kvstore.BucketNick, nickKey); err == nil {
		return Account{}, ErrNickTaken
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return Account{}, err
	}

	acct := Account{Handle: handle, Nick: nick, Email: email, Registered: time.Now()}
	if err := r.putHandle(handleKey, acct); err != nil {
		return Account{}, err
	}
	if err := r.kv.SetString(kvstore.BucketNick, nickKey, handleKey, 0); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// Rename rebinds handle's primary nick to newNick, freeing the old nick row
// and claiming the new one. newNick must not already be bound to a
// different handle (invariant I1).
func (r *Registry) Rename(handle, newNick string) error {
	handleKey, newNickKey := foldCase(handle), foldCase(newNick)

	acct, err := r.Lookup(handle)
	if err != nil {
		return err
	}
	if bound, err := r.kv.GetString(kvstore.BucketNick, newNickKey); err == nil && bound != handleKey {
		return ErrNickTaken
	} else if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return err
	}

	oldNickKey := foldCase(acct.Nick)
	acct.Nick = newNick
	if err := r.putHandle(handleKey, acct); err != nil {
		return err
	}
	if err := r.kv.SetString(kvstore.BucketNick, newNickKey, handleKey, 0); err != nil {
		return err
	}
	if oldNickKey != newNickKey {
		return r.kv.Delete(kvstore.BucketNick, oldNickKey)
	}
	return nil
}

// Unregister removes handle and every nick row bound to it (spec §4.6
// USER.DELETE; the auth-cache/fingerprint/session/SCRAM-verifier cleanup for
// the same event lives in pkg/webhook, which composes this with the other
// account stores).
func (r *Registry) Unregister(handle string) error {
	handleKey := foldCase(handle)
	if err := r.kv.Delete(kvstore.BucketHandle, handleKey); err != nil {
		return err
	}
	return r.kv.PrefixIterate(kvstore.BucketNick, "", func(e kvstore.Entry) *kvstore.Mutation {
		if string(e.Value) != handleKey {
			return nil
		}
		return &kvstore.Mutation{Key: e.Key, Delete: true}
	})
}

// Lookup resolves handle to its Account row.
func (r *Registry) Lookup(handle string) (Account, error) {
	raw, err := r.kv.Get(kvstore.BucketHandle, foldCase(handle))
	if err != nil {
		return Account{}, err
	}
	var acct Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return Account{}, errors.Wrap(err, "account: malformed handle row")
	}
	return acct, nil
}

// LookupByNick resolves nick to the Account it is currently bound to.
func (r *Registry) LookupByNick(nick string) (Account, error) {
	handleKey, err := r.kv.GetString(kvstore.BucketNick, foldCase(nick))
	if err != nil {
		return Account{}, err
	}
	return r.Lookup(handleKey)
}

// SetOperLevel updates handle's operator tier (spec §4.6 USER.UPDATE,
// x3_opserv_level attribute).
func (r *Registry) SetOperLevel(handle string, level OperLevel) error {
	acct, err := r.Lookup(handle)
	if err != nil {
		return err
	}
	acct.OperLevel = level
	return r.putHandle(foldCase(handle), acct)
}

// SetSuspended flips handle's suspended flag (spec §4.6 USER.UPDATE).
func (r *Registry) SetSuspended(handle string, suspended bool) error {
	acct, err := r.Lookup(handle)
	if err != nil {
		return err
	}
	acct.Suspended = suspended
	return r.putHandle(foldCase(handle), acct)
}

func (r *Registry) putHandle(handleKey string, acct Account) error {
	raw, err := json.Marshal(acct)
	if err != nil {
		return errors.Wrap(err, "account: error encoding handle row")
	}
	return r.kv.Set(kvstore.BucketHandle, handleKey, raw, 0)
}

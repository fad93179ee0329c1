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
	"github.com/pkg/errors"
	"github.com/xdg-go/scram"
)

// Engine builds server-side SCRAM conversations backed by a verifier
// Store, for one fixed hash function.
type Engine struct {
	hash  HashName
	store *Store
}

// NewEngine returns an Engine for hash, reading verifiers from store.
func NewEngine(hash HashName, store *Store) *Engine {
	return &Engine{hash: hash, store: store}
}

// Conversation wraps an in-flight server-side SCRAM exchange.
type Conversation struct {
	conv    *scram.ServerConversation
	account *string
}

// NewConversation starts a conversation. The credential lookup resolves
// username to a Verifier: a bare account name is looked up in
// `scram_acct:`; an `x3scram:<token-id>` name is looked up in `scram:`
// (spec.md §4.4). The Verifier's own Account field — not the raw SCRAM
// username, which may be a token-id — is what Conversation.Account
// returns once the exchange succeeds.
func (e *Engine) NewConversation() (*Conversation, error) {
	gen, err := e.hash.generator()
	if err != nil {
		return nil, err
	}
	resolved := new(string)
	lookup := func(username string) (scram.StoredCredentials, error) {
		var v Verifier
		var err error
		if tokenID, ok := IsSessionTokenUsername(username); ok {
			v, err = e.store.LoadToken(e.hash, tokenID)
		} else {
			v, err = e.store.LoadAccount(e.hash, username)
		}
		if err != nil {
			return scram.StoredCredentials{}, errors.Wrapf(err, "scram: no verifier for %q", username)
		}
		*resolved = v.Account
		return scram.StoredCredentials{
			KeyFactors: scram.KeyFactors{
				Salt:  string(v.Salt),
				Iters: v.Iterations,
			},
			StoredKey: v.StoredKey,
			ServerKey: v.ServerKey,
		}, nil
	}
	server, err := gen.NewServer(lookup)
	if err != nil {
		return nil, errors.Wrap(err, "scram: error building server")
	}
	return &Conversation{conv: server.NewConversation(), account: resolved}, nil
}

// Step feeds the client's message through the conversation and returns the
// server's response. done is true once the exchange has reached a terminal
// state; the caller must still check Valid() to distinguish success from
// failure.
func (c *Conversation) Step(clientMessage string) (response string, done bool, err error) {
	response, err = c.conv.Step(clientMessage)
	if err != nil {
		return "", true, errors.Wrap(err, "scram: conversation step failed")
	}
	return response, c.conv.Done(), nil
}

// Valid reports whether the conversation completed with a verified client
// proof. Only meaningful once Step has reported done.
func (c *Conversation) Valid() bool {
	return c.conv.Valid()
}

// Username returns the name the client authenticated as (the bare account
// or `x3scram:<token-id>` form).
func (c *Conversation) Username() string {
	return c.conv.Username()
}

// Account returns the Verifier's own account field resolved during the
// credential lookup — the real account name even when Username is a
// session-token id. Only meaningful once Step has reported done and
// Valid reports true.
func (c *Conversation) Account() string {
	return *c.account
}

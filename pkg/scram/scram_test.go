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
	"path/filepath"
	"testing"

	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xdg-go/scram"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "x3d.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewStore(kv)
}

func TestVerifierEncodeParseRoundtrip(t *testing.T) {
	v := Verifier{
		Expires:    1234,
		Hash:       SHA256,
		Iterations: 4096,
		Salt:       []byte("salt-bytes"),
		StoredKey:  []byte("stored-key-bytes"),
		ServerKey:  []byte("server-key-bytes"),
		Account:    "alice",
	}
	got, err := ParseVerifier(v.Encode())
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestDeriveVerifierThenAccountConversationSucceeds(t *testing.T) {
	store := openTestStore(t)

	v, err := DeriveVerifier(SHA256, "p@ssw0rd", 4096, "alice")
	require.NoError(t, err)
	require.NoError(t, store.SaveAccount(v))

	engine := NewEngine(SHA256, store)
	serverConv, err := engine.NewConversation()
	require.NoError(t, err)

	clientConv, err := scram.SHA256.NewClient("alice", "p@ssw0rd", "")
	require.NoError(t, err)
	conv := clientConv.NewConversation()

	clientFirst, err := conv.Step("")
	require.NoError(t, err)

	serverFirst, done, err := serverConv.Step(clientFirst)
	require.NoError(t, err)
	require.False(t, done)

	clientFinal, err := conv.Step(serverFirst)
	require.NoError(t, err)

	serverFinal, done, err := serverConv.Step(clientFinal)
	require.NoError(t, err)
	require.True(t, done)
	assert.True(t, serverConv.Valid())

	_, err = conv.Step(serverFinal)
	require.NoError(t, err)
	assert.True(t, conv.Valid())
}

func TestConversationRejectsWrongPassword(t *testing.T) {
	store := openTestStore(t)

	v, err := DeriveVerifier(SHA256, "p@ssw0rd", 4096, "alice")
	require.NoError(t, err)
	require.NoError(t, store.SaveAccount(v))

	engine := NewEngine(SHA256, store)
	serverConv, err := engine.NewConversation()
	require.NoError(t, err)

	clientConv, err := scram.SHA256.NewClient("alice", "wrong-password", "")
	require.NoError(t, err)
	conv := clientConv.NewConversation()

	clientFirst, err := conv.Step("")
	require.NoError(t, err)
	serverFirst, _, err := serverConv.Step(clientFirst)
	require.NoError(t, err)

	clientFinal, err := conv.Step(serverFirst)
	require.NoError(t, err)

	_, done, err := serverConv.Step(clientFinal)
	assert.True(t, done)
	assert.Error(t, err)
	assert.False(t, serverConv.Valid())
}

func TestSessionTokenUsernameRoundtrip(t *testing.T) {
	username := SessionTokenUsername("T1")
	tokenID, ok := IsSessionTokenUsername(username)
	require.True(t, ok)
	assert.Equal(t, "T1", tokenID)

	_, ok = IsSessionTokenUsername("alice")
	assert.False(t, ok)
}

func TestDeleteAllForAccountIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	v, err := DeriveVerifier(SHA256, "p@ssw0rd", 4096, "alice")
	require.NoError(t, err)
	require.NoError(t, store.SaveAccount(v))

	require.NoError(t, store.DeleteAllForAccount("alice"))
	require.NoError(t, store.DeleteAllForAccount("alice"))

	_, err = store.LoadAccount(SHA256, "alice")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

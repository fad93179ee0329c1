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

package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencloud-eu/x3d/pkg/account"
	"github.com/opencloud-eu/x3d/pkg/appctx"
	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/opencloud-eu/x3d/pkg/scram"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, Config) {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "x3d.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	conf := Config{
		Secret:       "s3cr3t",
		Registry:     account.NewRegistry(kv),
		AuthCache:    account.NewAuthCache(kv),
		Sessions:     account.NewSessions(kv),
		Fingerprints: account.NewFingerprints(kv),
		Meta:         account.NewMeta(kv),
		ScramStore:   scram.NewStore(kv),
	}
	return New(conf), conf
}

func postEvent(t *testing.T, s *Server, secret, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req = req.WithContext(appctx.WithLogger(context.Background(), &zerolog.Logger{}))
	req.Header.Set("X-Webhook-Secret", secret)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsWrongSecret(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postEvent(t, s, "wrong", `{"resourceType":"USER","operationType":"DELETE","resourcePath":"alice"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookUserDeleteInvalidatesEverything(t *testing.T) {
	s, conf := newTestServer(t)

	hash := account.HashCredential("alice", "hunter2")
	require.NoError(t, conf.AuthCache.RecordPositive("alice", hash, time.Hour))
	require.NoError(t, conf.Fingerprints.Register("aa:bb:cc", "alice"))
	require.NoError(t, conf.ScramStore.SaveAccount(scram.Verifier{Hash: scram.SHA256, Account: "alice", Iterations: 4096}))
	_, err := conf.Sessions.BumpVersion("alice")
	require.NoError(t, err)

	rec := postEvent(t, s, "s3cr3t", `{"resourceType":"USER","operationType":"DELETE","resourcePath":"alice"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	hit, err := conf.AuthCache.PositiveHit("alice", hash)
	require.NoError(t, err)
	assert.False(t, hit)

	entry, err := conf.Fingerprints.Lookup("aa:bb:cc")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
	assert.Empty(t, entry.Account)

	_, err = conf.ScramStore.LoadAccount(scram.SHA256, "alice")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	version, err := conf.Sessions.CurrentVersion("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestWebhookCredentialPasswordBumpsVersionAndClearsAuthCache(t *testing.T) {
	s, conf := newTestServer(t)

	hash := account.HashCredential("alice", "hunter2")
	require.NoError(t, conf.AuthCache.RecordPositive("alice", hash, time.Hour))
	require.NoError(t, conf.ScramStore.SaveAccount(scram.Verifier{Hash: scram.SHA256, Account: "alice", Iterations: 4096}))

	rec := postEvent(t, s, "s3cr3t",
		`{"resourceType":"CREDENTIAL","operationType":"UPDATE","resourcePath":"alice","representation":{"type":"password"}}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	hit, err := conf.AuthCache.PositiveHit("alice", hash)
	require.NoError(t, err)
	assert.False(t, hit)

	_, err = conf.ScramStore.LoadAccount(scram.SHA256, "alice")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	version, err := conf.Sessions.CurrentVersion("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestWebhookCredentialX509CreateAndDelete(t *testing.T) {
	s, conf := newTestServer(t)

	rec := postEvent(t, s, "s3cr3t",
		`{"resourceType":"CREDENTIAL","operationType":"CREATE","resourcePath":"alice","representation":{"type":"x509","fingerprint":"de:ad:be:ef"}}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	entry, err := conf.Fingerprints.Lookup("de:ad:be:ef")
	require.NoError(t, err)
	assert.Equal(t, "alice", entry.Account)

	rec = postEvent(t, s, "s3cr3t",
		`{"resourceType":"CREDENTIAL","operationType":"DELETE","resourcePath":"alice","representation":{"type":"x509","fingerprint":"de:ad:be:ef"}}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = conf.Fingerprints.Lookup("de:ad:be:ef")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestWebhookUserUpdateOperLevelAndMetadata(t *testing.T) {
	s, conf := newTestServer(t)

	_, err := conf.Registry.Register("alice", "alice", "alice@example.org")
	require.NoError(t, err)
	require.NoError(t, conf.Meta.Set("alice", `{"vhost":"alice.example.org"}`))

	rec := postEvent(t, s, "s3cr3t",
		`{"resourceType":"USER","operationType":"UPDATE","resourcePath":"alice","representation":{"x3_opserv_level":2,"x3_metadata":{"vhost":"new.example.org"}}}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	acct, err := conf.Registry.Lookup("alice")
	require.NoError(t, err)
	assert.Equal(t, account.OperOper, acct.OperLevel)

	_, err = conf.Meta.Get("alice")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestWebhookGroupMembershipIsANoOpStub(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postEvent(t, s, "s3cr3t",
		`{"resourceType":"GROUP_MEMBERSHIP","operationType":"ADD","resourcePath":"#general"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

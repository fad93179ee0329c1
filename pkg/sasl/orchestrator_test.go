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

package sasl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencloud-eu/x3d/pkg/account"
	"github.com/opencloud-eu/x3d/pkg/idpclient"
	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/opencloud-eu/x3d/pkg/scram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	scramlib "github.com/xdg-go/scram"
)

func openTestKV(t *testing.T) *kvstore.Store {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "x3d.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

// testHarness wires a real Orchestrator against real account/scram state
// and a real idpclient.Client whose executors are test doubles, matching
// the shape production wiring would use (a concrete HTTPExecutor in its
// place).
type testHarness struct {
	orch    *Orchestrator
	idp     *idpclient.Client
	authCache *account.AuthCache
	sessions  *account.Sessions
	fps       *account.Fingerprints
	scramStore *scram.Store
	relay     *RecordingRelay
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	kv := openTestKV(t)

	idp, err := idpclient.New(idpclient.Config{
		FetchClientToken: func(_ context.Context) (idpclient.AdminToken, error) {
			return idpclient.AdminToken{AccessToken: "admin-tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(idp.Close)

	h := &testHarness{
		idp:        idp,
		authCache:  account.NewAuthCache(kv),
		sessions:   account.NewSessions(kv),
		fps:        account.NewFingerprints(kv),
		scramStore: scram.NewStore(kv),
		relay:      &RecordingRelay{},
	}
	h.orch = NewOrchestrator(Config{
		IdP:          idp,
		AuthCache:    h.authCache,
		Sessions:     h.sessions,
		Fingerprints: h.fps,
		Activity:     account.NewActivityTracker(kv),
		ScramStore:   h.scramStore,
		Relay:        h.relay,
	})
	return h
}

func waitForReplies(t *testing.T, sess *Session, n int) []Reply {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r := sess.Replies(); len(r) >= n {
			return r
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d replies, got %d", n, len(sess.Replies()))
	return nil
}

func TestPlainSessionTokenPasswordSucceedsSynchronously(t *testing.T) {
	h := newHarness(t)
	tokenID, err := h.sessions.Issue("alice")
	require.NoError(t, err)

	sess := NewSession()
	h.orch.Authenticate(context.Background(), sess, "PLAIN")
	payload := []byte("\x00alice\x00x3tok:" + tokenID)
	h.orch.Payload(context.Background(), sess, encodeChunks(payload)[0])

	replies := waitForReplies(t, sess, 2)
	assert.Equal(t, RPL_LOGGEDIN, replies[0].Numeric)
	assert.Equal(t, "alice", sess.Account)
	assert.Equal(t, StateCompleted, sess.State())
}

func TestPlainPositiveCacheHitSucceedsSynchronously(t *testing.T) {
	h := newHarness(t)
	hash := account.HashCredential("alice", "hunter2")
	require.NoError(t, h.authCache.RecordPositive("alice", hash, time.Hour))

	sess := NewSession()
	h.orch.Authenticate(context.Background(), sess, "PLAIN")
	h.orch.Payload(context.Background(), sess, encodeChunks([]byte("\x00alice\x00hunter2"))[0])

	replies := waitForReplies(t, sess, 2)
	assert.Equal(t, RPL_LOGGEDIN, replies[0].Numeric)
	assert.Equal(t, "alice", sess.Account)
}

func TestPlainAsyncIdPSuccessMintsSessionTokenAndDeliversOneReplyPair(t *testing.T) {
	h := newHarness(t)
	h.idp.RegisterExecutor(idpclient.KindUserToken, idpclient.ExecutorFunc(func(_ context.Context, req idpclient.Request) (interface{}, error) {
		in := req.Input.(idpclient.UserTokenInput)
		return idpclient.UserTokenResult{Granted: in.Password == "correct"}, nil
	}))

	sess := NewSession()
	h.orch.Authenticate(context.Background(), sess, "PLAIN")
	h.orch.Payload(context.Background(), sess, encodeChunks([]byte("\x00alice\x00correct"))[0])

	replies := waitForReplies(t, sess, 2)
	assert.Equal(t, RPL_LOGGEDIN, replies[0].Numeric)
	assert.Equal(t, RPL_SASLSUCCESS, replies[1].Numeric)
	assert.Equal(t, "alice", sess.Account)

	hit, err := h.authCache.PositiveHit("alice", account.HashCredential("alice", "correct"))
	require.NoError(t, err)
	assert.True(t, hit)

	// exactly one terminal reply pair, even though resolution was async
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sess.Replies(), 2)
}

func TestPlainAsyncIdPFailureRecordsNegativeCache(t *testing.T) {
	h := newHarness(t)
	h.idp.RegisterExecutor(idpclient.KindUserToken, idpclient.ExecutorFunc(func(_ context.Context, _ idpclient.Request) (interface{}, error) {
		return idpclient.UserTokenResult{Granted: false}, nil
	}))

	sess := NewSession()
	h.orch.Authenticate(context.Background(), sess, "PLAIN")
	h.orch.Payload(context.Background(), sess, encodeChunks([]byte("\x00alice\x00wrong"))[0])

	replies := waitForReplies(t, sess, 1)
	assert.Equal(t, ERR_SASLFAIL, replies[0].Numeric)
	assert.Equal(t, StateFailed, sess.State())

	hit, err := h.authCache.NegativeHit(account.HashCredential("alice", "wrong"))
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestExternalFingerprintCacheHitSucceeds(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fps.Register("aa:bb:cc", "bob"))

	sess := NewSession()
	sess.TLSFingerprint = "aa:bb:cc"
	h.orch.Authenticate(context.Background(), sess, "EXTERNAL")
	h.orch.Payload(context.Background(), sess, encodeChunks([]byte(""))[0])

	replies := waitForReplies(t, sess, 2)
	assert.Equal(t, RPL_LOGGEDIN, replies[0].Numeric)
	assert.Equal(t, "bob", sess.Account)
}

func TestExternalFingerprintNegativeCacheHitFailsWithoutLookup(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fps.RegisterUnknown("dead:beef"))

	var lookups int
	h.idp.RegisterExecutor(idpclient.KindFingerprintLookup, idpclient.ExecutorFunc(func(_ context.Context, _ idpclient.Request) (interface{}, error) {
		lookups++
		return "", nil
	}))

	sess := NewSession()
	sess.TLSFingerprint = "dead:beef"
	h.orch.Authenticate(context.Background(), sess, "EXTERNAL")
	h.orch.Payload(context.Background(), sess, encodeChunks([]byte(""))[0])

	replies := waitForReplies(t, sess, 1)
	assert.Equal(t, ERR_SASLFAIL, replies[0].Numeric)
	assert.Equal(t, 0, lookups)
}

func TestExternalAsyncLookupSuccessCachesFingerprint(t *testing.T) {
	h := newHarness(t)
	h.idp.RegisterExecutor(idpclient.KindFingerprintLookup, idpclient.ExecutorFunc(func(_ context.Context, req idpclient.Request) (interface{}, error) {
		in := req.Input.(idpclient.FingerprintLookupInput)
		assert.Equal(t, "admin-tok", in.BearerToken)
		return "carol", nil
	}))

	sess := NewSession()
	sess.TLSFingerprint = "fresh:fp"
	h.orch.Authenticate(context.Background(), sess, "EXTERNAL")
	h.orch.Payload(context.Background(), sess, encodeChunks([]byte(""))[0])

	replies := waitForReplies(t, sess, 2)
	assert.Equal(t, "carol", sess.Account)
	assert.Equal(t, RPL_SASLSUCCESS, replies[1].Numeric)

	entry, err := h.fps.Lookup("fresh:fp")
	require.NoError(t, err)
	assert.Equal(t, "carol", entry.Account)
}

func TestScramConversationSucceedsEndToEnd(t *testing.T) {
	h := newHarness(t)
	v, err := scram.DeriveVerifier(scram.SHA256, "p@ssw0rd", 4096, "dave")
	require.NoError(t, err)
	require.NoError(t, h.scramStore.SaveAccount(v))

	sess := NewSession()
	h.orch.Authenticate(context.Background(), sess, "SCRAM-SHA-256")

	clientConv, err := scramlib.SHA256.NewClient("dave", "p@ssw0rd", "")
	require.NoError(t, err)
	conv := clientConv.NewConversation()

	clientFirst, err := conv.Step("")
	require.NoError(t, err)
	lines := h.orch.Payload(context.Background(), sess, encodeChunks([]byte(clientFirst))[0])
	require.Len(t, lines, 1)
	serverFirstEncoded := lines[0]
	serverFirst, err := decodeChunkLineForTest(serverFirstEncoded)
	require.NoError(t, err)

	clientFinal, err := conv.Step(string(serverFirst))
	require.NoError(t, err)
	lines = h.orch.Payload(context.Background(), sess, encodeChunks([]byte(clientFinal))[0])
	require.Len(t, lines, 1)
	serverFinal, err := decodeChunkLineForTest(lines[0])
	require.NoError(t, err)

	_, err = conv.Step(string(serverFinal))
	require.NoError(t, err)

	replies := waitForReplies(t, sess, 2)
	assert.Equal(t, "dave", sess.Account)
	assert.Equal(t, RPL_LOGGEDIN, replies[0].Numeric)
}

func decodeChunkLineForTest(line string) ([]byte, error) {
	var a chunkAssembler
	if _, err := a.feed(line); err != nil {
		return nil, err
	}
	return a.decode()
}

func TestAuthenticateOnCompletedSessionIsSaslAlready(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.authCache.RecordPositive("alice", account.HashCredential("alice", "hunter2"), time.Hour))

	sess := NewSession()
	h.orch.Authenticate(context.Background(), sess, "PLAIN")
	h.orch.Payload(context.Background(), sess, encodeChunks([]byte("\x00alice\x00hunter2"))[0])
	waitForReplies(t, sess, 2)

	h.orch.Authenticate(context.Background(), sess, "PLAIN")
	replies := sess.Replies()
	require.Len(t, replies, 3)
	assert.Equal(t, ERR_SASLALREADY, replies[2].Numeric)
}

func TestPayloadStarAbortsSession(t *testing.T) {
	h := newHarness(t)
	sess := NewSession()
	h.orch.Authenticate(context.Background(), sess, "PLAIN")
	h.orch.Payload(context.Background(), sess, "*")

	replies := waitForReplies(t, sess, 1)
	assert.Equal(t, ERR_SASLABORTED, replies[0].Numeric)
	assert.Equal(t, StateAborted, sess.State())
}

func TestSessionIsReusableAfterAbort(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.authCache.RecordPositive("alice", account.HashCredential("alice", "hunter2"), time.Hour))

	sess := NewSession()
	h.orch.Authenticate(context.Background(), sess, "PLAIN")
	h.orch.Payload(context.Background(), sess, "*")
	waitForReplies(t, sess, 1)
	assert.Equal(t, StateAborted, sess.State())

	h.orch.Authenticate(context.Background(), sess, "PLAIN")
	h.orch.Payload(context.Background(), sess, encodeChunks([]byte("\x00alice\x00hunter2"))[0])

	replies := waitForReplies(t, sess, 3)
	assert.Equal(t, RPL_LOGGEDIN, replies[1].Numeric)
	assert.Equal(t, StateCompleted, sess.State())
}

func TestExpireIfTimedOutFailsNonTerminalSession(t *testing.T) {
	h := newHarness(t)
	sess := NewSession()
	h.orch.Authenticate(context.Background(), sess, "PLAIN")

	expired := h.orch.ExpireIfTimedOut(sess, time.Now().Add(time.Hour))
	assert.True(t, expired)
	assert.Equal(t, StateFailed, sess.State())

	// a second poll after termination must not deliver a second reply
	again := h.orch.ExpireIfTimedOut(sess, time.Now().Add(2*time.Hour))
	assert.False(t, again)
	assert.Len(t, sess.Replies(), 1)
}

func TestRelayReceivesStartAndDoneBundles(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.authCache.RecordPositive("alice", account.HashCredential("alice", "hunter2"), time.Hour))

	sess := NewSession()
	h.orch.Authenticate(context.Background(), sess, "PLAIN")
	h.orch.Payload(context.Background(), sess, encodeChunks([]byte("\x00alice\x00hunter2"))[0])
	waitForReplies(t, sess, 2)

	bundles := h.relay.Bundles()
	require.NotEmpty(t, bundles)
	assert.Equal(t, RelayStart, bundles[0].Subcommand)
	assert.Equal(t, RelayDone, bundles[len(bundles)-1].Subcommand)
	assert.Equal(t, RelayDoneSuccess, bundles[len(bundles)-1].Data)
}

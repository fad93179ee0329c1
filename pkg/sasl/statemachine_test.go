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

package sasl_test

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"time"

	"github.com/opencloud-eu/x3d/pkg/account"
	"github.com/opencloud-eu/x3d/pkg/idpclient"
	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/opencloud-eu/x3d/pkg/sasl"
	"github.com/opencloud-eu/x3d/pkg/scram"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// rig bundles a fresh Orchestrator plus the collaborators its mechanisms
// write through, for one spec's isolated KV store.
type rig struct {
	orch      *sasl.Orchestrator
	idp       *idpclient.Client
	authCache *account.AuthCache
}

func newRig() *rig {
	dir := GinkgoT().TempDir()
	kv, err := kvstore.Open(filepath.Join(dir, "x3d.db"))
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = kv.Close() })

	idp, err := idpclient.New(idpclient.Config{})
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(idp.Close)

	authCache := account.NewAuthCache(kv)
	orch := sasl.NewOrchestrator(sasl.Config{
		IdP:          idp,
		AuthCache:    authCache,
		Sessions:     account.NewSessions(kv),
		Fingerprints: account.NewFingerprints(kv),
		Activity:     account.NewActivityTracker(kv),
		ScramStore:   scram.NewStore(kv),
	})
	return &rig{orch: orch, idp: idp, authCache: authCache}
}

func eventuallyReplies(sess *sasl.Session, n int) []sasl.Reply {
	var replies []sasl.Reply
	Eventually(func() int {
		replies = sess.Replies()
		return len(replies)
	}, time.Second, time.Millisecond).Should(BeNumerically(">=", n))
	return replies
}

var terminalNumerics = map[sasl.Numeric]bool{
	sasl.RPL_SASLSUCCESS: true,
	sasl.ERR_SASLFAIL:    true,
	sasl.ERR_SASLTOOLONG: true,
	sasl.ERR_SASLABORTED: true,
	sasl.ERR_SASLALREADY: true,
}

var _ = Describe("SASL single-reply invariant (P5)", func() {
	var r *rig

	BeforeEach(func() {
		r = newRig()
	})

	It("emits exactly one terminal numeric for a synchronous cache-hit success", func() {
		Expect(r.authCache.RecordPositive("alice", account.HashCredential("alice", "hunter2"), time.Hour)).To(Succeed())

		sess := sasl.NewSession()
		r.orch.Authenticate(context.Background(), sess, "PLAIN")
		r.orch.Payload(context.Background(), sess, plainLine("alice", "hunter2"))

		replies := eventuallyReplies(sess, 1)
		Expect(countTerminal(replies)).To(Equal(1))
	})

	It("emits exactly one terminal numeric for an asynchronous IdP failure", func() {
		r.idp.RegisterExecutor(idpclient.KindUserToken, idpclient.ExecutorFunc(func(_ context.Context, _ idpclient.Request) (interface{}, error) {
			return idpclient.UserTokenResult{Granted: false}, nil
		}))

		sess := sasl.NewSession()
		r.orch.Authenticate(context.Background(), sess, "PLAIN")
		r.orch.Payload(context.Background(), sess, plainLine("alice", "wrong"))

		replies := eventuallyReplies(sess, 1)
		Expect(countTerminal(replies)).To(Equal(1))
		Expect(sess.State()).To(Equal(sasl.StateFailed))
	})

	It("emits exactly one terminal numeric for an abort", func() {
		sess := sasl.NewSession()
		r.orch.Authenticate(context.Background(), sess, "PLAIN")
		r.orch.Payload(context.Background(), sess, "*")

		replies := eventuallyReplies(sess, 1)
		Expect(countTerminal(replies)).To(Equal(1))
		Expect(sess.State()).To(Equal(sasl.StateAborted))
	})

	It("treats an aborted session as reusable for the next attempt (scenario 6)", func() {
		Expect(r.authCache.RecordPositive("alice", account.HashCredential("alice", "hunter2"), time.Hour)).To(Succeed())

		sess := sasl.NewSession()
		r.orch.Authenticate(context.Background(), sess, "PLAIN")
		r.orch.Payload(context.Background(), sess, "*")
		eventuallyReplies(sess, 1)
		Expect(sess.State()).To(Equal(sasl.StateAborted))

		r.orch.Authenticate(context.Background(), sess, "PLAIN")
		r.orch.Payload(context.Background(), sess, plainLine("alice", "hunter2"))

		replies := eventuallyReplies(sess, 3)
		Expect(replies[len(replies)-1].Numeric).To(Equal(sasl.RPL_SASLSUCCESS))
		Expect(sess.State()).To(Equal(sasl.StateCompleted))
	})
})

var _ = Describe("SASL cancellation safety (P6)", func() {
	It("delivers no reply and performs no cache write once a session is cancelled mid-flight", func() {
		r := newRig()
		release := make(chan struct{})
		r.idp.RegisterExecutor(idpclient.KindUserToken, idpclient.ExecutorFunc(func(_ context.Context, _ idpclient.Request) (interface{}, error) {
			<-release
			return idpclient.UserTokenResult{Granted: true}, nil
		}))

		sess := sasl.NewSession()
		r.orch.Authenticate(context.Background(), sess, "PLAIN")
		r.orch.Payload(context.Background(), sess, plainLine("alice", "hunter2"))

		r.idp.CancelSession(sess.ID, 1)
		close(release)

		Consistently(func() []sasl.Reply {
			return sess.Replies()
		}, 100*time.Millisecond, 10*time.Millisecond).Should(BeEmpty())

		hit, err := r.authCache.PositiveHit("alice", account.HashCredential("alice", "hunter2"))
		Expect(err).NotTo(HaveOccurred())
		Expect(hit).To(BeFalse())
	})
})

// plainLine base64-encodes a single-line PLAIN AUTHENTICATE payload; every
// payload here is short enough to fit the 400-byte chunk limit in one line.
func plainLine(authcid, password string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + authcid + "\x00" + password))
}

func countTerminal(replies []sasl.Reply) int {
	n := 0
	for _, r := range replies {
		if terminalNumerics[r.Numeric] {
			n++
		}
	}
	return n
}

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
	"encoding/base64"
	"strconv"
	"time"

	"github.com/opencloud-eu/x3d/pkg/account"
	"github.com/opencloud-eu/x3d/pkg/appctx"
	"github.com/opencloud-eu/x3d/pkg/idpclient"
	"github.com/opencloud-eu/x3d/pkg/jwtauth"
	"github.com/opencloud-eu/x3d/pkg/scram"
)

// Config wires an Orchestrator to its collaborators. All fields are
// required except Timeout, Relay, and MechanismIterations.
type Config struct {
	IdP          *idpclient.Client
	AuthCache    *account.AuthCache
	Sessions     *account.Sessions
	Fingerprints *account.Fingerprints
	Activity     *account.ActivityTracker
	ScramStore   *scram.Store
	JWT          *jwtauth.Verifier

	// Timeout overrides DefaultTimeout when non-zero.
	Timeout time.Duration
	// Relay is the server-to-server authentication relay transport
	// (spec §6); a no-op DiscardRelay is used if nil.
	Relay RelayTransport
	// MechanismIterations sets the PBKDF2/SCRAM iteration count used
	// when deriving a fresh verifier for a newly-activated account.
	MechanismIterations int
}

// Orchestrator drives the SASL state machine for every connection that
// shares it; state specific to one attempt lives on the Session the
// caller passes in. Exactly one terminal reply (or reply pair, for
// success) is ever delivered per AUTHENTICATE attempt (invariant P5),
// whether the attempt resolved synchronously or from an async IdP
// callback — both paths funnel through finishSuccess/finishFail/
// finishAbort, which are the only places a terminal Reply is built.
type Orchestrator struct {
	idp          *idpclient.Client
	authCache    *account.AuthCache
	sessions     *account.Sessions
	fingerprints *account.Fingerprints
	activity     *account.ActivityTracker
	scramStore   *scram.Store
	jwt          *jwtauth.Verifier
	relay        RelayTransport
	timeout      time.Duration
	iterations   int
}

// NewOrchestrator builds an Orchestrator from cfg.
func NewOrchestrator(cfg Config) *Orchestrator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	iterations := cfg.MechanismIterations
	if iterations <= 0 {
		iterations = 4096
	}
	relay := cfg.Relay
	if relay == nil {
		relay = DiscardRelay{}
	}
	return &Orchestrator{
		idp:          cfg.IdP,
		authCache:    cfg.AuthCache,
		sessions:     cfg.Sessions,
		fingerprints: cfg.Fingerprints,
		activity:     cfg.Activity,
		scramStore:   cfg.ScramStore,
		jwt:          cfg.JWT,
		relay:        relay,
		timeout:      timeout,
		iterations:   iterations,
	}
}

// Authenticate handles "AUTHENTICATE <mech>". Any terminal numeric (an
// unknown mechanism, ERR_SASLALREADY) is delivered through sess's reply
// channel, same as every other terminal transition; the returned lines,
// if non-nil, are the challenge the caller should relay to the client to
// request its first payload.
func (o *Orchestrator) Authenticate(ctx context.Context, sess *Session, mechName string) []string {
	sess.mu.Lock()
	state := sess.state
	sess.mu.Unlock()

	switch state {
	case StateCompleted:
		if !IsRefreshable(mechName) {
			o.deliver(sess, reply(ERR_SASLALREADY))
			return nil
		}
	case StateIdle, StateFailed, StateAborted:
		// a fresh attempt is always allowed to start over (spec §4.5
		// "Timeout"/"abort" — a failed or aborted attempt never blocks
		// the next one, only an attempt genuinely still in flight does).
	default:
		o.deliver(sess, reply(ERR_SASLFAIL))
		return nil
	}

	newFunc, ok := NewFuncs[mechName]
	if !ok {
		o.deliver(sess, reply(ERR_SASLFAIL))
		return nil
	}

	sess.mu.Lock()
	sess.mechName = mechName
	sess.mech = newFunc()
	sess.assembler = &chunkAssembler{}
	sess.state = StateNegotiating
	sess.deadline = time.Now().Add(o.timeout)
	sess.mu.Unlock()

	_ = o.relay.Send(RelayBundle{Origin: sess.ID, Subcommand: RelayStart, Data: mechName})
	if sess.RemoteHost != "" || sess.RemoteIP != "" {
		_ = o.relay.Send(RelayBundle{Origin: sess.ID, Subcommand: RelayHostInfo, Data: sess.RemoteHost + ":" + sess.RemoteIP})
	}

	ctx = appctx.WithTrace(ctx, sess.ID)
	result, err := sess.mech.Start(ctx, o, sess)
	if err != nil {
		o.finishFail(sess, ERR_SASLFAIL)
		return nil
	}
	return o.handleResult(ctx, sess, result)
}

// Payload handles one "AUTHENTICATE <line>" line, including the abort
// form "AUTHENTICATE *". Returned lines, if non-nil, are the next
// challenge to relay; a nil return with no reply delivered yet means the
// mechanism is waiting on more chunks or on an async completion.
func (o *Orchestrator) Payload(ctx context.Context, sess *Session, line string) []string {
	sess.mu.Lock()
	state := sess.state
	assembler := sess.assembler
	sess.mu.Unlock()

	if line == "*" {
		if state.terminal() {
			o.deliver(sess, reply(ERR_SASLFAIL))
			return nil
		}
		o.finishAbort(sess)
		return nil
	}

	if state != StateNegotiating || assembler == nil {
		o.deliver(sess, reply(ERR_SASLFAIL))
		return nil
	}

	complete, err := assembler.feed(line)
	if err != nil {
		o.finishFail(sess, ERR_SASLTOOLONG)
		return nil
	}
	if !complete {
		return nil
	}

	payload, err := assembler.decode()
	if err != nil {
		o.finishFail(sess, ERR_SASLFAIL)
		return nil
	}
	sess.mu.Lock()
	sess.assembler = &chunkAssembler{}
	mech := sess.mech
	sess.mu.Unlock()

	ctx = appctx.WithTrace(ctx, sess.ID)
	result, err := mech.Step(ctx, o, sess, payload)
	if err != nil {
		o.finishFail(sess, ERR_SASLFAIL)
		return nil
	}
	return o.handleResult(ctx, sess, result)
}

// handleResult applies a mechanism's StepResult to sess, returning any
// challenge lines to relay for OutcomeContinue. Terminal outcomes are
// delivered via sess's reply channel by finishSuccess/finishFail so that
// the exact same path handles both synchronous steps and async
// completions reached through mintSessionToken's callers.
func (o *Orchestrator) handleResult(ctx context.Context, sess *Session, result StepResult) []string {
	switch result.Outcome {
	case OutcomeContinue:
		chunks := encodeChunks(result.Challenge)
		_ = o.relay.Send(RelayBundle{Origin: sess.ID, Subcommand: RelayContinue, Data: base64.StdEncoding.EncodeToString(result.Challenge)})
		return chunks
	case OutcomePending:
		sess.mu.Lock()
		// the async callback may already have resolved the session
		if !sess.state.terminal() {
			sess.state = StateAwaitingIdP
		}
		sess.mu.Unlock()
		return nil
	case OutcomeSuccess:
		var lines []string
		if len(result.Challenge) > 0 {
			lines = encodeChunks(result.Challenge)
			_ = o.relay.Send(RelayBundle{Origin: sess.ID, Subcommand: RelayContinue, Data: base64.StdEncoding.EncodeToString(result.Challenge)})
		}
		o.finishSuccess(ctx, sess, result.Account, result.Impersonating)
		return lines
	case OutcomeFail:
		code := result.FailCode
		if code == 0 {
			code = ERR_SASLFAIL
		}
		o.finishFail(sess, code)
		return nil
	default:
		o.finishFail(sess, ERR_SASLFAIL)
		return nil
	}
}

// ExpireIfTimedOut terminates sess with ERR_SASLFAIL if it has sat in a
// non-terminal state past its deadline (spec §4.5 "Timeout"). Intended to
// be polled by the connection's idle ticker.
func (o *Orchestrator) ExpireIfTimedOut(sess *Session, now time.Time) bool {
	if !sess.expired(now) {
		return false
	}
	o.finishFail(sess, ERR_SASLFAIL)
	return true
}

func (o *Orchestrator) finishAbort(sess *Session) {
	sess.mu.Lock()
	if sess.state.terminal() {
		sess.mu.Unlock()
		return
	}
	sess.state = StateAborted
	sess.mu.Unlock()
	_ = o.relay.Send(RelayBundle{Origin: sess.ID, Subcommand: RelayDone, Data: RelayDoneAbort})
	o.deliver(sess, reply(ERR_SASLABORTED))
}

func (o *Orchestrator) finishFail(sess *Session, code Numeric) {
	sess.mu.Lock()
	if sess.state.terminal() {
		sess.mu.Unlock()
		return
	}
	sess.state = StateFailed
	sess.mu.Unlock()
	_ = o.relay.Send(RelayBundle{Origin: sess.ID, Subcommand: RelayDone, Data: RelayDoneFail})
	o.deliver(sess, reply(code))
}

// finishSuccess performs spec §4.5's post-success bookkeeping steps 1-2
// and 5 (step 3's authsuccess: write and step 4's session-token mint
// happen inside the PLAIN mechanism itself, since only it holds the
// plaintext password the verifier derivation needs), then moves sess to
// Completed and delivers the terminal replies.
func (o *Orchestrator) finishSuccess(ctx context.Context, sess *Session, acct string, impersonating bool) {
	sess.mu.Lock()
	if sess.state.terminal() {
		sess.mu.Unlock()
		return
	}
	sess.state = StateCompleted
	sess.Account = acct
	sess.Impersonating = impersonating
	sess.mu.Unlock()

	if err := o.activity.Touch(acct); err != nil {
		appctx.GetLogger(ctx).Error().Err(err).Str("account", acct).Msg("sasl: error updating activity")
	}

	_ = o.relay.Send(RelayBundle{Origin: sess.ID, Subcommand: RelayLogin, Data: acct, Ext: strconv.FormatInt(time.Now().Unix(), 10)})
	_ = o.relay.Send(RelayBundle{Origin: sess.ID, Subcommand: RelayDone, Data: RelayDoneSuccess})
	o.deliver(sess, reply(RPL_LOGGEDIN, acct), reply(RPL_SASLSUCCESS))
}

// deliver records replies on sess and, if the caller registered one,
// invokes its OnReply callback — the single choke point every terminal
// (and abort) transition passes through.
func (o *Orchestrator) deliver(sess *Session, replies ...Reply) {
	sess.mu.Lock()
	sess.repliesLog = append(sess.repliesLog, replies...)
	cb := sess.OnReply
	sess.mu.Unlock()
	if cb != nil {
		cb(replies)
	}
}

// mintSessionToken issues a fresh session token for acct and stores a
// SCRAM verifier for it derived from password, for every configured hash
// variant, completing spec §4.5 step 4. Mechanisms call this directly
// (rather than through finishSuccess) because only PLAIN's cold IdP path
// ever has the plaintext password available to derive a verifier from.
func (o *Orchestrator) mintSessionToken(acct, password string) (tokenID string, err error) {
	tokenID, err = o.sessions.Issue(acct)
	if err != nil {
		return "", err
	}
	for _, h := range []scram.HashName{scram.SHA1, scram.SHA256, scram.SHA512} {
		v, err := scram.DeriveVerifier(h, password, o.iterations, acct)
		if err != nil {
			return "", err
		}
		if err := o.scramStore.SaveToken(v, tokenID, account.DefaultSessionTTL); err != nil {
			return "", err
		}
	}
	return tokenID, nil
}

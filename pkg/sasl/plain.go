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
	"bytes"
	"context"

	"github.com/opencloud-eu/x3d/pkg/account"
	"github.com/opencloud-eu/x3d/pkg/appctx"
	"github.com/opencloud-eu/x3d/pkg/idpclient"
)

func init() {
	Register("PLAIN", func() mechanism { return &plainMechanism{} })
}

// DefaultNegativeCacheTTL and DefaultPositiveCacheTTL bound how long a
// failed/successful IdP-verified PLAIN credential is cached (spec §4.5
// dispatch (b)/(c)).
const (
	DefaultPositiveCacheTTL = account.DefaultPositiveTTL
	DefaultNegativeCacheTTL = account.DefaultNegativeTTL
)

// plainMechanism implements spec §4.5's PLAIN dispatch: session-token
// password, then the positive cache, then the negative cache, then an
// async IdP UserToken call.
type plainMechanism struct{}

func (m *plainMechanism) Start(_ context.Context, _ *Orchestrator, _ *Session) (StepResult, error) {
	return StepResult{Outcome: OutcomeContinue}, nil
}

func (m *plainMechanism) Step(ctx context.Context, o *Orchestrator, sess *Session, payload []byte) (StepResult, error) {
	authzid, authcid, password, ok := parsePlain(payload)
	if !ok {
		return StepResult{Outcome: OutcomeFail}, nil
	}
	acct := authcid
	impersonating := authzid != "" && authzid != authcid
	if impersonating {
		acct = authzid
	}

	if tokenID, ok := account.IsSessionTokenPassword(password); ok {
		resolved, err := o.sessions.Resolve(tokenID)
		if err != nil {
			return StepResult{Outcome: OutcomeFail}, nil
		}
		return StepResult{Outcome: OutcomeSuccess, Account: resolved}, nil
	}

	hash := account.HashCredential(authcid, password)

	if hit, err := o.authCache.PositiveHit(acct, hash); err == nil && hit {
		return StepResult{Outcome: OutcomeSuccess, Account: acct, Impersonating: impersonating}, nil
	}
	if hit, err := o.authCache.NegativeHit(hash); err == nil && hit {
		return StepResult{Outcome: OutcomeFail}, nil
	}

	o.idp.Submit(ctx, idpclient.Request{
		Kind:        idpclient.KindUserToken,
		Input:       idpclient.UserTokenInput{Username: authcid, Password: password},
		Correlation: idpclient.Correlation{SessionID: sess.ID, Seq: sess.nextSeq()},
	}, func(cbCtx context.Context, req idpclient.Request, res idpclient.Result) {
		if o.idp.SessionCancelled(req.Correlation.SessionID, req.Correlation.Seq) {
			return
		}
		m.resolveUserToken(cbCtx, o, sess, acct, hash, password, impersonating, res)
	})

	return StepResult{Outcome: OutcomePending}, nil
}

func (m *plainMechanism) resolveUserToken(ctx context.Context, o *Orchestrator, sess *Session, acct, hash, password string, impersonating bool, res idpclient.Result) {
	if res.Err != nil {
		appctx.GetLogger(ctx).Warn().Err(res.Err).Str("account", acct).Msg("sasl: PLAIN IdP verify failed")
		o.finishFail(sess, ERR_SASLFAIL)
		return
	}
	result, ok := res.Output.(idpclient.UserTokenResult)
	if !ok || !result.Granted {
		if err := o.authCache.RecordNegative(hash, DefaultNegativeCacheTTL); err != nil {
			appctx.GetLogger(ctx).Error().Err(err).Msg("sasl: error recording auth failure")
		}
		o.finishFail(sess, ERR_SASLFAIL)
		return
	}

	if err := o.authCache.RecordPositive(acct, hash, DefaultPositiveCacheTTL); err != nil {
		appctx.GetLogger(ctx).Error().Err(err).Str("account", acct).Msg("sasl: error recording auth success")
	}
	if !impersonating {
		if _, err := o.mintSessionToken(acct, password); err != nil {
			appctx.GetLogger(ctx).Error().Err(err).Str("account", acct).Msg("sasl: error minting session token")
		}
	}
	o.finishSuccess(ctx, sess, acct, impersonating)
}

// parsePlain splits a PLAIN response of the form
// "\0authzid\0authcid\0password" into its three fields.
func parsePlain(payload []byte) (authzid, authcid, password string, ok bool) {
	parts := bytes.SplitN(payload, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return string(parts[0]), string(parts[1]), string(parts[2]), true
}

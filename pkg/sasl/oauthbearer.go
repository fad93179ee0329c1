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

	"github.com/opencloud-eu/x3d/pkg/appctx"
	"github.com/opencloud-eu/x3d/pkg/idpclient"
	"github.com/opencloud-eu/x3d/pkg/jwtauth"
)

func init() {
	Register("OAUTHBEARER", func() mechanism { return &oauthbearerMechanism{} })
}

// oauthbearerMechanism implements spec §4.5's OAUTHBEARER dispatch: local
// JWKS verification first, falling back to an async Introspect call when
// local verification can't decide (unknown kid, opaque token).
type oauthbearerMechanism struct{}

func (m *oauthbearerMechanism) Start(_ context.Context, _ *Orchestrator, _ *Session) (StepResult, error) {
	return StepResult{Outcome: OutcomeContinue}, nil
}

func (m *oauthbearerMechanism) Step(ctx context.Context, o *Orchestrator, sess *Session, payload []byte) (StepResult, error) {
	token, err := jwtauth.ParseOAuthBearerPayload(payload)
	if err != nil {
		return StepResult{Outcome: OutcomeFail}, nil
	}

	if claims, err := o.jwt.VerifyLocal(token); err == nil {
		return StepResult{Outcome: OutcomeSuccess, Account: accountFromClaims(claims)}, nil
	}

	o.idp.Submit(ctx, idpclient.Request{
		Kind:        idpclient.KindIntrospect,
		Input:       idpclient.IntrospectInput{Token: token},
		Correlation: idpclient.Correlation{SessionID: sess.ID, Seq: sess.nextSeq()},
	}, func(cbCtx context.Context, req idpclient.Request, res idpclient.Result) {
		if o.idp.SessionCancelled(req.Correlation.SessionID, req.Correlation.Seq) {
			return
		}
		m.resolveIntrospect(cbCtx, o, sess, res)
	})

	return StepResult{Outcome: OutcomePending}, nil
}

func (m *oauthbearerMechanism) resolveIntrospect(ctx context.Context, o *Orchestrator, sess *Session, res idpclient.Result) {
	if res.Err != nil {
		appctx.GetLogger(ctx).Warn().Err(res.Err).Msg("sasl: OAUTHBEARER introspection failed")
		o.finishFail(sess, ERR_SASLFAIL)
		return
	}
	result, ok := res.Output.(idpclient.IntrospectResult)
	if !ok || !result.Active {
		o.finishFail(sess, ERR_SASLFAIL)
		return
	}
	acct := result.PreferredUsername
	if acct == "" {
		acct = result.Subject
	}
	if acct == "" {
		o.finishFail(sess, ERR_SASLFAIL)
		return
	}
	o.finishSuccess(ctx, sess, acct, false)
}

func accountFromClaims(claims *jwtauth.Claims) string {
	if claims.PreferredUsername != "" {
		return claims.PreferredUsername
	}
	return claims.Subject
}

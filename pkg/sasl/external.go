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
	"github.com/opencloud-eu/x3d/pkg/kvstore"
)

func init() {
	Register("EXTERNAL", func() mechanism { return &externalMechanism{} })
}

// externalMechanism implements spec §4.5's EXTERNAL dispatch: the
// connection's verified TLS peer certificate fingerprint is checked
// against the local cache, falling back to an async FingerprintLookup.
type externalMechanism struct{}

func (m *externalMechanism) Start(_ context.Context, _ *Orchestrator, _ *Session) (StepResult, error) {
	return StepResult{Outcome: OutcomeContinue}, nil
}

func (m *externalMechanism) Step(ctx context.Context, o *Orchestrator, sess *Session, _ []byte) (StepResult, error) {
	fingerprint := sess.TLSFingerprint
	if fingerprint == "" {
		return StepResult{Outcome: OutcomeFail}, nil
	}

	entry, err := o.fingerprints.Lookup(fingerprint)
	if err == nil {
		if entry.Account == "" {
			return StepResult{Outcome: OutcomeFail}, nil
		}
		return StepResult{Outcome: OutcomeSuccess, Account: entry.Account}, nil
	}
	if err != kvstore.ErrNotFound {
		return StepResult{Outcome: OutcomeFail}, nil
	}

	seq := sess.nextSeq()
	o.idp.EnsureToken(ctx, func(tok idpclient.AdminToken, err error) {
		if o.idp.SessionCancelled(sess.ID, seq) {
			return
		}
		if err != nil {
			appctx.GetLogger(ctx).Warn().Err(err).Msg("sasl: EXTERNAL could not obtain admin token")
			o.finishFail(sess, ERR_SASLFAIL)
			return
		}
		o.idp.Submit(ctx, idpclient.Request{
			Kind:        idpclient.KindFingerprintLookup,
			Input:       idpclient.FingerprintLookupInput{Fingerprint: fingerprint, BearerToken: tok.AccessToken},
			Correlation: idpclient.Correlation{SessionID: sess.ID, Seq: seq},
		}, func(cbCtx context.Context, req idpclient.Request, res idpclient.Result) {
			if o.idp.SessionCancelled(req.Correlation.SessionID, req.Correlation.Seq) {
				return
			}
			m.resolveLookup(cbCtx, o, sess, fingerprint, res)
		})
	})

	return StepResult{Outcome: OutcomePending}, nil
}

func (m *externalMechanism) resolveLookup(ctx context.Context, o *Orchestrator, sess *Session, fingerprint string, res idpclient.Result) {
	if res.Err != nil {
		appctx.GetLogger(ctx).Warn().Err(res.Err).Msg("sasl: EXTERNAL fingerprint lookup failed")
		o.finishFail(sess, ERR_SASLFAIL)
		return
	}
	acct, _ := res.Output.(string)
	if acct == "" {
		if err := o.fingerprints.RegisterUnknown(fingerprint); err != nil {
			appctx.GetLogger(ctx).Error().Err(err).Msg("sasl: error caching unknown fingerprint")
		}
		o.finishFail(sess, ERR_SASLFAIL)
		return
	}
	if err := o.fingerprints.Register(fingerprint, acct); err != nil {
		appctx.GetLogger(ctx).Error().Err(err).Str("account", acct).Msg("sasl: error caching fingerprint")
	}
	o.finishSuccess(ctx, sess, acct, false)
}

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

	"github.com/opencloud-eu/x3d/pkg/scram"
)

func init() {
	Register("SCRAM-SHA-1", newScramMechanismFunc(scram.SHA1))
	Register("SCRAM-SHA-256", newScramMechanismFunc(scram.SHA256))
	Register("SCRAM-SHA-512", newScramMechanismFunc(scram.SHA512))
}

func newScramMechanismFunc(h scram.HashName) NewFunc {
	return func() mechanism { return &scramMechanism{hashName: h} }
}

// scramMechanism implements spec §4.5's SCRAM-SHA-{1,256,512} dispatch: a
// full two-round-trip server-side SCRAM exchange, entirely local — it
// never touches the IdP, since the verifier is already stored: a
// session-token verifier written at PLAIN-success time, or an account
// verifier written from a password CREDENTIAL webhook event.
type scramMechanism struct {
	hashName scram.HashName
	conv     *scram.Conversation
}

func (m *scramMechanism) Start(_ context.Context, o *Orchestrator, _ *Session) (StepResult, error) {
	engine := scram.NewEngine(m.hashName, o.scramStore)
	conv, err := engine.NewConversation()
	if err != nil {
		return StepResult{}, err
	}
	m.conv = conv
	return StepResult{Outcome: OutcomeContinue}, nil
}

func (m *scramMechanism) Step(_ context.Context, _ *Orchestrator, _ *Session, payload []byte) (StepResult, error) {
	response, done, err := m.conv.Step(string(payload))
	if err != nil {
		return StepResult{Outcome: OutcomeFail}, nil
	}
	if !done {
		return StepResult{Outcome: OutcomeContinue, Challenge: []byte(response)}, nil
	}
	if !m.conv.Valid() {
		return StepResult{Outcome: OutcomeFail}, nil
	}
	// RFC 5802's server-final message (the "v=<ServerSignature>" line)
	// still has to reach the client so it can verify the server, even
	// though the exchange is already decided.
	return StepResult{Outcome: OutcomeSuccess, Challenge: []byte(response), Account: m.conv.Account()}, nil
}

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

import "context"

// Outcome classifies what a mechanism step produced.
type Outcome int

const (
	// OutcomeContinue means the mechanism has a challenge for the client
	// and expects another payload line in response.
	OutcomeContinue Outcome = iota
	// OutcomePending means the mechanism dispatched an asynchronous IdP
	// request and will resolve the session itself from that request's
	// callback; the caller must not emit a reply now.
	OutcomePending
	// OutcomeSuccess means the mechanism has authenticated the
	// connection as Account.
	OutcomeSuccess
	// OutcomeFail means the mechanism rejected the attempt.
	OutcomeFail
)

// StepResult is what Start/Step returns for one transition.
type StepResult struct {
	Outcome       Outcome
	Challenge     []byte
	Account       string
	Impersonating bool
	FailCode      Numeric
}

// mechanism is one pluggable SASL mechanism implementation, registered
// against NewFuncs exactly like the teacher's pkg/auth/manager/registry
// pattern so adding a mechanism never touches the orchestrator's dispatch.
type mechanism interface {
	// Start runs immediately after "AUTHENTICATE <mech>" is accepted.
	Start(ctx context.Context, o *Orchestrator, sess *Session) (StepResult, error)
	// Step runs once a full payload (decoded from its base64 chunks) has
	// been reassembled.
	Step(ctx context.Context, o *Orchestrator, sess *Session, payload []byte) (StepResult, error)
}

// NewFunc constructs a fresh mechanism instance for one SASL attempt.
// Mechanisms are stateful across the Start/Step round trips of a single
// attempt (a SCRAM conversation, for instance), so a new instance is
// built per attempt rather than shared.
type NewFunc func() mechanism

// NewFuncs is the process-wide mechanism registry, keyed by the exact
// SASL mechanism name the client sends in "AUTHENTICATE <mech>".
var NewFuncs = map[string]NewFunc{}

// Register adds a mechanism constructor under name. Called from each
// mechanism implementation's package-level init or from orchestrator
// setup; registering the same name twice overwrites the previous entry.
func Register(name string, f NewFunc) {
	NewFuncs[name] = f
}

// refreshable lists the mechanisms spec §4.5's re-authentication policy
// permits to run again after a session reaches Completed.
var refreshable = map[string]bool{
	"OAUTHBEARER": true,
}

// IsRefreshable reports whether mech may be re-attempted on a Completed
// session without the caller first resetting it (ERR_SASLALREADY
// otherwise).
func IsRefreshable(mech string) bool {
	return refreshable[mech]
}

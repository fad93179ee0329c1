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

package idpclient

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoExecutor is returned when Submit is called for a Kind with no
// registered Executor.
var ErrNoExecutor = errors.New("idpclient: no executor registered for kind")

// ErrNoTokenSource is returned by EnsureToken when the Client was built
// without a FetchClientToken function.
var ErrNoTokenSource = errors.New("idpclient: no token source configured")

// sessionRegistry tracks which SASL sessions have been cancelled and at
// what sequence number, so a callback that fires after the owning
// connection closed can tell a still-relevant completion from a stale one
// (spec §4.2 "Cancellation"; spec §4.5's SASL session sequence number).
type sessionRegistry struct {
	mu    sync.Mutex
	state map[string]uint64
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{state: make(map[string]uint64)}
}

func (r *sessionRegistry) cancel(sessionID string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state[sessionID] = seq
}

func (r *sessionRegistry) cancelled(sessionID string, seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancelledAt, ok := r.state[sessionID]
	return ok && seq <= cancelledAt
}

func (r *sessionRegistry) forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.state, sessionID)
}

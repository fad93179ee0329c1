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
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one node of the per-session SASL state machine (spec §4.5).
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateVerifyingLocal
	StateAwaitingIdP
	StateCompleted
	StateFailed
	StateAborted
)

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// DefaultTimeout is spec §4.5's default non-terminal-state deadline.
const DefaultTimeout = 30 * time.Second

// Session is one connection's SASL negotiation state. The zero value is
// not usable; construct with NewSession.
type Session struct {
	// ID correlates this session's IdP requests and log lines across
	// async callbacks (spec §4.2 "Cancellation").
	ID string

	mu        sync.Mutex
	state     State
	mechName  string
	mech      mechanism
	assembler *chunkAssembler
	seq       uint64
	deadline  time.Time

	// Account is set once the session reaches StateCompleted.
	Account string
	// Impersonating records whether the authenticated identity differs
	// from the connection's original nick/login (spec §4.5 step 3: an
	// impersonating PLAIN success does not populate authsuccess:).
	Impersonating bool

	// TLSFingerprint is the hex SHA-256 fingerprint of the connection's
	// verified peer certificate, populated by the transport layer before
	// EXTERNAL is attempted. Empty if the connection is not using TLS
	// client certificates.
	TLSFingerprint string

	// RemoteHost and RemoteIP feed the S2S relay's "H" subcommand.
	RemoteHost string
	RemoteIP   string

	// OnReply, if set, is invoked with every terminal/abort Reply batch
	// as soon as the Orchestrator produces it — the hook the connection
	// layer uses to actually write numerics to the client, including
	// replies produced from an async IdP callback long after the
	// original Authenticate/Payload call returned.
	OnReply func(replies []Reply)

	repliesLog []Reply
}

// Replies returns every reply batch delivered on this session so far, in
// order. Primarily useful in tests that don't wire an OnReply callback.
func (s *Session) Replies() []Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reply, len(s.repliesLog))
	copy(out, s.repliesLog)
	return out
}

// NewSession returns an Idle session with a fresh correlation ID.
func NewSession() *Session {
	return &Session{ID: uuid.NewString(), state: StateIdle}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// expired reports whether the session's deadline has passed while it sits
// in a non-terminal state.
func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.state.terminal() && !s.deadline.IsZero() && now.After(s.deadline)
}

func (s *Session) nextSeq() uint64 {
	s.seq++
	return s.seq
}

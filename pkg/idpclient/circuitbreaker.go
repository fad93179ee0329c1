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
	"time"

	backoff "github.com/cenkalti/backoff/v2"
	"github.com/pkg/errors"
)

// ErrCircuitOpen is returned by circuitBreaker.allow when the breaker is
// open and the cool-down has not yet elapsed (spec §4.2 "Circuit breaker").
var ErrCircuitOpen = errors.New("idpclient: circuit open")

// circuitBreaker implements the closed/open/half-open breaker spec.md §4.2
// describes: after failureThreshold consecutive failures it opens for
// coolDown, then admits exactly one trial request.
type circuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	coolDown         time.Duration
	consecutiveFails int
	openedAt         time.Time
	trialInFlight    bool
}

func newCircuitBreaker(failureThreshold int, coolDown time.Duration) *circuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &circuitBreaker{failureThreshold: failureThreshold, coolDown: coolDown}
}

// allow reports whether a request may proceed, marking it as the trial
// request if the breaker is open and the cool-down has elapsed.
func (b *circuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consecutiveFails < b.failureThreshold {
		return nil
	}
	if time.Since(b.openedAt) < b.coolDown {
		return ErrCircuitOpen
	}
	if b.trialInFlight {
		return ErrCircuitOpen
	}
	b.trialInFlight = true
	return nil
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.trialInFlight = false
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
	b.consecutiveFails++
	if b.consecutiveFails == b.failureThreshold {
		b.openedAt = time.Now()
	} else if b.consecutiveFails > b.failureThreshold {
		b.openedAt = time.Now()
	}
}

// retryPolicy builds the exponential backoff schedule used to space out
// automatic retries of idempotent request kinds (ClientToken, Introspect,
// FingerprintLookup, GroupInfo/GroupMembers) within a single dispatch,
// distinct from the circuit breaker's longer cross-request cool-down.
func retryPolicy(maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = maxElapsed
	return b
}

// idempotentKinds are safe to retry transparently after a transient
// failure: none of them has a side effect that duplicates on replay.
// UserToken, the mutating Group/User/WebPush kinds, and SetUserAttribute
// are excluded deliberately and dispatched at most once.
var idempotentKinds = map[Kind]bool{
	KindClientToken:       true,
	KindIntrospect:        true,
	KindFingerprintLookup: true,
	KindGroupInfo:         true,
	KindGroupMembers:      true,
}

// isIdempotentKind reports whether kind may be retried automatically on
// failure within a single dispatch.
func isIdempotentKind(kind Kind) bool {
	return idempotentKinds[kind]
}

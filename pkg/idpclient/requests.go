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

// Package idpclient issues HTTPS requests to the identity provider without
// blocking the SASL orchestrator's single-threaded dispatch (spec §4.2). A
// bounded worker pool stands in for the cooperative single-threaded
// transfer loop the spec describes: I/O happens concurrently, but every
// callback is delivered serialized through one completion goroutine, so
// callers see the same "register, then get notified on the loop" contract
// without Go code blocking its caller on network latency.
package idpclient

import "context"

// Kind identifies which IdP operation a Request performs (spec §4.2's
// request-kind table).
type Kind string

const (
	KindClientToken           Kind = "ClientToken"
	KindUserToken              Kind = "UserToken"
	KindIntrospect             Kind = "Introspect"
	KindFingerprintLookup      Kind = "FingerprintLookup"
	KindSetUserAttribute       Kind = "SetUserAttribute"
	KindGroupMembershipAdd     Kind = "GroupMembershipAdd"
	KindGroupMembershipRemove  Kind = "GroupMembershipRemove"
	KindGroupInfo              Kind = "GroupInfo"
	KindGroupMembers           Kind = "GroupMembers"
	KindCreateUser             Kind = "CreateUser"
	KindCreateUserWithHash     Kind = "CreateUserWithHash"
	KindWebPushDeliver         Kind = "WebPushDeliver"
)

// Correlation ties a Request back to the SASL session that originated it,
// so a late callback can recognize a session that closed or was aborted
// before the HTTP round trip completed (spec §4.2 "Cancellation").
type Correlation struct {
	SessionID string
	Seq       uint64
}

// Request is one queued IdP operation: spec.md's
// "PendingRequest { kind, buffer, callback, correlation }".
type Request struct {
	Kind        Kind
	Input       interface{}
	Correlation Correlation
}

// Result is what a Request's execution produces, handed to Callback.
type Result struct {
	Output interface{}
	Err    error
}

// Callback receives a Request's Result once the client has it. It always
// runs on the client's single completion goroutine (never concurrently
// with another callback), matching the cooperative-loop semantics the
// spec's C library would have provided natively.
type Callback func(ctx context.Context, req Request, res Result)

// Executor performs the actual HTTP round trip for one request kind. The
// client dispatches to the Executor registered for req.Kind.
type Executor interface {
	Execute(ctx context.Context, req Request) (interface{}, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (interface{}, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (interface{}, error) {
	return f(ctx, req)
}

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

import "sync"

// RelaySubcommand is one of the server-to-server authentication relay's
// bundle subcommands (spec §6).
type RelaySubcommand byte

const (
	RelayStart          RelaySubcommand = 'S' // mechanism name
	RelayHostInfo       RelaySubcommand = 'H' // user@host:ip
	RelayContinue       RelaySubcommand = 'C' // base64 payload
	RelayDone           RelaySubcommand = 'D' // status S/F/A
	RelayLogin          RelaySubcommand = 'L' // account + registration ts
	RelayMechanismList  RelaySubcommand = 'M'
	RelayImpersonation  RelaySubcommand = 'I' // may be ignored by peers
)

// Done statuses carried by a RelayDone bundle's Data field.
const (
	RelayDoneSuccess = "S"
	RelayDoneFail    = "F"
	RelayDoneAbort   = "A"
)

// RelayBundle is one single-line bundle the services process exchanges
// with the IRCd over the S2S authentication relay (spec §6): "a single
// line per SASL event with fields (target-server, origin-server!fd.cookie,
// subcommand, data, ext?)".
type RelayBundle struct {
	TargetServer string
	Origin       string
	Subcommand   RelaySubcommand
	Data         string
	Ext          string
}

// RelayTransport is the boundary between the SASL orchestrator and the
// wire framing to the IRCd — the external collaborator spec.md §1
// already excludes from this module's scope. Implementations deliver
// RelayBundles to/from the actual network link.
type RelayTransport interface {
	Send(bundle RelayBundle) error
}

// DiscardRelay is the zero-value RelayTransport: it accepts every bundle
// and does nothing, used when an Orchestrator has no live S2S link (e.g.
// a standalone test or a deployment with one IRCd and no relay peers).
type DiscardRelay struct{}

// Send implements RelayTransport.
func (DiscardRelay) Send(RelayBundle) error { return nil }

// RecordingRelay is an in-memory RelayTransport used by tests and by
// standalone tooling that wants to inspect the bundle sequence for one
// session without a live IRCd link.
type RecordingRelay struct {
	mu      sync.Mutex
	bundles []RelayBundle
}

// Send implements RelayTransport.
func (r *RecordingRelay) Send(bundle RelayBundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles = append(r.bundles, bundle)
	return nil
}

// Bundles returns every bundle recorded so far, in order.
func (r *RecordingRelay) Bundles() []RelayBundle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RelayBundle, len(r.bundles))
	copy(out, r.bundles)
	return out
}

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

// Package sasl implements the per-connection SASL authentication state
// machine (spec §4.5): chunked AUTHENTICATE reassembly, the five
// mechanisms, the numeric reply vocabulary, and the server-to-server
// authentication relay boundary.
package sasl

// Numeric is one of the IRC numerics this core emits (spec §6).
type Numeric int

// The full 900-908 family. Unused gaps (901) are reserved upstream by the
// IRC SASL specification for capabilities this core does not implement.
const (
	RPL_LOGGEDIN     Numeric = 900
	ERR_NICKLOCKED   Numeric = 902
	RPL_SASLSUCCESS  Numeric = 903
	ERR_SASLFAIL     Numeric = 904
	ERR_SASLTOOLONG  Numeric = 905
	ERR_SASLABORTED  Numeric = 906
	ERR_SASLALREADY  Numeric = 907
	RPL_SASLMECHS    Numeric = 908
)

// Reply is one terminal or intermediate numeric emitted to the client,
// carrying whatever parameters the numeric needs (account name for 900,
// mechanism list for 908, free text for the rest).
type Reply struct {
	Numeric Numeric
	Params  []string
}

func reply(n Numeric, params ...string) Reply {
	return Reply{Numeric: n, Params: params}
}

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

package jwtauth

import "github.com/golang-jwt/jwt/v5"

// Claims is the subset of a verified token's claims the authentication
// core acts on (spec §4.7 step 4): sub/iss/aud/exp come from the embedded
// registered claims, preferred_username and x3_opserv_level are the
// IdP-specific attributes the SASL orchestrator reads afterward.
type Claims struct {
	PreferredUsername string `json:"preferred_username"`
	OperLevel         string `json:"x3_opserv_level"`
	jwt.RegisteredClaims
}

var _ jwt.Claims = (*Claims)(nil)

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

package crypt

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // legacy verify-only compatibility shape, see spec §4.3
	"encoding/hex"
	"strings"
)

// isSeededMD5 matches "$<8-hex>$<md5-hex>": an 8-hex-character seed
// followed by the 32-hex-character digest of seed+password.
func isSeededMD5(stored string) bool {
	if len(stored) != 1+8+1+32 || stored[0] != '$' || stored[9] != '$' {
		return false
	}
	return isHex(stored[1:9]) && isHex(stored[10:])
}

func verifySeededMD5(password, stored string) bool {
	seed := stored[1:9]
	want, err := hex.DecodeString(stored[10:])
	if err != nil {
		return false
	}
	sum := md5.Sum([]byte(seed + password)) //nolint:gosec
	return hmac.Equal(sum[:], want)
}

// isPlainMD5 matches a bare 32-hex-character unsalted legacy digest.
func isPlainMD5(stored string) bool {
	return len(stored) == 32 && isHex(stored)
}

func verifyPlainMD5(password, stored string) bool {
	want, err := hex.DecodeString(stored)
	if err != nil {
		return false
	}
	sum := md5.Sum([]byte(password)) //nolint:gosec
	return hmac.Equal(sum[:], want)
}

func isHex(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F'))
	}) == -1
}

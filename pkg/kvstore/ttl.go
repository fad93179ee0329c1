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

package kvstore

import (
	"strconv"
	"strings"
	"time"
)

// ttlMarker is the leading byte of a TTL-prefixed value, per spec:
// "T<unix-expiry>:<payload>".
const ttlMarker = 'T'

// encodeTTL wraps payload with a TTL header if expiry is non-zero.
func encodeTTL(payload []byte, expiry time.Time) []byte {
	if expiry.IsZero() {
		return payload
	}
	var b strings.Builder
	b.WriteByte(ttlMarker)
	b.WriteString(strconv.FormatInt(expiry.Unix(), 10))
	b.WriteByte(':')
	b.Write(payload)
	return []byte(b.String())
}

// decodeTTL parses a possibly TTL-prefixed value. ok is false if raw carries
// no TTL header, in which case payload is raw unchanged and expiry is zero.
func decodeTTL(raw []byte) (payload []byte, expiry time.Time, ok bool) {
	if len(raw) == 0 || raw[0] != ttlMarker {
		return raw, time.Time{}, false
	}
	rest := raw[1:]
	idx := indexByte(rest, ':')
	if idx < 0 {
		// malformed: no payload separator, treat as opaque non-TTL value
		return raw, time.Time{}, false
	}
	secs, err := strconv.ParseInt(string(rest[:idx]), 10, 64)
	if err != nil {
		return raw, time.Time{}, false
	}
	return rest[idx+1:], time.Unix(secs, 0), true
}

func indexByte(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}

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
	"encoding/base64"

	"github.com/opencloud-eu/x3d/pkg/errtypes"
)

// maxChunkLine is the base64 line length at which the client must send a
// continuation line (spec §4.5 "Chunked AUTHENTICATE").
const maxChunkLine = 400

// MaxPayloadBytes bounds the accumulated decoded payload across every
// chunk of one AUTHENTICATE exchange.
const MaxPayloadBytes = 8192

// chunkAssembler reassembles the base64 lines of one AUTHENTICATE payload,
// per spec §4.5: a line of exactly 400 characters means "more follows"; a
// shorter line (including a bare "+", meaning zero bytes) terminates it.
type chunkAssembler struct {
	encoded []byte
	done    bool
}

// feed appends one raw AUTHENTICATE line (still base64, "+" for empty) and
// reports whether the payload is now complete.
func (a *chunkAssembler) feed(line string) (complete bool, err error) {
	if a.done {
		return false, errtypes.ProtocolError("sasl: payload already complete")
	}
	if line == "+" {
		a.done = true
		return true, nil
	}
	a.encoded = append(a.encoded, line...)
	if len(a.encoded) > base64.StdEncoding.EncodedLen(MaxPayloadBytes) {
		return false, errtypes.ProtocolError("sasl: payload exceeds accumulation bound")
	}
	if len(line) < maxChunkLine {
		a.done = true
		return true, nil
	}
	return false, nil
}

// decode returns the fully-assembled raw payload. It must only be called
// once feed has reported complete.
func (a *chunkAssembler) decode() ([]byte, error) {
	if len(a.encoded) == 0 {
		return nil, nil
	}
	out, err := base64.StdEncoding.DecodeString(string(a.encoded))
	if err != nil {
		return nil, errtypes.ProtocolError("sasl: malformed base64 payload")
	}
	if len(out) > MaxPayloadBytes {
		return nil, errtypes.ProtocolError("sasl: payload exceeds accumulation bound")
	}
	return out, nil
}

// encodeChunks splits payload into the wire lines a server would send for
// an outbound SASL challenge (the server-first SCRAM message, for
// example), following the same 400-byte-line/"+"-terminator convention.
func encodeChunks(payload []byte) []string {
	if len(payload) == 0 {
		return []string{"+"}
	}
	encoded := base64.StdEncoding.EncodeToString(payload)
	var lines []string
	for len(encoded) > maxChunkLine {
		lines = append(lines, encoded[:maxChunkLine])
		encoded = encoded[maxChunkLine:]
	}
	lines = append(lines, encoded)
	if len(lines[len(lines)-1]) == maxChunkLine {
		lines = append(lines, "+")
	}
	return lines
}

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

// Package scram implements RFC 5802 SCRAM-SHA-1/256/512 server-side
// conversations (spec §4.4) over verifiers pre-computed at password-set
// time, so the plaintext password never needs to be available again.
package scram

import (
	"crypto/sha1" //nolint:gosec // SCRAM-SHA-1 is a spec-mandated mechanism, not a design choice
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strings"

	"github.com/pkg/errors"
	"github.com/xdg-go/scram"
)

// HashName identifies one of the three mandated SCRAM hash functions, used
// both in the mechanism name ("SCRAM-SHA-256") and the verifier-row prefix
// ("scram_acct:<hash>:<account>").
type HashName string

const (
	SHA1   HashName = "SHA-1"
	SHA256 HashName = "SHA-256"
	SHA512 HashName = "SHA-512"
)

// MechanismName returns the IRC SASL mechanism token for h, e.g.
// "SCRAM-SHA-256".
func (h HashName) MechanismName() string {
	return "SCRAM-" + string(h)
}

// ParseHashName recovers a HashName from either a mechanism token
// ("SCRAM-SHA-256") or a bare verifier-row prefix ("SHA-256").
func ParseHashName(s string) (HashName, error) {
	s = strings.TrimPrefix(strings.ToUpper(s), "SCRAM-")
	switch HashName(s) {
	case SHA1, SHA256, SHA512:
		return HashName(s), nil
	default:
		return "", errors.Errorf("scram: unsupported hash %q", s)
	}
}

func (h HashName) hashSize() int {
	switch h {
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

func (h HashName) newHash() func() hash.Hash {
	switch h {
	case SHA1:
		return sha1.New
	case SHA256:
		return sha256.New
	case SHA512:
		return sha512.New
	default:
		return nil
	}
}

func (h HashName) generator() (scram.HashGeneratorFcn, error) {
	fn := h.newHash()
	if fn == nil {
		return nil, errors.Errorf("scram: unsupported hash %q", h)
	}
	return scram.HashGeneratorFcn(fn), nil
}

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

// Package crypt implements algorithm-agile password hashing and
// verification (spec §4.3): PBKDF2-SHA256/512 as the primary/allowed
// formats, bcrypt and legacy MD5 as verify-only compatibility shapes, and
// argon2id as a verify-only reserved shape. No plaintext password is ever
// persisted (invariant I6); comparisons against stored digests use
// constant-time primitives throughout.
package crypt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// hashFunc is the hash-constructor shape pbkdf2.Key expects.
type hashFunc func() hash.Hash

const (
	// DefaultAlgorithm is the prefix marker used by Hash for new rows.
	DefaultAlgorithm = "pbkdf2-sha256"
	// DefaultIterations is the PBKDF2 iteration count for new rows.
	DefaultIterations = 100000
	// MinIterations is the floor below which a pbkdf2-sha256 row is
	// considered due for rehash even though its algorithm is current.
	MinIterations = 100000
	saltBytes     = 16
	hashBytes     = 32
)

// Hash derives a new-format digest for password using the default
// algorithm, iteration count, salt size and output size.
func Hash(password string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "crypt: error generating salt")
	}
	derived := pbkdf2.Key([]byte(password), salt, DefaultIterations, hashBytes, sha256.New)
	return fmt.Sprintf("$pbkdf2-sha256$i=%d$%s$%s",
		DefaultIterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived),
	), nil
}

// Verify reports whether password matches the digest stored, dispatching
// on stored's leading marker. An unrecognized shape is never a match.
func Verify(password, stored string) bool {
	switch {
	case strings.HasPrefix(stored, "$pbkdf2-sha256$"):
		return verifyPBKDF2(password, strings.TrimPrefix(stored, "$pbkdf2-sha256$"), sha256.New, sha256.Size)
	case strings.HasPrefix(stored, "$pbkdf2-sha512$"):
		return verifyPBKDF2(password, strings.TrimPrefix(stored, "$pbkdf2-sha512$"), sha512.New, sha512.Size)
	case strings.HasPrefix(stored, "$2a$"), strings.HasPrefix(stored, "$2b$"), strings.HasPrefix(stored, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	case strings.HasPrefix(stored, "$argon2id$"):
		ok, err := argon2id.ComparePasswordAndHash(password, stored)
		return err == nil && ok
	case isSeededMD5(stored):
		return verifySeededMD5(password, stored)
	case isPlainMD5(stored):
		return verifyPlainMD5(password, stored)
	default:
		return false
	}
}

// NeedsRehash reports whether stored should be replaced with a fresh Hash
// output on the next successful Verify: any non-default algorithm, or a
// default-algorithm row whose iteration count has fallen below the
// current minimum.
func NeedsRehash(stored string) bool {
	if !strings.HasPrefix(stored, "$pbkdf2-sha256$") {
		return true
	}
	parts := strings.Split(strings.TrimPrefix(stored, "$pbkdf2-sha256$"), "$")
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "i=") {
		return true
	}
	iters, err := strconv.Atoi(strings.TrimPrefix(parts[0], "i="))
	if err != nil {
		return true
	}
	return iters < MinIterations
}

// ExportAlgoSecret is the credential-import shape the IdP expects: PBKDF2
// parameters separated from the salt/derived-value pair.
type ExportAlgoSecret struct {
	Algorithm  string `json:"algorithm"`
	HashValue  string `json:"hashValue"`
	SaltValue  string `json:"saltValue"`
	Iterations int    `json:"iterations"`
}

// ExportForIdP splits a pbkdf2-sha256/512 digest into the algorithm and
// secret JSON shapes the IdP's credential-import API expects. It returns
// an error for any non-PBKDF2 shape: bcrypt, argon2id and legacy MD5 rows
// cannot be re-derived without the plaintext and are not exportable.
func ExportForIdP(stored string) (ExportAlgoSecret, error) {
	var algo string
	var rest string
	switch {
	case strings.HasPrefix(stored, "$pbkdf2-sha256$"):
		algo = "pbkdf2-sha256"
		rest = strings.TrimPrefix(stored, "$pbkdf2-sha256$")
	case strings.HasPrefix(stored, "$pbkdf2-sha512$"):
		algo = "pbkdf2-sha512"
		rest = strings.TrimPrefix(stored, "$pbkdf2-sha512$")
	default:
		return ExportAlgoSecret{}, errors.Errorf("crypt: %q is not exportable to the idp", shapeOf(stored))
	}
	parts := strings.Split(rest, "$")
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "i=") {
		return ExportAlgoSecret{}, errors.New("crypt: malformed pbkdf2 hash")
	}
	iters, err := strconv.Atoi(strings.TrimPrefix(parts[0], "i="))
	if err != nil {
		return ExportAlgoSecret{}, errors.Wrap(err, "crypt: malformed iteration count")
	}
	return ExportAlgoSecret{
		Algorithm:  algo,
		HashValue:  parts[2],
		SaltValue:  parts[1],
		Iterations: iters,
	}, nil
}

func shapeOf(stored string) string {
	if len(stored) < 2 {
		return "unknown"
	}
	if i := strings.IndexByte(stored[1:], '$'); i >= 0 {
		return stored[1 : i+1]
	}
	return "unknown"
}

// verifyPBKDF2 checks password against rest, the portion of a stored
// digest following the "$pbkdf2-sha{256,512}$" algorithm marker, i.e.
// "i=<iters>$<b64-salt>$<b64-hash>".
func verifyPBKDF2(password, rest string, h hashFunc, size int) bool {
	parts := strings.Split(rest, "$")
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "i=") {
		return false
	}
	iters, err := strconv.Atoi(strings.TrimPrefix(parts[0], "i="))
	if err != nil || iters <= 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, iters, size, h)
	return hmac.Equal(got, want)
}

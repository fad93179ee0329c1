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

package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"hash"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const saltBytes = 18

// Verifier is the account- or session-token-scoped SCRAM credential row:
// spec.md §4.4's "0:<hash>:<iter>:<b64-salt>:<b64-stored>:<b64-server>:<account>"
// (account form, Expires == 0) or
// "<expires>:<hash>:<iter>:<b64-salt>:<b64-stored>:<b64-server>:<account>"
// (session-token form, Expires is the token's unix expiry).
type Verifier struct {
	Expires    int64
	Hash       HashName
	Iterations int
	Salt       []byte
	StoredKey  []byte
	ServerKey  []byte
	Account    string
}

// Encode renders v in the exact colon-separated wire format spec.md §6
// defines for the `scram:` and `scram_acct:` row values.
func (v Verifier) Encode() string {
	return strings.Join([]string{
		strconv.FormatInt(v.Expires, 10),
		string(v.Hash),
		strconv.Itoa(v.Iterations),
		base64.StdEncoding.EncodeToString(v.Salt),
		base64.StdEncoding.EncodeToString(v.StoredKey),
		base64.StdEncoding.EncodeToString(v.ServerKey),
		v.Account,
	}, ":")
}

// ParseVerifier parses the value half of a `scram:` or `scram_acct:` row.
func ParseVerifier(raw string) (Verifier, error) {
	parts := strings.SplitN(raw, ":", 7)
	if len(parts) != 7 {
		return Verifier{}, errors.New("scram: malformed verifier row")
	}
	expires, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Verifier{}, errors.Wrap(err, "scram: malformed expiry")
	}
	hashName, err := ParseHashName(parts[1])
	if err != nil {
		return Verifier{}, err
	}
	iters, err := strconv.Atoi(parts[2])
	if err != nil {
		return Verifier{}, errors.Wrap(err, "scram: malformed iteration count")
	}
	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return Verifier{}, errors.Wrap(err, "scram: malformed salt")
	}
	storedKey, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return Verifier{}, errors.Wrap(err, "scram: malformed stored key")
	}
	serverKey, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil {
		return Verifier{}, errors.Wrap(err, "scram: malformed server key")
	}
	return Verifier{
		Expires:    expires,
		Hash:       hashName,
		Iterations: iters,
		Salt:       salt,
		StoredKey:  storedKey,
		ServerKey:  serverKey,
		Account:    parts[6],
	}, nil
}

// DeriveVerifier computes a fresh (salt, StoredKey, ServerKey) triple for
// password under the RFC 5802 schedule: SaltedPassword = PBKDF2(password,
// salt, iters); ClientKey = HMAC(SaltedPassword, "Client Key"); StoredKey =
// H(ClientKey); ServerKey = HMAC(SaltedPassword, "Server Key"). The SASL
// orchestrator calls it after a successful IdP-verified PLAIN auth to
// derive the new session token's verifiers; it is not called at
// registration or password change, and no account-level verifier is
// derived from a password.
func DeriveVerifier(h HashName, password string, iterations int, account string) (Verifier, error) {
	newHash := h.newHash()
	if newHash == nil {
		return Verifier{}, errors.Errorf("scram: unsupported hash %q", h)
	}
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return Verifier{}, errors.Wrap(err, "scram: error generating salt")
	}
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, h.hashSize(), newHash)
	clientKey := hmacSum(newHash, saltedPassword, []byte("Client Key"))
	serverKey := hmacSum(newHash, saltedPassword, []byte("Server Key"))

	storedKeyHash := newHash()
	storedKeyHash.Write(clientKey)
	storedKey := storedKeyHash.Sum(nil)

	return Verifier{
		Hash:       h,
		Iterations: iterations,
		Salt:       salt,
		StoredKey:  storedKey,
		ServerKey:  serverKey,
		Account:    account,
	}, nil
}

func hmacSum(newHash func() hash.Hash, key, data []byte) []byte {
	mac := hmac.New(newHash, key)
	mac.Write(data)
	return mac.Sum(nil)
}

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
	"crypto/md5" //nolint:gosec // constructing a legacy fixture, not hashing secrets
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/alexedwards/argon2id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

func TestHashThenVerifyRoundtrip(t *testing.T) {
	stored, err := Hash("p@ssw0rd")
	require.NoError(t, err)

	assert.True(t, Verify("p@ssw0rd", stored))
	assert.False(t, Verify("wrong", stored))
	assert.False(t, NeedsRehash(stored))
}

func TestVerifyPBKDF2SHA512(t *testing.T) {
	salt := []byte("saltsaltsaltsalt")
	derived := pbkdf2.Key([]byte("p@ssw0rd"), salt, 50000, sha512.Size, sha512.New)
	stored := fmt.Sprintf("$pbkdf2-sha512$i=50000$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived))

	assert.True(t, Verify("p@ssw0rd", stored))
	assert.False(t, Verify("wrong", stored))
}

func TestVerifyBcrypt(t *testing.T) {
	h, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, Verify("hunter2", string(h)))
	assert.False(t, Verify("hunter3", string(h)))
}

func TestVerifyArgon2id(t *testing.T) {
	h, err := argon2id.CreateHash("hunter2", argon2id.DefaultParams)
	require.NoError(t, err)

	assert.True(t, Verify("hunter2", h))
	assert.False(t, Verify("hunter3", h))
}

func TestVerifySeededMD5(t *testing.T) {
	seed := "deadbeef"
	sum := md5.Sum([]byte(seed + "hunter2")) //nolint:gosec
	stored := fmt.Sprintf("$%s$%s", seed, hex.EncodeToString(sum[:]))

	assert.True(t, Verify("hunter2", stored))
	assert.False(t, Verify("hunter3", stored))
}

func TestVerifyPlainMD5(t *testing.T) {
	sum := md5.Sum([]byte("hunter2")) //nolint:gosec
	stored := hex.EncodeToString(sum[:])

	assert.True(t, Verify("hunter2", stored))
	assert.False(t, Verify("hunter3", stored))
}

func TestVerifyUnknownShapeNeverMatches(t *testing.T) {
	assert.False(t, Verify("hunter2", "not-a-recognized-shape"))
	assert.False(t, Verify("hunter2", ""))
}

func TestNeedsRehash(t *testing.T) {
	stored, err := Hash("p@ssw0rd")
	require.NoError(t, err)
	assert.False(t, NeedsRehash(stored))

	h, err := bcrypt.GenerateFromPassword([]byte("p@ssw0rd"), bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, NeedsRehash(string(h)))

	lowIter := "$pbkdf2-sha256$i=1000$c2FsdHNhbHQ$aGFzaGhhc2g"
	assert.True(t, NeedsRehash(lowIter))
}

func TestExportForIdP(t *testing.T) {
	stored, err := Hash("p@ssw0rd")
	require.NoError(t, err)

	out, err := ExportForIdP(stored)
	require.NoError(t, err)
	assert.Equal(t, "pbkdf2-sha256", out.Algorithm)
	assert.Equal(t, DefaultIterations, out.Iterations)
	assert.NotEmpty(t, out.SaltValue)
	assert.NotEmpty(t, out.HashValue)
}

func TestExportForIdPRejectsNonPBKDF2(t *testing.T) {
	h, err := bcrypt.GenerateFromPassword([]byte("p@ssw0rd"), bcrypt.MinCost)
	require.NoError(t, err)

	_, err = ExportForIdP(string(h))
	assert.Error(t, err)
}

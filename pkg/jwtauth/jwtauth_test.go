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

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFetcher struct {
	body []byte
	err  error
	n    int
}

func (f *staticFetcher) FetchJWKS(_ context.Context, _ string) ([]byte, error) {
	f.n++
	return f.body, f.err
}

func jwksBodyFor(kid string, pub *rsa.PublicKey) []byte {
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x00, 0x01})
	doc := fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":%q,"alg":"RS256","n":%q,"e":%q}]}`, kid, n, e)
	return []byte(doc)
}

func openTestCache(t *testing.T, fetcher Fetcher) *Cache {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "x3d.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewCache(kv, fetcher, 8, time.Minute)
}

func TestVerifyLocalRoundtrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fetcher := &staticFetcher{body: jwksBodyFor("kid-1", &priv.PublicKey)}
	cache := openTestCache(t, fetcher)
	verifier := NewVerifier(cache, "x3d")

	claims := Claims{
		PreferredUsername: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "https://idp.example.org",
			Audience:  jwt.ClaimStrings{"x3d"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(priv)
	require.NoError(t, err)

	got, err := verifier.VerifyLocal(signed)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Subject)
	assert.Equal(t, "alice", got.PreferredUsername)
	assert.Equal(t, 1, fetcher.n)

	// a second verification with the same issuer must not re-fetch
	_, err = verifier.VerifyLocal(signed)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.n)
}

func TestVerifyLocalRejectsWrongAudience(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fetcher := &staticFetcher{body: jwksBodyFor("kid-1", &priv.PublicKey)}
	cache := openTestCache(t, fetcher)
	verifier := NewVerifier(cache, "x3d")

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "https://idp.example.org",
			Audience:  jwt.ClaimStrings{"other-service"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(priv)
	require.NoError(t, err)

	_, err = verifier.VerifyLocal(signed)
	assert.Error(t, err)
}

func TestVerifyLocalRejectsExpired(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fetcher := &staticFetcher{body: jwksBodyFor("kid-1", &priv.PublicKey)}
	cache := openTestCache(t, fetcher)
	verifier := NewVerifier(cache, "")

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "https://idp.example.org",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(priv)
	require.NoError(t, err)

	_, err = verifier.VerifyLocal(signed)
	assert.Error(t, err)
}

func TestVerifyLocalUnknownKidFails(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fetcher := &staticFetcher{body: jwksBodyFor("kid-other", &priv.PublicKey)}
	cache := openTestCache(t, fetcher)
	verifier := NewVerifier(cache, "")

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "https://idp.example.org",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(priv)
	require.NoError(t, err)

	_, err = verifier.VerifyLocal(signed)
	assert.Error(t, err)
}

func TestCacheFallsBackToDurableCopyWhenFetcherFails(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "x3d.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	warm := NewCache(kv, &staticFetcher{body: jwksBodyFor("kid-1", &priv.PublicKey)}, 8, time.Minute)
	_, err = warm.Get("https://idp.example.org", "kid-1")
	require.NoError(t, err)

	cold := NewCache(kv, &staticFetcher{err: assertErr}, 8, time.Minute)
	got, err := cold.Get("https://idp.example.org", "kid-1")
	require.NoError(t, err)
	assert.True(t, got.Equal(&priv.PublicKey))
}

var assertErr = fmt.Errorf("jwtauth test: fetch unavailable")

func TestParseOAuthBearerPayload(t *testing.T) {
	payload := []byte("n,a=alice,\x01host=irc.example.org\x01port=6697\x01auth=Bearer abc.def.ghi\x01\x01")
	token, err := ParseOAuthBearerPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)
}

func TestParseOAuthBearerPayloadMissingAuth(t *testing.T) {
	_, err := ParseOAuthBearerPayload([]byte("n,a=alice,\x01host=irc.example.org\x01\x01"))
	assert.Error(t, err)
}

func TestParseJWKSSkipsNonRSAKeys(t *testing.T) {
	doc := []byte(`{"keys":[{"kty":"EC","kid":"ec-1"},{"kty":"RSA","kid":"","n":"x","e":"x"}]}`)
	keys, err := ParseJWKS(doc)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

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
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opencloud-eu/x3d/pkg/errtypes"
	"github.com/pkg/errors"
)

// Verifier performs local RS256 verification against a JWKS Cache. It holds
// no Introspector; falling back to introspection when local verification
// isn't conclusive is done by the mechanism dispatch (spec §4.5, §4.7).
type Verifier struct {
	cache    *Cache
	audience string
}

// NewVerifier builds a Verifier backed by cache, rejecting tokens whose
// `aud` claim doesn't contain audience (pass "" to skip the audience check).
func NewVerifier(cache *Cache, audience string) *Verifier {
	return &Verifier{cache: cache, audience: audience}
}

// VerifyLocal verifies rawToken's signature against the cached JWKS key
// named by its header `kid`, then checks exp/nbf/iss/aud (spec §4.7 steps
// 1-3). Any failure — unknown kid, opaque (non-JWT) token, expired,
// audience mismatch — returns an errtypes.InvalidCredentials error; the
// caller decides whether to fall back to Introspect.
func (v *Verifier) VerifyLocal(rawToken string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != "RS256" {
			return nil, errors.Errorf("jwtauth: unexpected signing method %q", token.Method.Alg())
		}
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("jwtauth: token header has no kid")
		}
		iss, _ := claims.GetIssuer()
		return v.cache.Get(iss, kid)
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, errtypes.InvalidCredentials("invalid jwt: " + err.Error())
	}
	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil || !containsString(aud, v.audience) {
			return nil, errtypes.InvalidCredentials("invalid jwt: audience mismatch")
		}
	}
	return claims, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Introspector calls the IdP's token-introspection endpoint for tokens
// local verification couldn't resolve (opaque tokens, unknown kid, or
// policy forcing a network check).
type Introspector interface {
	Introspect(ctx context.Context, rawToken string) (*Claims, error)
}

// ParseOAuthBearerPayload extracts the bearer token from a SASL OAUTHBEARER
// initial-response payload of the form
// "n,a=<authzid>,\x01host=<host>\x01port=<port>\x01auth=Bearer <token>\x01\x01"
// (RFC 7628). Only the "auth=Bearer " key/value pair is required here; the
// GS2 header and other key/value pairs are accepted and ignored.
func ParseOAuthBearerPayload(payload []byte) (string, error) {
	for _, kv := range strings.Split(string(payload), "\x01") {
		const prefix = "auth=Bearer "
		if strings.HasPrefix(kv, prefix) {
			token := strings.TrimSpace(strings.TrimPrefix(kv, prefix))
			if token == "" {
				return "", errors.New("jwtauth: empty bearer token")
			}
			return token, nil
		}
	}
	return "", errors.New("jwtauth: no auth=Bearer field in oauthbearer payload")
}

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

package runtime

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	oidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
)

// jwksClaims is the one discovery-document field FetchJWKS needs beyond
// what oidc.Provider.Endpoint() exposes.
type jwksClaims struct {
	JWKSURI string `json:"jwks_uri"`
}

// httpJWKSFetcher implements jwtauth.Fetcher by resolving each issuer's
// `/.well-known/openid-configuration` document via go-oidc (the same
// discovery idiom idpclient.HTTPExecutor uses for its token/introspect
// endpoints) and GETing the `jwks_uri` it advertises. A session's JWT may
// name any issuer the JWKS cache's MaxIssuers bound admits, so providers
// are discovered and cached per-issuer rather than once at startup.
type httpJWKSFetcher struct {
	client *http.Client

	mu        sync.Mutex
	providers map[string]*oidc.Provider
}

func newHTTPJWKSFetcher(timeout time.Duration) *httpJWKSFetcher {
	return &httpJWKSFetcher{
		client:    &http.Client{Timeout: timeout},
		providers: make(map[string]*oidc.Provider),
	}
}

func (f *httpJWKSFetcher) provider(ctx context.Context, issuer string) (*oidc.Provider, error) {
	f.mu.Lock()
	if p, ok := f.providers[issuer]; ok {
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrap(err, "jwksfetcher: discovering issuer")
	}

	f.mu.Lock()
	f.providers[issuer] = p
	f.mu.Unlock()
	return p, nil
}

// FetchJWKS resolves issuer's discovery document and GETs the JWKS it
// advertises.
func (f *httpJWKSFetcher) FetchJWKS(ctx context.Context, issuer string) ([]byte, error) {
	p, err := f.provider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	var claims jwksClaims
	if err := p.Claims(&claims); err != nil {
		return nil, errors.Wrap(err, "jwksfetcher: decoding discovery document")
	}
	if claims.JWKSURI == "" {
		return nil, errors.Errorf("jwksfetcher: issuer %q has no jwks_uri", issuer)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, claims.JWKSURI, nil)
	if err != nil {
		return nil, errors.Wrap(err, "jwksfetcher: building request")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "jwksfetcher: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "jwksfetcher: reading response body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("jwksfetcher: unexpected status %d from %s", resp.StatusCode, claims.JWKSURI)
	}
	return body, nil
}

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

package idpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	oidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/opencloud-eu/x3d/pkg/errtypes"
	"github.com/pkg/errors"
)

// HTTPExecutor performs Requests as real HTTPS calls against an OIDC
// identity provider, grounded on the teacher's context-bound
// http.NewRequestWithContext idiom (internal/http/services/overleaf).
// Endpoint URLs are resolved once via OIDC discovery
// (`pkg/auth/manager/oidc/oidc.go`'s own `getOIDCProvider` lazy-cache
// pattern) instead of being guessed from a hardcoded path shape.
type HTTPExecutor struct {
	HTTP         *http.Client
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string

	discoverOnce sync.Once
	provider     *oidc.Provider
	discoverErr  error
}

// NewHTTPExecutor returns an HTTPExecutor with a sane default transport
// timeout; callers still bound each call with the per-request context
// deadline the Client applies around Execute.
func NewHTTPExecutor(baseURL, realm, clientID, clientSecret string) *HTTPExecutor {
	return &HTTPExecutor{
		HTTP:         &http.Client{Timeout: 15 * time.Second},
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Realm:        realm,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
}

// issuer is the OIDC issuer URL (Keycloak's realm base), used for both
// discovery and token exchange.
func (e *HTTPExecutor) issuer() string {
	return fmt.Sprintf("%s/realms/%s", e.BaseURL, e.Realm)
}

// discoveredProvider resolves the issuer's `/.well-known/openid-configuration`
// document once and caches it, the same "cached on first request" shape
// `pkg/auth/manager/oidc/oidc.go`'s `getOIDCProvider` uses.
func (e *HTTPExecutor) discoveredProvider(ctx context.Context) (*oidc.Provider, error) {
	e.discoverOnce.Do(func() {
		e.provider, e.discoverErr = oidc.NewProvider(ctx, e.issuer())
	})
	if e.discoverErr != nil {
		return nil, errtypes.IdpUnavailable(e.discoverErr.Error())
	}
	return e.provider, nil
}

// introspectionClaims is the subset of the discovery document not exposed
// through oidc.Provider.Endpoint(): Keycloak (and RFC 8414 providers
// generally) advertise the introspection endpoint as a non-standard claim.
type introspectionClaims struct {
	IntrospectionEndpoint string `json:"introspection_endpoint"`
}

// Execute dispatches req to the matching IdP endpoint. Kinds without a
// concrete HTTP mapping yet return errtypes.NotSupported.
func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (interface{}, error) {
	switch req.Kind {
	case KindClientToken:
		return e.clientToken(ctx)
	case KindUserToken:
		in, ok := req.Input.(UserTokenInput)
		if !ok {
			return nil, errors.New("idpclient: malformed UserToken input")
		}
		return e.userToken(ctx, in)
	case KindIntrospect:
		in, ok := req.Input.(IntrospectInput)
		if !ok {
			return nil, errors.New("idpclient: malformed Introspect input")
		}
		return e.introspect(ctx, in)
	case KindFingerprintLookup:
		in, ok := req.Input.(FingerprintLookupInput)
		if !ok {
			return nil, errors.New("idpclient: malformed FingerprintLookup input")
		}
		return e.fingerprintLookup(ctx, in)
	default:
		return nil, errtypes.NotSupported(string(req.Kind))
	}
}

func (e *HTTPExecutor) tokenEndpoint(ctx context.Context) (string, error) {
	p, err := e.discoveredProvider(ctx)
	if err != nil {
		return "", err
	}
	return p.Endpoint().TokenURL, nil
}

func (e *HTTPExecutor) introspectEndpoint(ctx context.Context) (string, error) {
	p, err := e.discoveredProvider(ctx)
	if err != nil {
		return "", err
	}
	var claims introspectionClaims
	if err := p.Claims(&claims); err != nil {
		return "", errors.Wrap(err, "idpclient: error decoding discovery document")
	}
	if claims.IntrospectionEndpoint == "" {
		return "", errors.New("idpclient: discovery document has no introspection_endpoint")
	}
	return claims.IntrospectionEndpoint, nil
}

func (e *HTTPExecutor) clientToken(ctx context.Context) (AdminToken, error) {
	tokenEndpoint, err := e.tokenEndpoint(ctx)
	if err != nil {
		return AdminToken{}, err
	}
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {e.ClientID},
		"client_secret": {e.ClientSecret},
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := e.postForm(ctx, tokenEndpoint, form, &body); err != nil {
		return AdminToken{}, errtypes.IdpUnavailable(err.Error())
	}
	return AdminToken{
		AccessToken: body.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// UserTokenInput is the PLAIN-verify request body (spec §4.2, §4.5 step d).
type UserTokenInput struct {
	Username string
	Password string
}

// UserTokenResult is what a UserToken request resolves to.
type UserTokenResult struct {
	Granted bool
	Forbidden bool
}

func (e *HTTPExecutor) userToken(ctx context.Context, in UserTokenInput) (UserTokenResult, error) {
	tokenEndpoint, err := e.tokenEndpoint(ctx)
	if err != nil {
		return UserTokenResult{}, err
	}
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {e.ClientID},
		"username":   {in.Username},
		"password":   {in.Password},
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	err = e.postForm(ctx, tokenEndpoint, form, &body)
	if err == nil && body.AccessToken != "" {
		return UserTokenResult{Granted: true}, nil
	}
	var he *httpStatusError
	if errors.As(err, &he) && (he.status == http.StatusUnauthorized || he.status == http.StatusForbidden) {
		return UserTokenResult{Granted: false, Forbidden: true}, nil
	}
	if err != nil {
		return UserTokenResult{}, errtypes.IdpUnavailable(err.Error())
	}
	return UserTokenResult{Granted: false}, nil
}

// IntrospectInput is the token-introspection request (spec §4.5, §4.7).
type IntrospectInput struct {
	Token string
}

// IntrospectResult mirrors RFC 7662's introspection response shape,
// restricted to the fields the SASL orchestrator and JWT module consume.
type IntrospectResult struct {
	Active            bool
	Subject           string
	PreferredUsername string
}

func (e *HTTPExecutor) introspect(ctx context.Context, in IntrospectInput) (IntrospectResult, error) {
	introspectEndpoint, err := e.introspectEndpoint(ctx)
	if err != nil {
		return IntrospectResult{}, err
	}
	form := url.Values{
		"token":           {in.Token},
		"client_id":       {e.ClientID},
		"client_secret":   {e.ClientSecret},
		"token_type_hint": {"access_token"},
	}
	var body struct {
		Active            bool   `json:"active"`
		Sub               string `json:"sub"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := e.postForm(ctx, introspectEndpoint, form, &body); err != nil {
		return IntrospectResult{}, errtypes.IdpUnavailable(err.Error())
	}
	return IntrospectResult{
		Active:            body.Active,
		Subject:           body.Sub,
		PreferredUsername: body.PreferredUsername,
	}, nil
}

// FingerprintLookupInput resolves a client-certificate fingerprint to an
// account name (spec §4.5 EXTERNAL dispatch).
type FingerprintLookupInput struct {
	Fingerprint string
	BearerToken string
}

func (e *HTTPExecutor) fingerprintLookup(ctx context.Context, in FingerprintLookupInput) (string, error) {
	u := fmt.Sprintf("%s/admin/realms/%s/users?q=x3_fp:%s", e.BaseURL, e.Realm, url.QueryEscape(in.Fingerprint))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errors.Wrap(err, "idpclient: error building request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+in.BearerToken)

	resp, err := e.HTTP.Do(httpReq)
	if err != nil {
		return "", errtypes.IdpUnavailable(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &httpStatusError{status: resp.StatusCode}
	}
	var users []struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return "", errors.Wrap(err, "idpclient: error decoding response")
	}
	if len(users) == 0 {
		return "", errtypes.NotFound(in.Fingerprint)
	}
	return users[0].Username, nil
}

func (e *HTTPExecutor) postForm(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "idpclient: error building request")
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.HTTP.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{status: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// httpStatusError carries the non-200 status code a call returned, so
// callers can distinguish a rejection (401/403) from a transport failure.
type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("idpclient: unexpected status %d", e.status)
}

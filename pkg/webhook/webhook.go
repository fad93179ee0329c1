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

// Package webhook implements the IdP push-event receiver (spec §4.6): a
// single authenticated HTTP route that translates USER/CREDENTIAL/
// GROUP_MEMBERSHIP events into targeted pkg/kvstore cache invalidations.
package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opencloud-eu/x3d/pkg/account"
	"github.com/opencloud-eu/x3d/pkg/appctx"
	"github.com/opencloud-eu/x3d/pkg/scram"
)

// Config is the fixed wiring a Server needs: the shared secret the IdP is
// expected to present, and the account-state stores its handlers mutate.
type Config struct {
	Secret       string
	Registry     *account.Registry
	AuthCache    *account.AuthCache
	Sessions     *account.Sessions
	Fingerprints *account.Fingerprints
	Meta         *account.Meta
	ScramStore   *scram.Store
}

// Server is the webhook HTTP listener, mirroring the teacher's
// config-plus-router-plus-logger service shape (internal/http/services)
// without that package's plugin-registry machinery, which a standalone
// listener started directly from cmd/x3d has no use for.
type Server struct {
	conf   Config
	router *chi.Mux
}

// New builds a Server wired against conf and mounts its single route.
func New(conf Config) *Server {
	s := &Server{conf: conf}
	s.router = chi.NewRouter()
	s.router.Post("/webhook", s.handleWebhook)
	return s
}

// ServeHTTP satisfies http.Handler, letting cmd/x3d mount Server directly
// on an *http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Event is the JSON body spec §6's webhook contract defines: a resource
// type/operation pair naming what changed, the resource's path (typically
// the account handle), and an opaque representation of the new state whose
// shape varies per resourceType/operationType.
type Event struct {
	ResourceType   string          `json:"resourceType"`
	OperationType  string          `json:"operationType"`
	ResourcePath   string          `json:"resourcePath"`
	Representation json.RawMessage `json:"representation"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := appctx.GetLogger(r.Context())

	if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Webhook-Secret")), []byte(s.conf.Secret)) != 1 {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var ev Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		log.Warn().Err(err).Msg("webhook: malformed event body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := s.dispatch(r.Context(), ev); err != nil {
		log.Error().Err(err).Str("resourceType", ev.ResourceType).Str("operationType", ev.OperationType).
			Str("resourcePath", ev.ResourcePath).Msg("webhook: error handling event")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

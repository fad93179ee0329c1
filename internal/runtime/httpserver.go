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
	"net"
	"net/http"
	"time"
)

// httpServer adapts an http.Handler to grace's Server interface
// (Network/Address/Stop/GracefulStop) — kept minimal here since this
// daemon has exactly one HTTP listener (pkg/webhook).
type httpServer struct {
	network string
	address string
	srv     *http.Server
}

func newHTTPServer(network, address string, handler http.Handler) *httpServer {
	return &httpServer{
		network: network,
		address: address,
		srv:     &http.Server{Handler: handler},
	}
}

// Network implements grace.Server.
func (s *httpServer) Network() string { return s.network }

// Address implements grace.Server.
func (s *httpServer) Address() string { return s.address }

// Start serves on ln until Stop or GracefulStop is called. ErrServerClosed
// is treated as expected, not an error.
func (s *httpServer) Start(ln net.Listener) error {
	err := s.srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop implements grace.Server: an immediate, non-graceful shutdown.
func (s *httpServer) Stop() error {
	return s.srv.Close()
}

// GracefulStop implements grace.Server: let in-flight webhook requests
// drain, bounded so a reload never hangs indefinitely.
func (s *httpServer) GracefulStop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

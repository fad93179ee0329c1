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

package webhook

import (
	"context"
	"encoding/json"

	"github.com/opencloud-eu/x3d/pkg/account"
	"github.com/opencloud-eu/x3d/pkg/errtypes"
	"github.com/opencloud-eu/x3d/pkg/scram"
	"github.com/pkg/errors"
)

// credentialRepresentation is the `representation` shape CREDENTIAL.*
// events carry: a credential kind plus the kind-specific field the handler
// needs (an x509 fingerprint, or pre-generated SCRAM verifiers for a
// password rotation the IdP already hashed on its side).
type credentialRepresentation struct {
	Type        string   `json:"type"`
	Fingerprint string   `json:"fingerprint"`
	Verifiers   []string `json:"verifiers"`
}

// userUpdateRepresentation is the `representation` shape USER.UPDATE
// events carry: the two attribute families spec §4.6 singles out, each
// present only when that attribute actually changed.
type userUpdateRepresentation struct {
	OperLevel *int                   `json:"x3_opserv_level"`
	Metadata  map[string]interface{} `json:"x3_metadata"`
}

// dispatch routes ev to its spec §4.6 handler. Unrecognized
// resourceType/operationType pairs are ignored, not an error — the IdP may
// emit event kinds this receiver has no use for.
func (s *Server) dispatch(ctx context.Context, ev Event) error {
	switch ev.ResourceType {
	case "USER":
		return s.handleUser(ev)
	case "CREDENTIAL":
		return s.handleCredential(ev)
	case "GROUP_MEMBERSHIP":
		return s.handleGroupMembership(ctx, ev)
	default:
		return nil
	}
}

func (s *Server) handleUser(ev Event) error {
	acct := ev.ResourcePath

	switch ev.OperationType {
	case "DELETE":
		return s.invalidateAccount(acct)
	case "UPDATE":
		var rep userUpdateRepresentation
		if len(ev.Representation) > 0 {
			if err := json.Unmarshal(ev.Representation, &rep); err != nil {
				return errors.Wrap(err, "webhook: malformed USER.UPDATE representation")
			}
		}
		if rep.OperLevel != nil {
			if err := s.conf.Registry.SetOperLevel(acct, operLevelFromAttr(*rep.OperLevel)); err != nil {
				return err
			}
		}
		if rep.Metadata != nil {
			if err := s.conf.Meta.Invalidate(acct); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// invalidateAccount implements spec §4.6's USER.DELETE row: every cache
// entry reachable from this account, plus a sessver bump so any still-live
// session token is rejected the next time it is presented. Each step runs
// regardless of whether an earlier one failed, so a single broken bucket
// never leaves the rest of the account's footprint behind; any failures
// are joined into one error for the caller.
func (s *Server) invalidateAccount(acct string) error {
	var errs []error
	if err := s.conf.AuthCache.InvalidatePositive(acct); err != nil {
		errs = append(errs, err)
	}
	if err := s.conf.AuthCache.InvalidateAllFailures(); err != nil {
		errs = append(errs, err)
	}
	if err := s.conf.Fingerprints.ForgetAllForAccount(acct); err != nil {
		errs = append(errs, err)
	}
	if err := s.conf.ScramStore.DeleteAllForAccount(acct); err != nil {
		errs = append(errs, err)
	}
	if err := s.conf.ScramStore.DeleteAllTokensForAccount(acct); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.conf.Sessions.BumpVersion(acct); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return errtypes.Join(errs...)
}

func (s *Server) handleCredential(ev Event) error {
	var rep credentialRepresentation
	if len(ev.Representation) > 0 {
		if err := json.Unmarshal(ev.Representation, &rep); err != nil {
			return errors.Wrap(err, "webhook: malformed CREDENTIAL representation")
		}
	}
	acct := ev.ResourcePath

	switch {
	case rep.Type == "password" && (ev.OperationType == "UPDATE" || ev.OperationType == "CREATE"):
		var errs []error
		if _, err := s.conf.Sessions.BumpVersion(acct); err != nil {
			errs = append(errs, err)
		}
		if err := s.conf.AuthCache.InvalidatePositive(acct); err != nil {
			errs = append(errs, err)
		}
		if err := s.conf.ScramStore.DeleteAllForAccount(acct); err != nil {
			errs = append(errs, err)
		}
		if err := s.conf.ScramStore.DeleteAllTokensForAccount(acct); err != nil {
			errs = append(errs, err)
		}
		if err := s.writePreGeneratedVerifiers(acct, rep.Verifiers); err != nil {
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return nil
		}
		return errtypes.Join(errs...)

	case rep.Type == "x509" && ev.OperationType == "DELETE":
		if rep.Fingerprint == "" {
			return nil
		}
		return s.conf.Fingerprints.Forget(rep.Fingerprint)

	case rep.Type == "x509" && ev.OperationType == "CREATE":
		if rep.Fingerprint == "" {
			return nil
		}
		return s.conf.Fingerprints.Register(rep.Fingerprint, acct)

	default:
		return nil
	}
}

// writePreGeneratedVerifiers decodes and stores any SPI-supplied SCRAM
// verifiers carried on a password CREDENTIAL event, so a subsequent SCRAM
// login can proceed without this node ever seeing the plaintext password
// (spec §4.6, "if the payload carries pre-generated verifiers ... write
// them"). Each entry is the colon-separated scram.Verifier.Encode() wire
// form, one per supported hash.
func (s *Server) writePreGeneratedVerifiers(acct string, encoded []string) error {
	for _, raw := range encoded {
		v, err := scram.ParseVerifier(raw)
		if err != nil {
			return errors.Wrap(err, "webhook: malformed pre-generated verifier")
		}
		v.Account = acct
		if err := s.conf.ScramStore.SaveAccount(v); err != nil {
			return err
		}
	}
	return nil
}

// handleGroupMembership accepts GROUP_MEMBERSHIP.* events and returns
// without acting on them: no channel-access resync is queued and nothing
// is logged (spec §4.6).
func (s *Server) handleGroupMembership(_ context.Context, _ Event) error {
	return nil
}

func operLevelFromAttr(level int) account.OperLevel {
	switch {
	case level >= int(account.OperAdmin):
		return account.OperAdmin
	case level >= int(account.OperOper):
		return account.OperOper
	case level >= int(account.OperHelper):
		return account.OperHelper
	default:
		return account.OperNone
	}
}

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

package account

import (
	"time"

	"github.com/opencloud-eu/x3d/pkg/kvstore"
)

// DefaultMetaTTL bounds how long a cached `meta:<account>` blob (vhost,
// account flags, arbitrary IdP-supplied metadata attributes) is trusted
// before the next read re-fetches it.
const DefaultMetaTTL = time.Hour

// Meta wraps the `meta:` bucket caching arbitrary per-account attributes
// pulled from the IdP (spec §4.6 USER.UPDATE x3_metadata handling).
type Meta struct {
	kv *kvstore.Store
}

// NewMeta wraps kv for metadata-cache operations.
func NewMeta(kv *kvstore.Store) *Meta {
	return &Meta{kv: kv}
}

// Get returns the cached metadata blob for account, or kvstore.ErrNotFound.
func (m *Meta) Get(account string) (string, error) {
	return m.kv.GetString(kvstore.BucketMeta, account)
}

// Set stores raw as account's cached metadata blob.
func (m *Meta) Set(account, raw string) error {
	return m.kv.SetString(kvstore.BucketMeta, account, raw, DefaultMetaTTL)
}

// Invalidate drops account's cached metadata blob, forcing the next read to
// re-fetch from the IdP (spec §4.6 USER.UPDATE with x3_metadata attrs).
func (m *Meta) Invalidate(account string) error {
	return m.kv.Delete(kvstore.BucketMeta, account)
}

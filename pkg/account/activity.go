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
	"fmt"
	"strings"
	"time"

	"github.com/opencloud-eu/x3d/pkg/kvstore"
	"github.com/pkg/errors"
)

// DefaultActivityTTL bounds how long an `activity:` row lingers after an
// account goes idle, per spec §3.
const DefaultActivityTTL = 90 * 24 * time.Hour

// Activity is one `activity:<account>` row: last time the account
// authenticated, and the last time it was seen present on the network.
type Activity struct {
	LastSeen    time.Time
	LastPresent time.Time
}

// ActivityTracker wraps the `activity:` bucket, written on every
// successful SASL completion (spec §4.5 post-success bookkeeping).
type ActivityTracker struct {
	kv *kvstore.Store
}

// NewActivityTracker wraps kv for activity-timestamp bookkeeping.
func NewActivityTracker(kv *kvstore.Store) *ActivityTracker {
	return &ActivityTracker{kv: kv}
}

// Touch updates account's activity row to now for both last-seen and
// last-present.
func (a *ActivityTracker) Touch(account string) error {
	now := time.Now()
	return a.save(account, Activity{LastSeen: now, LastPresent: now})
}

// Get returns account's recorded activity.
func (a *ActivityTracker) Get(account string) (Activity, error) {
	raw, err := a.kv.GetString(kvstore.BucketActivity, account)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Activity{}, kvstore.ErrNotFound
	}
	if err != nil {
		return Activity{}, err
	}
	return parseActivityRow(raw)
}

func (a *ActivityTracker) save(account string, act Activity) error {
	row := fmt.Sprintf("%d:%d", act.LastSeen.Unix(), act.LastPresent.Unix())
	return a.kv.SetString(kvstore.BucketActivity, account, row, DefaultActivityTTL)
}

func parseActivityRow(raw string) (Activity, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return Activity{}, errors.Errorf("account: malformed activity row %q", raw)
	}
	lastSeen, err := parseInt(parts[0])
	if err != nil {
		return Activity{}, errors.Wrap(err, "account: malformed activity last-seen timestamp")
	}
	lastPresent, err := parseInt(parts[1])
	if err != nil {
		return Activity{}, errors.Wrap(err, "account: malformed activity last-present timestamp")
	}
	return Activity{LastSeen: time.Unix(lastSeen, 0), LastPresent: time.Unix(lastPresent, 0)}, nil
}

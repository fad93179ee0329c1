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

package kvstore

// Bucket names, one per KV key prefix reserved by the authentication core.
// A key's bucket is its colon-separated prefix with the trailing colon
// stripped; the remainder of the key (after the prefix) is the bbolt key.
const (
	BucketHandle     = "handle"
	BucketNick       = "nick"
	BucketMask       = "mask"
	BucketSession    = "session"
	BucketSessver    = "sessver"
	BucketScram      = "scram"
	BucketScramAcct  = "scram_acct"
	BucketAuthSucc   = "authsuccess"
	BucketAuthFail   = "authfail"
	BucketFp         = "fp"
	BucketActivity   = "activity"
	BucketMeta       = "meta"
	BucketKcToken    = "kc_token"
	BucketKcJwks     = "kc_jwks"
	BucketKcGroups   = "kc_groups"
	BucketChanAccess = "chanaccess"
)

// allBuckets lists every bucket that must exist after Open, and is the
// iteration order used by ExportJSON.
var allBuckets = []string{
	BucketHandle,
	BucketNick,
	BucketMask,
	BucketSession,
	BucketSessver,
	BucketScram,
	BucketScramAcct,
	BucketAuthSucc,
	BucketAuthFail,
	BucketFp,
	BucketActivity,
	BucketMeta,
	BucketKcToken,
	BucketKcJwks,
	BucketKcGroups,
	BucketChanAccess,
}

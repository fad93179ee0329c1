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

// Package kvstore implements the embedded, single-writer, memory-mapped
// key/value store that backs every cache and every piece of account state
// the authentication core persists (spec §4.1). It is a thin typed layer
// over go.etcd.io/bbolt: one bucket per key prefix, values either bare
// strings/JSON or TTL-prefixed payloads of the form "T<unix-expiry>:<payload>".
package kvstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by Get when the key is absent or its TTL expired.
var ErrNotFound = errors.New("kvstore: not found")

// Store is a single open handle to the embedded database.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if necessary) the database at path and ensures all
// reserved buckets exist.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errors.Wrap(err, "kvstore: error creating data dir")
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: error opening database")
	}
	s := &Store{db: db, path: path}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "kvstore: error creating buckets")
	}
	return s, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// bucket returns the named bucket of tx, or an error if it does not exist.
// Keys must already have had their colon prefix identified by the caller
// (the typed accessors in the auth packages do this); Get/Set/Delete take
// the bucket explicitly so this
// package never has to guess at prefix boundaries for keys that may
// themselves contain colons (e.g. fingerprints, hash names).
func bucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, errors.Errorf("kvstore: unknown bucket %q", name)
	}
	return b, nil
}

// Get reads key from bucket. It returns ErrNotFound if the key is absent or
// its TTL prefix has expired; an expired key is deleted in the same
// transaction it was observed in.
func (s *Store) Get(bucketName, key string) ([]byte, error) {
	var out []byte
	var expired bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		payload, expiry, hasTTL := decodeTTL(raw)
		if hasTTL && !expiry.After(time.Now()) {
			expired = true
			return b.Delete([]byte(key))
		}
		out = append([]byte(nil), payload...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, ErrNotFound
	}
	return out, nil
}

// GetString is a convenience wrapper around Get for string-valued rows.
func (s *Store) GetString(bucketName, key string) (string, error) {
	v, err := s.Get(bucketName, key)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Set writes key in bucket. A zero ttl means the value never expires
// (migrated-durable categories per invariant I7); a positive ttl wraps the
// payload with the "T<unix-expiry>:" header consulted by Get and
// PrefixIterate.
func (s *Store) Set(bucketName, key string, value []byte, ttl time.Duration) error {
	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}
	raw := encodeTTL(value, expiry)
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
}

// SetString is a convenience wrapper around Set for string-valued rows.
func (s *Store) SetString(bucketName, key, value string, ttl time.Duration) error {
	return s.Set(bucketName, key, []byte(value), ttl)
}

// Delete removes key from bucket. Deleting an absent key is not an error.
func (s *Store) Delete(bucketName, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

// Entry is one (key, value) pair handed to a PrefixIterate callback.
type Entry struct {
	Key   string
	Value []byte
}

// PrefixIterate walks every non-expired key in bucket lexicographically
// starting at keyPrefix, calling f for each. The walk itself is read-only
// per spec (f must not call back into Set/Delete on this store); instead f
// returns an optional follow-up mutation, all of which are applied in a
// second, short transaction after the scan completes. Returning a nil
// mutation from f means "no change for this entry".
type Mutation struct {
	Key    string
	Delete bool
	Value  []byte
	TTL    time.Duration
}

func (s *Store) PrefixIterate(bucketName, keyPrefix string, f func(e Entry) *Mutation) error {
	var mutations []Mutation
	var expiredKeys []string
	now := time.Now()

	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}
		c := b.Cursor()
		prefix := []byte(keyPrefix)
		for k, raw := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, raw = c.Next() {
			payload, expiry, hasTTL := decodeTTL(raw)
			if hasTTL && !expiry.After(now) {
				expiredKeys = append(expiredKeys, string(k))
				continue
			}
			if m := f(Entry{Key: string(k), Value: append([]byte(nil), payload...)}); m != nil {
				mutations = append(mutations, *m)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(mutations) == 0 && len(expiredKeys) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketName)
		if err != nil {
			return err
		}
		for _, k := range expiredKeys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		for _, m := range mutations {
			if m.Delete {
				if err := b.Delete([]byte(m.Key)); err != nil {
					return err
				}
				continue
			}
			var expiry time.Time
			if m.TTL > 0 {
				expiry = time.Now().Add(m.TTL)
			}
			if err := b.Put([]byte(m.Key), encodeTTL(m.Value, expiry)); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Snapshot produces a consistent point-in-time copy of the database at
// destDir/x3d.db via bbolt's native hot-backup primitive. When compact is
// true the copy is rebuilt bucket-by-bucket with bolt.Compact to reclaim
// freed page space instead of a byte-for-byte CopyFile.
func (s *Store) Snapshot(destDir string, compact bool) error {
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return errors.Wrap(err, "kvstore: error creating snapshot dir")
	}
	dest := filepath.Join(destDir, "x3d.db")
	if !compact {
		return s.db.View(func(tx *bolt.Tx) error {
			return tx.CopyFile(dest, 0600)
		})
	}
	dst, err := bolt.Open(dest, 0600, nil)
	if err != nil {
		return errors.Wrap(err, "kvstore: error opening compact snapshot target")
	}
	defer dst.Close()
	if err := bolt.Compact(dst, s.db, 0); err != nil {
		return errors.Wrap(err, "kvstore: error compacting snapshot")
	}
	return nil
}

// ExportJSON writes a single JSON document containing every bucket's
// contents, keyed by bucket name then key. Intended for debugging and
// cross-environment portability only; never runs on the hot path.
func (s *Store) ExportJSON(destFile string) error {
	out := make(map[string]map[string]string, len(allBuckets))
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			b, err := bucket(tx, name)
			if err != nil {
				return err
			}
			rows := make(map[string]string)
			now := time.Now()
			c := b.Cursor()
			for k, raw := c.First(); k != nil; k, raw = c.Next() {
				payload, expiry, hasTTL := decodeTTL(raw)
				if hasTTL && !expiry.After(now) {
					continue
				}
				rows[string(k)] = string(payload)
			}
			out[name] = rows
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "kvstore: error reading database for export")
	}
	f, err := os.Create(destFile)
	if err != nil {
		return errors.Wrap(err, "kvstore: error creating export file")
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

/*
Copyright 2015 Google Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sqlite

import (
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/bobisme/botcrit/criterr"
	"github.com/bobisme/botcrit/logging"
)

const tsLayout = time.RFC3339

// Store wraps the projection database for one working tree's .crit
// directory. A Store is cheap to open and close; spec.md §5 calls for one
// connection per service call (or short-lived service object) rather than a
// shared, package-level handle.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open opens (creating if necessary) the SQLite projection cache at path and
// applies the schema and any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, criterr.Storagef(err, "opening projection store at %s", path)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid pool contention on one file
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, criterr.Storagef(err, "applying schema to %s", path)
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, criterr.Storagef(err, "applying migrations to %s", path)
	}
	return &Store{db: db, log: logging.For("store")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for the query package, which issues
// read-only SELECTs directly against the projection.
func (s *Store) DB() *sql.DB { return s.db }

// truncate wipes every projection table and review_fingerprints, and
// clears the sync_state watermark. Used by Rebuild.
func (s *Store) truncate(tx *sql.Tx) error {
	for _, table := range []string{"comments", "threads", "review_reviewers", "reviews", "review_fingerprints"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return criterr.Storagef(err, "truncating %s", table)
		}
	}
	if _, err := tx.Exec(`UPDATE sync_state SET watermark = '' WHERE id = 1`); err != nil {
		return criterr.Storagef(err, "resetting sync_state")
	}
	return nil
}

// watermark returns the last-known-fully-applied wall-clock timestamp, or
// the zero time if nothing has been synced yet.
func (s *Store) watermark(q querier) (time.Time, error) {
	var raw string
	err := q.QueryRow(`SELECT watermark FROM sync_state WHERE id = 1`).Scan(&raw)
	if err != nil {
		return time.Time{}, criterr.Storagef(err, "reading sync watermark")
	}
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(tsLayout, raw)
	if err != nil {
		return time.Time{}, criterr.Storagef(err, "parsing stored watermark %q", raw)
	}
	return ts, nil
}

func (s *Store) setWatermark(tx *sql.Tx, ts time.Time) error {
	_, err := tx.Exec(`UPDATE sync_state SET watermark = ? WHERE id = 1`, ts.UTC().Format(tsLayout))
	if err != nil {
		return criterr.Storagef(err, "updating sync watermark")
	}
	return nil
}

// fingerprint is the (length, hash) pair persisted per review; it mirrors
// eventlog.Fingerprint without importing eventlog from this package, keeping
// the storage layer decoupled from the log's on-disk representation.
type fingerprint struct {
	Length int64
	Hash   string
}

func (s *Store) getFingerprint(q querier, reviewID string) (fingerprint, bool, error) {
	var fp fingerprint
	err := q.QueryRow(`SELECT length, hash FROM review_fingerprints WHERE review_id = ?`, reviewID).Scan(&fp.Length, &fp.Hash)
	if err == sql.ErrNoRows {
		return fingerprint{}, false, nil
	}
	if err != nil {
		return fingerprint{}, false, criterr.Storagef(err, "reading fingerprint for %s", reviewID)
	}
	return fp, true, nil
}

func (s *Store) setFingerprint(tx *sql.Tx, reviewID string, fp fingerprint) error {
	_, err := tx.Exec(`
		INSERT INTO review_fingerprints (review_id, length, hash) VALUES (?, ?, ?)
		ON CONFLICT(review_id) DO UPDATE SET length = excluded.length, hash = excluded.hash
	`, reviewID, fp.Length, fp.Hash)
	if err != nil {
		return criterr.Storagef(err, "writing fingerprint for %s", reviewID)
	}
	return nil
}

func (s *Store) deleteReview(tx *sql.Tx, reviewID string) error {
	// Child rows are deleted explicitly: the connection does not enable
	// foreign keys, so the schema's ON DELETE CASCADE does not fire.
	for _, stmt := range []string{
		`DELETE FROM comments WHERE thread_id IN (SELECT thread_id FROM threads WHERE review_id = ?)`,
		`DELETE FROM threads WHERE review_id = ?`,
		`DELETE FROM review_reviewers WHERE review_id = ?`,
		`DELETE FROM reviews WHERE review_id = ?`,
	} {
		if _, err := tx.Exec(stmt, reviewID); err != nil {
			return criterr.Storagef(err, "deleting review %s", reviewID)
		}
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, so read helpers can run
// either inside or outside a transaction.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

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

// Package sqlite implements the projection store described in spec.md §4.5:
// a relational cache, rebuildable at any time from the per-review event
// logs, that backs the read-only query surface.
package sqlite

// schema is applied, in order, on every Open. Every statement is idempotent
// (IF NOT EXISTS) so opening an existing database is a cheap no-op.
const schema = `
CREATE TABLE IF NOT EXISTS reviews (
    review_id         TEXT PRIMARY KEY,
    scm_kind          TEXT NOT NULL,
    scm_anchor        TEXT NOT NULL,
    initial_commit    TEXT NOT NULL,
    final_commit      TEXT,
    title             TEXT NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    author            TEXT NOT NULL,
    created_at        TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'open',
    status_changed_at TEXT,
    status_changed_by TEXT,
    abandon_reason    TEXT
);

CREATE INDEX IF NOT EXISTS idx_reviews_status ON reviews(status);
CREATE INDEX IF NOT EXISTS idx_reviews_author ON reviews(author);
CREATE INDEX IF NOT EXISTS idx_reviews_anchor ON reviews(scm_anchor);

CREATE TABLE IF NOT EXISTS review_reviewers (
    review_id    TEXT NOT NULL REFERENCES reviews(review_id) ON DELETE CASCADE,
    reviewer     TEXT NOT NULL,
    requested_at TEXT NOT NULL,
    requested_by TEXT NOT NULL,
    vote         TEXT,
    vote_message TEXT,
    voted_at     TEXT,
    PRIMARY KEY (review_id, reviewer)
);

CREATE TABLE IF NOT EXISTS threads (
    thread_id         TEXT PRIMARY KEY,
    review_id         TEXT NOT NULL REFERENCES reviews(review_id) ON DELETE CASCADE,
    file_path         TEXT NOT NULL,
    selection_kind    TEXT NOT NULL,
    selection_n       INTEGER,
    selection_start   INTEGER,
    selection_end     INTEGER,
    commit_hash       TEXT NOT NULL,
    author            TEXT NOT NULL,
    created_at        TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'open',
    status_changed_at TEXT,
    status_changed_by TEXT,
    resolve_reason    TEXT,
    reopen_reason     TEXT
);

CREATE INDEX IF NOT EXISTS idx_threads_review ON threads(review_id);
CREATE INDEX IF NOT EXISTS idx_threads_file ON threads(file_path);

CREATE TABLE IF NOT EXISTS comments (
    comment_id TEXT PRIMARY KEY,
    thread_id  TEXT NOT NULL REFERENCES threads(thread_id) ON DELETE CASCADE,
    serial     INTEGER NOT NULL,
    body       TEXT NOT NULL,
    author     TEXT NOT NULL,
    created_at TEXT NOT NULL,
    request_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_comments_thread ON comments(thread_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_comments_request_id ON comments(request_id) WHERE request_id IS NOT NULL;

-- sync_state is a single row (id always 1) holding the wall-clock watermark
-- below which every event, in every review, is known to be applied.
CREATE TABLE IF NOT EXISTS sync_state (
    id        INTEGER PRIMARY KEY CHECK (id = 1),
    watermark TEXT NOT NULL DEFAULT ''
);

INSERT OR IGNORE INTO sync_state (id, watermark) VALUES (1, '');

-- review_fingerprints tracks the (length, hash) last observed for each
-- review's log, so the sync engine can detect a log restored to an earlier
-- state (spec.md §4.4, §4.5).
CREATE TABLE IF NOT EXISTS review_fingerprints (
    review_id TEXT PRIMARY KEY,
    length    INTEGER NOT NULL,
    hash      TEXT NOT NULL
);
`

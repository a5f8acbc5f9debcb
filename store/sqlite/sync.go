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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bobisme/botcrit/criterr"
	"github.com/bobisme/botcrit/logging"
	"github.com/bobisme/botcrit/eventlog"
)

// Syncer drives the projection sync protocol of spec.md §4.5 against one
// working tree's .crit/reviews directory.
type Syncer struct {
	store       *Store
	reviewsDir  string
	manifestDir string
	log         *logrus.Entry
}

// NewSyncer builds a Syncer. reviewsDir is the `.crit/reviews` directory;
// manifestDir is where `orphaned-reviews-<utc>.json` recovery manifests are
// written, normally the `.crit` directory itself.
func NewSyncer(store *Store, reviewsDir, manifestDir string) *Syncer {
	return &Syncer{
		store:       store,
		reviewsDir:  reviewsDir,
		manifestDir: manifestDir,
		log:         logging.For("sync"),
	}
}

// Report summarizes one Sync or Rebuild call.
type Report struct {
	ReviewsScanned int
	ReviewsSynced  int
	Regressed      []string
}

// orphanEntry is one row of an orphaned-reviews-<utc>.json manifest.
type orphanEntry struct {
	ReviewID   string `json:"review_id"`
	PriorLen   int64  `json:"prior_length"`
	PriorHash  string `json:"prior_hash"`
	CurLen     int64  `json:"current_length"`
	CurHash    string `json:"current_hash"`
	DetectedAt string `json:"detected_at"`
}

// Sync performs an incremental sync: reviews whose (length, hash)
// fingerprint is unchanged since the last sync are skipped entirely;
// regressed reviews are rebuilt from scratch and recorded in a recovery
// manifest; everything else has its events from the watermark's second
// onward applied.
func (sy *Syncer) Sync(ctx context.Context) (Report, error) {
	return sy.run(ctx, false)
}

// Rebuild wipes every projection table and re-applies every event in every
// review from scratch, for explicit recovery. The migrate package does not
// call it.
func (sy *Syncer) Rebuild(ctx context.Context) (Report, error) {
	return sy.run(ctx, true)
}

func (sy *Syncer) run(ctx context.Context, forceRebuild bool) (Report, error) {
	var report Report

	reviewIDs, err := sy.listReviews()
	if err != nil {
		return report, err
	}
	report.ReviewsScanned = len(reviewIDs)

	tx, err := sy.store.db.Begin()
	if err != nil {
		return report, criterr.Storagef(err, "beginning sync transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if forceRebuild {
		if err := sy.store.truncate(tx); err != nil {
			return report, err
		}
	}

	watermark, err := sy.store.watermark(tx)
	if err != nil {
		return report, err
	}
	maxTS := watermark

	var orphans []orphanEntry

	for _, reviewID := range reviewIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		logPath := filepath.Join(sy.reviewsDir, reviewID, "events.jsonl")
		l := eventlog.New(logPath)

		fp, err := l.Fingerprint(ctx)
		if err != nil {
			return report, err
		}

		stored, hadStored, err := sy.store.getFingerprint(tx, reviewID)
		if err != nil {
			return report, err
		}

		regressed := !forceRebuild && hadStored && eventlog.Regressed(eventlog.Fingerprint{Length: stored.Length, Hash: stored.Hash}, eventlog.Fingerprint{Length: fp.Length, Hash: fp.Hash})
		fresh := !forceRebuild && hadStored && !regressed && stored.Length == fp.Length && stored.Hash == fp.Hash

		if fresh {
			continue
		}

		if regressed {
			orphans = append(orphans, orphanEntry{
				ReviewID:   reviewID,
				PriorLen:   stored.Length,
				PriorHash:  stored.Hash,
				CurLen:     fp.Length,
				CurHash:    fp.Hash,
				DetectedAt: time.Now().UTC().Format(tsLayout),
			})
			if err := sy.store.deleteReview(tx, reviewID); err != nil {
				return report, err
			}
			report.Regressed = append(report.Regressed, reviewID)
		}

		envs, err := l.Read(ctx)
		if err != nil {
			return report, err
		}

		applyFrom := watermark
		if regressed || forceRebuild || !hadStored {
			applyFrom = time.Time{}
		}

		for _, env := range envs {
			// Timestamps have one-second resolution, so events sharing the
			// watermark's second are re-applied rather than skipped; every
			// apply rule is an insert-or-ignore, an upsert or a status update,
			// so replaying them in log order leaves applied state unchanged.
			if !env.TS.Before(applyFrom) {
				if err := applyEvent(tx, reviewID, env); err != nil {
					return report, err
				}
				if env.TS.After(maxTS) {
					maxTS = env.TS
				}
			}
		}

		if err := sy.store.setFingerprint(tx, reviewID, fingerprint{Length: fp.Length, Hash: fp.Hash}); err != nil {
			return report, err
		}
		report.ReviewsSynced++
	}

	if err := sy.store.setWatermark(tx, maxTS); err != nil {
		return report, err
	}

	if err := tx.Commit(); err != nil {
		return report, criterr.Storagef(err, "committing sync transaction")
	}

	for _, o := range orphans {
		if err := sy.writeOrphanManifest(o); err != nil {
			return report, err
		}
	}

	return report, nil
}

func (sy *Syncer) listReviews() ([]string, error) {
	entries, err := os.ReadDir(sy.reviewsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, criterr.Storagef(err, "listing review directories in %s", sy.reviewsDir)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// writeOrphanManifest records a single regressed review in its own
// orphaned-reviews-<utc>.json file, named with a random suffix so that two
// processes detecting a regression in the same wall-clock second never
// clobber each other's manifest.
func (sy *Syncer) writeOrphanManifest(entry orphanEntry) error {
	if err := os.MkdirAll(sy.manifestDir, 0o755); err != nil {
		return criterr.Storagef(err, "creating manifest directory %s", sy.manifestDir)
	}
	name := "orphaned-reviews-" + time.Now().UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8] + ".json"
	path := filepath.Join(sy.manifestDir, name)
	data, err := json.MarshalIndent([]orphanEntry{entry}, "", "  ")
	if err != nil {
		return criterr.Storagef(err, "encoding orphan manifest for %s", entry.ReviewID)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return criterr.Storagef(err, "writing orphan manifest %s", path)
	}
	sy.log.WithField("review_id", entry.ReviewID).WithField("manifest", path).Warn("detected log regression; rebuilt review from restored content")
	return nil
}

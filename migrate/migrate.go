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

// Package migrate implements the one-time upgrade path from the prior
// single-log layout (every review's events interleaved in one
// `.crit/events.jsonl`) to the v2 per-review layout spec.md §4.4 requires
// (`.crit/reviews/<id>/events.jsonl`). It is idempotent and dry-runnable:
// running it twice, or inspecting it with DryRun, never loses or duplicates
// an event.
package migrate

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bobisme/botcrit/criterr"
	"github.com/bobisme/botcrit/event"
	"github.com/bobisme/botcrit/eventlog"
	"github.com/bobisme/botcrit/layout"
	"github.com/bobisme/botcrit/logging"
)

// oldLogName is the fixed name of the single, repo-wide log the prior
// layout kept every review's events in, directly under `.crit`.
const oldLogName = "events.jsonl"

// Report summarizes what a migration did (or, under DryRun, would do).
type Report struct {
	// AlreadyMigrated is true when the layout is already at
	// layout.CurrentVersion; nothing was read or written.
	AlreadyMigrated bool
	// DryRun is true when no files were actually written.
	DryRun bool
	// NoLegacyLog is true when there was no old single log to migrate; the
	// caller should use layout.Init for a genuinely fresh repository.
	NoLegacyLog bool
	// ReviewIDs lists every review the legacy log contained events for, in
	// sorted order.
	ReviewIDs []string
	// EventCount is the total number of events grouped across all reviews.
	EventCount int
	// BackupPath is where the legacy log was moved to (empty under DryRun).
	BackupPath string
}

var log = logging.For("migrate")

// Migrate upgrades root's `.crit` directory in place. Events are grouped by
// review (following ThreadCreated to learn which review a thread, and thus
// its replies and comments, belongs to) and appended to per-review logs in
// their original order, the legacy log is renamed aside as a timestamped
// backup, and the version file is advanced to layout.CurrentVersion.
//
// Calling Migrate on an already-migrated layout, or one with no legacy log
// at all, is a no-op: the returned Report says so via AlreadyMigrated /
// NoLegacyLog and nothing is touched.
func Migrate(ctx context.Context, root string, dryRun bool) (*Report, error) {
	p := layout.For(root)

	if err := p.CheckVersion(); err == nil {
		return &Report{AlreadyMigrated: true}, nil
	} else if criterr.KindOf(err) != criterr.NotInitialized && criterr.KindOf(err) != criterr.VersionMismatch {
		return nil, err
	}

	oldPath := filepath.Join(p.Dir, oldLogName)
	grouped, order, total, err := groupByReview(ctx, oldPath)
	if err != nil {
		return nil, err
	}
	if grouped == nil {
		return &Report{NoLegacyLog: true}, nil
	}

	report := &Report{ReviewIDs: order, EventCount: total, DryRun: dryRun}
	if dryRun {
		log.WithField("reviews", len(order)).WithField("events", total).Info("dry run: would migrate legacy log")
		return report, nil
	}

	for _, reviewID := range order {
		l := eventlog.New(p.ReviewLog(reviewID))
		for _, env := range grouped[reviewID] {
			if err := l.Append(ctx, env); err != nil {
				return nil, criterr.Storagef(err, "writing migrated events for review %s", reviewID)
			}
		}
	}

	backup := oldPath + ".migrated-" + time.Now().UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
	if err := os.Rename(oldPath, backup); err != nil {
		return nil, criterr.Storagef(err, "backing up legacy log %s", oldPath)
	}
	report.BackupPath = backup

	if err := os.WriteFile(p.VersionFile, []byte(layout.CurrentVersion+"\n"), 0o644); err != nil {
		return nil, criterr.Storagef(err, "writing %s", p.VersionFile)
	}

	log.WithField("reviews", len(order)).WithField("events", total).WithField("backup", backup).
		Info("migrated legacy single-log layout to per-review logs")
	return report, nil
}

// groupByReview reads the legacy log at oldPath and partitions its events
// by the review each ultimately belongs to, preserving each review's
// internal event order. It returns nil grouping (and no error) when oldPath
// does not exist. order lists every review ID found, sorted, so migrating
// the same legacy log twice always writes reviews in the same order.
func groupByReview(ctx context.Context, oldPath string) (grouped map[string][]event.Envelope, order []string, total int, err error) {
	if _, statErr := os.Stat(oldPath); os.IsNotExist(statErr) {
		return nil, nil, 0, nil
	} else if statErr != nil {
		return nil, nil, 0, criterr.Storagef(statErr, "checking legacy log %s", oldPath)
	}

	envs, err := eventlog.New(oldPath).Read(ctx)
	if err != nil {
		return nil, nil, 0, err
	}

	threadReview := make(map[string]string)
	grouped = make(map[string][]event.Envelope)
	seen := make(map[string]bool)

	route := func(reviewID string, env event.Envelope) error {
		if reviewID == "" {
			return criterr.New(criterr.CorruptLog, "legacy log event references an unknown thread with no prior ThreadCreated")
		}
		if !seen[reviewID] {
			seen[reviewID] = true
			order = append(order, reviewID)
		}
		grouped[reviewID] = append(grouped[reviewID], env)
		return nil
	}

	for _, env := range envs {
		switch p := env.Payload.(type) {
		case event.ReviewCreated:
			if err := route(p.ReviewID, env); err != nil {
				return nil, nil, 0, err
			}
		case event.ReviewersRequested:
			if err := route(p.ReviewID, env); err != nil {
				return nil, nil, 0, err
			}
		case event.ReviewerVoted:
			if err := route(p.ReviewID, env); err != nil {
				return nil, nil, 0, err
			}
		case event.ReviewApproved:
			if err := route(p.ReviewID, env); err != nil {
				return nil, nil, 0, err
			}
		case event.ReviewMerged:
			if err := route(p.ReviewID, env); err != nil {
				return nil, nil, 0, err
			}
		case event.ReviewAbandoned:
			if err := route(p.ReviewID, env); err != nil {
				return nil, nil, 0, err
			}
		case event.ThreadCreated:
			threadReview[p.ThreadID] = p.ReviewID
			if err := route(p.ReviewID, env); err != nil {
				return nil, nil, 0, err
			}
		case event.ThreadResolved:
			if err := route(threadReview[p.ThreadID], env); err != nil {
				return nil, nil, 0, err
			}
		case event.ThreadReopened:
			if err := route(threadReview[p.ThreadID], env); err != nil {
				return nil, nil, 0, err
			}
		case event.CommentAdded:
			if err := route(threadReview[p.ThreadID], env); err != nil {
				return nil, nil, 0, err
			}
		default:
			return nil, nil, 0, criterr.New(criterr.CorruptLog, "legacy log contains an unrecognized event kind")
		}
		total++
	}

	sort.Strings(order)
	return grouped, order, total, nil
}

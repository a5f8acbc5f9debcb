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

// Package layout resolves and gates the on-disk `.crit` directory (spec.md
// §4.4, §6): where a working tree's review state lives, and whether this
// binary is allowed to touch it. Finding the directory walks up from a
// starting point the same way scm.Git's NewGit walks up to a repo's
// toplevel; gating it is the "version file" contract that keeps an older or
// newer binary from silently corrupting a layout it doesn't understand.
package layout

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bobisme/botcrit/criterr"
)

// DirName is the fixed repo-relative directory every layout lives under.
const DirName = ".crit"

// CurrentVersion is the on-disk layout version this binary reads and
// writes. Bumping it without a migration step is how VersionMismatch gets
// surfaced to a binary that doesn't understand a newer layout.
const CurrentVersion = "2"

// Paths locates every file and directory spec.md §6 names as part of the
// on-disk layout, rooted at one `.crit` directory.
type Paths struct {
	// Root is the working-tree directory containing .crit.
	Root string
	// Dir is Root/.crit.
	Dir string
	// VersionFile is Dir/version.
	VersionFile string
	// ReviewsDir is Dir/reviews; each review gets Dir/reviews/<id>/events.jsonl.
	ReviewsDir string
	// IndexDB is Dir/index.db, the gitignored projection cache.
	IndexDB string
}

// For builds the Paths for a `.crit` directory located at root.
func For(root string) Paths {
	dir := filepath.Join(root, DirName)
	return Paths{
		Root:        root,
		Dir:         dir,
		VersionFile: filepath.Join(dir, "version"),
		ReviewsDir:  filepath.Join(dir, "reviews"),
		IndexDB:     filepath.Join(dir, "index.db"),
	}
}

// ReviewLog returns the events.jsonl path for a single review.
func (p Paths) ReviewLog(reviewID string) string {
	return filepath.Join(p.ReviewsDir, reviewID, "events.jsonl")
}

// Find walks upward from start looking for a `.crit` directory, the same
// way a VCS tool walks up to find a repo's toplevel. It returns the first
// one found; it does not check the version file (see CheckVersion).
func Find(start string) (Paths, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return Paths{}, criterr.Storagef(err, "resolving absolute path of %s", start)
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			return For(dir), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Paths{}, criterr.New(criterr.NotInitialized, "no "+DirName+" directory found above "+start)
		}
		dir = parent
	}
}

// CheckVersion reads the version file and confirms it matches
// CurrentVersion. A missing `.crit` or version file is NotInitialized; a
// version file present but holding an unrecognized or older value is
// VersionMismatch.
func (p Paths) CheckVersion() error {
	raw, err := os.ReadFile(p.VersionFile)
	if os.IsNotExist(err) {
		return criterr.New(criterr.NotInitialized, "no "+p.VersionFile+"; run init (or migrate) first")
	}
	if err != nil {
		return criterr.Storagef(err, "reading %s", p.VersionFile)
	}
	version := strings.TrimSpace(string(raw))
	if version != CurrentVersion {
		return criterr.New(criterr.VersionMismatch,
			"on-disk layout version "+version+" is not supported by this binary (expected "+CurrentVersion+"); a migration step is required")
	}
	return nil
}

// Init creates a fresh `.crit` directory at CurrentVersion: the reviews
// directory and the version file. It is idempotent — calling it on an
// already-initialized layout at the current version is a no-op; calling it
// on one at a different version is a VersionMismatch, since Init never
// migrates.
func Init(root string) (Paths, error) {
	p := For(root)
	if err := os.MkdirAll(p.ReviewsDir, 0o755); err != nil {
		return Paths{}, criterr.Storagef(err, "creating %s", p.ReviewsDir)
	}
	if _, err := os.Stat(p.VersionFile); err == nil {
		if verr := p.CheckVersion(); verr != nil {
			return Paths{}, verr
		}
		return p, nil
	} else if !os.IsNotExist(err) {
		return Paths{}, criterr.Storagef(err, "checking %s", p.VersionFile)
	}
	if err := os.WriteFile(p.VersionFile, []byte(CurrentVersion+"\n"), 0o644); err != nil {
		return Paths{}, criterr.Storagef(err, "writing %s", p.VersionFile)
	}
	return p, nil
}

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

// Package scm defines the narrow source-control capability port the core
// consumes, plus the validation rules every adapter must apply before
// handing caller-supplied strings to an external tool.
package scm

import (
	"strings"

	"github.com/bobisme/botcrit/criterr"
)

// Kind tags which backend an Adapter talks to.
type Kind string

const (
	KindGit Kind = "git"
	KindHg  Kind = "hg"
)

// Adapter is the capability port the core depends on. Every operation is
// synchronous; implementations shell out to the underlying tool and block
// for its result.
type Adapter interface {
	// Kind identifies the backend.
	Kind() Kind

	// Root returns the absolute path to the working-tree root.
	Root() string

	// CurrentAnchor returns the stable change handle for the working copy:
	// a change-id-like identifier where the backend provides one, otherwise
	// a branch ref, otherwise "detached:<commit>".
	CurrentAnchor() (string, error)

	// CurrentCommit returns the commit hash checked out in the working copy.
	CurrentCommit() (string, error)

	// CommitForAnchor resolves an anchor (as returned by CurrentAnchor) to
	// the commit it currently points to.
	CommitForAnchor(anchor string) (string, error)

	// ParentCommit returns the first parent of commit. It fails for root
	// commits; callers decide how to handle that.
	ParentCommit(commit string) (string, error)

	// DiffGit returns a unified, Git-compatible diff between two commits.
	DiffGit(from, to string) (string, error)

	// DiffGitFile is DiffGit scoped to a single file.
	DiffGitFile(from, to, file string) (string, error)

	// ChangedFilesBetween lists the relative paths that differ between two
	// commits.
	ChangedFilesBetween(from, to string) ([]string, error)

	// FileExists reports whether path has non-empty content at rev. This is
	// a positive content check, not merely a successful exit code: some
	// backends exit zero with empty output for a path that doesn't exist.
	FileExists(rev, path string) (bool, error)

	// ShowFile returns the contents of path at rev.
	ShowFile(rev, path string) (string, error)
}

// ValidateRef rejects any ref, anchor, or revision string that originates
// from user input or event data and could be misinterpreted by the
// underlying tool: option-injection via a leading "-", path traversal via
// "..", absolute paths, and empty strings.
func ValidateRef(ref string) error {
	if ref == "" {
		return criterr.InvalidInputf("ref", "ref must not be empty")
	}
	if strings.HasPrefix(ref, "-") {
		return criterr.InvalidInputf("ref", "ref %q must not start with '-'", ref)
	}
	if strings.Contains(ref, "..") {
		return criterr.InvalidInputf("ref", "ref %q must not contain '..'", ref)
	}
	if strings.HasPrefix(ref, "/") {
		return criterr.InvalidInputf("ref", "ref %q must not be an absolute path", ref)
	}
	if strings.ContainsAny(ref, "\x00\n") {
		return criterr.InvalidInputf("ref", "ref %q contains an illegal control character", ref)
	}
	return nil
}

// ValidatePath rejects any file path that originates from user input or
// event data and is not a normalized, repo-relative path: absolute paths,
// "..", a leading "-" (which a subprocess could interpret as a flag), and
// backslashes (so behavior is consistent across platforms).
func ValidatePath(path string) error {
	if path == "" {
		return criterr.InvalidInputf("file_path", "file_path must not be empty")
	}
	if strings.HasPrefix(path, "/") {
		return criterr.InvalidInputf("file_path", "file_path %q must be repo-relative, not absolute", path)
	}
	if strings.HasPrefix(path, "-") {
		return criterr.InvalidInputf("file_path", "file_path %q must not start with '-'", path)
	}
	if strings.Contains(path, "..") {
		return criterr.InvalidInputf("file_path", "file_path %q must not contain '..'", path)
	}
	if strings.Contains(path, "\\") {
		return criterr.InvalidInputf("file_path", "file_path %q must use '/' separators", path)
	}
	if strings.ContainsAny(path, "\x00\n") {
		return criterr.InvalidInputf("file_path", "file_path %q contains an illegal control character", path)
	}
	return nil
}

// DetachedAnchor builds the synthetic anchor used when a working copy has
// no stable change handle or branch to report, e.g. a detached HEAD.
func DetachedAnchor(commit string) string {
	return "detached:" + commit
}

// IsDetachedAnchor reports whether anchor was built by DetachedAnchor, and
// if so, returns the commit it names.
func IsDetachedAnchor(anchor string) (commit string, ok bool) {
	const prefix = "detached:"
	if strings.HasPrefix(anchor, prefix) {
		return strings.TrimPrefix(anchor, prefix), true
	}
	return "", false
}

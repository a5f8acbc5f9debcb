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

package scm

import (
	"bytes"
	"os/exec"
	"strings"

	"github.com/bobisme/botcrit/criterr"
	"github.com/bobisme/botcrit/logging"
)

var hgLog = logging.For("scm").WithField("backend", "hg")

// Hg is the Adapter implementation backed by the Mercurial command-line
// tool. Mercurial has no notion of a stable, pre-push change handle the way
// Gerrit-style Change-Ids do, so CurrentAnchor falls back to the active
// bookmark, then a branch name other than "default", then a detached anchor.
type Hg struct {
	path string
}

// NewHg determines whether dir is inside a Mercurial working tree, and if
// so returns the corresponding Hg adapter rooted at the tree's root.
func NewHg(dir string) (*Hg, error) {
	h := &Hg{path: dir}
	root, _, err := h.runRaw("root")
	if err != nil {
		return nil, criterr.Scmf(err, "%q is not inside a Mercurial working tree", dir)
	}
	return &Hg{path: root}, nil
}

func (h *Hg) Kind() Kind   { return KindHg }
func (h *Hg) Root() string { return h.path }

func (h *Hg) run(args ...string) (string, error) {
	out, stderr, err := h.runRaw(args...)
	if err != nil {
		msg := stderr
		if msg == "" {
			msg = "hg " + strings.Join(args, " ") + " failed"
		}
		return "", criterr.Scmf(err, "%s", msg)
	}
	return out, nil
}

func (h *Hg) runRaw(args ...string) (stdout, stderr string, err error) {
	full := append([]string{"--color", "never", "--pager", "never"}, args...)
	cmd := exec.Command("hg", full...)
	cmd.Dir = h.path
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	entry := hgLog.WithField("args", strings.Join(args, " "))
	if err != nil {
		entry.WithError(err).Debug("hg command failed")
	} else {
		entry.Debug("hg command ok")
	}
	return strings.TrimSpace(outBuf.String()), strings.TrimSpace(errBuf.String()), err
}

// verifyRev resolves and validates rev to a full changeset hash via "hg
// log", which both confirms existence and prevents option injection: only
// the verified, full hash is ever passed to a later command.
func (h *Hg) verifyRev(rev string) (string, error) {
	if err := ValidateRef(rev); err != nil {
		return "", err
	}
	return h.run("log", "--rev", rev, "--template", "{node}")
}

// CurrentAnchor returns the active bookmark if one is set, otherwise the
// current branch name unless it is "default", otherwise the synthetic
// "detached:<commit>" anchor.
func (h *Hg) CurrentAnchor() (string, error) {
	bookmark, err := h.run("log", "--rev", ".", "--template", "{activebookmark}")
	if err == nil && bookmark != "" {
		return bookmark, nil
	}
	branch, err := h.run("log", "--rev", ".", "--template", "{branch}")
	if err == nil && branch != "" && branch != "default" {
		return branch, nil
	}
	commit, cerr := h.CurrentCommit()
	if cerr != nil {
		return "", cerr
	}
	return DetachedAnchor(commit), nil
}

// CurrentCommit returns the changeset hash checked out in the working copy.
func (h *Hg) CurrentCommit() (string, error) {
	return h.run("log", "--rev", ".", "--template", "{node}")
}

// CommitForAnchor resolves an anchor (bookmark, branch, or detached
// pseudo-anchor) to the changeset it currently points to.
func (h *Hg) CommitForAnchor(anchor string) (string, error) {
	if commit, ok := IsDetachedAnchor(anchor); ok {
		return h.verifyRev(commit)
	}
	return h.verifyRev(anchor)
}

// ParentCommit returns the first parent of commit.
func (h *Hg) ParentCommit(commit string) (string, error) {
	verified, err := h.verifyRev(commit)
	if err != nil {
		return "", err
	}
	parent, err := h.run("log", "--rev", "p1("+verified+")", "--template", "{node}")
	if err != nil || parent == "" {
		return "", criterr.Scmf(err, "commit %s has no parent", commit)
	}
	return parent, nil
}

// DiffGit returns a unified, Git-compatible diff between two changesets.
func (h *Hg) DiffGit(from, to string) (string, error) {
	return h.diff(from, to, nil)
}

// DiffGitFile is DiffGit scoped to a single file.
func (h *Hg) DiffGitFile(from, to, file string) (string, error) {
	if err := ValidatePath(file); err != nil {
		return "", err
	}
	return h.diff(from, to, []string{file})
}

func (h *Hg) diff(from, to string, trailing []string) (string, error) {
	verifiedFrom, err := h.verifyRev(from)
	if err != nil {
		return "", err
	}
	verifiedTo, err := h.verifyRev(to)
	if err != nil {
		return "", err
	}
	args := []string{"diff", "--git", "--rev", verifiedFrom, "--rev", verifiedTo}
	args = append(args, trailing...)
	return h.run(args...)
}

// ChangedFilesBetween lists the relative paths that differ between two
// changesets.
func (h *Hg) ChangedFilesBetween(from, to string) ([]string, error) {
	verifiedFrom, err := h.verifyRev(from)
	if err != nil {
		return nil, err
	}
	verifiedTo, err := h.verifyRev(to)
	if err != nil {
		return nil, err
	}
	out, err := h.run("status", "--rev", verifiedFrom, "--rev", verifiedTo, "--no-status")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// FileExists reports whether path has non-empty content at rev.
func (h *Hg) FileExists(rev, path string) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	content, err := h.ShowFile(rev, path)
	if err != nil {
		return false, nil
	}
	return content != "", nil
}

// ShowFile returns the contents of path at rev.
func (h *Hg) ShowFile(rev, path string) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	verified, err := h.verifyRev(rev)
	if err != nil {
		return "", err
	}
	out, _, err := h.runRaw("cat", "--rev", verified, path)
	if err != nil {
		return "", criterr.Scmf(err, "file %q does not exist at %s", path, rev)
	}
	return out, nil
}

var _ Adapter = (*Hg)(nil)

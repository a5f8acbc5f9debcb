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
	"path/filepath"
	"strings"

	"github.com/bobisme/botcrit/criterr"
	"github.com/bobisme/botcrit/logging"
)

var gitLog = logging.For("scm").WithField("backend", "git")

// Git is the Adapter implementation backed by the git command-line tool.
type Git struct {
	path string
}

// NewGit determines whether dir is inside a git working tree, and if so
// returns the corresponding Git adapter rooted at the tree's top level.
func NewGit(dir string) (*Git, error) {
	g := &Git{path: dir}
	top, _, err := g.runRaw("rev-parse", "--show-toplevel")
	if err != nil {
		return nil, criterr.Scmf(err, "%q is not inside a git working tree", dir)
	}
	return &Git{path: top}, nil
}

func (g *Git) Kind() Kind   { return KindGit }
func (g *Git) Root() string { return g.path }

// run executes git with args and returns trimmed stdout, or a wrapped error
// carrying stderr when the command fails. Color output is disabled and a
// GIT_PAGER of cat is forced so output is always plain, capturable text.
func (g *Git) run(args ...string) (string, error) {
	out, stderr, err := g.runRaw(args...)
	if err != nil {
		msg := stderr
		if msg == "" {
			msg = "git " + strings.Join(args, " ") + " failed"
		}
		return "", criterr.Scmf(err, "%s", msg)
	}
	return out, nil
}

func (g *Git) runRaw(args ...string) (stdout, stderr string, err error) {
	full := append([]string{"-c", "color.ui=false"}, args...)
	cmd := exec.Command("git", full...)
	cmd.Dir = g.path
	cmd.Env = append(cmd.Env, "GIT_PAGER=cat", "TERM=dumb")
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	entry := gitLog.WithField("args", strings.Join(args, " "))
	if err != nil {
		entry.WithError(err).Debug("git command failed")
	} else {
		entry.Debug("git command ok")
	}
	return strings.TrimSpace(outBuf.String()), strings.TrimSpace(errBuf.String()), err
}

// verifyRev resolves and validates rev via "git rev-parse --verify", which
// both confirms the rev exists and prevents it from being interpreted as a
// flag by any later command: we only ever pass the verified, full hash on.
func (g *Git) verifyRev(rev string) (string, error) {
	if err := ValidateRef(rev); err != nil {
		return "", err
	}
	return g.run("rev-parse", "--verify", rev+"^{commit}")
}

// CurrentAnchor returns the current branch ref if the working copy is on
// one, otherwise the synthetic "detached:<commit>" anchor.
func (g *Git) CurrentAnchor() (string, error) {
	ref, err := g.run("symbolic-ref", "-q", "HEAD")
	if err == nil && ref != "" {
		return ref, nil
	}
	commit, cerr := g.CurrentCommit()
	if cerr != nil {
		return "", cerr
	}
	return DetachedAnchor(commit), nil
}

// CurrentCommit returns the commit hash checked out in the working copy.
func (g *Git) CurrentCommit() (string, error) {
	return g.run("rev-parse", "HEAD")
}

// CommitForAnchor resolves an anchor to the commit it currently points to.
func (g *Git) CommitForAnchor(anchor string) (string, error) {
	if commit, ok := IsDetachedAnchor(anchor); ok {
		return g.verifyRev(commit)
	}
	return g.verifyRev(anchor)
}

// ParentCommit returns the first parent of commit.
func (g *Git) ParentCommit(commit string) (string, error) {
	verified, err := g.verifyRev(commit)
	if err != nil {
		return "", err
	}
	parent, err := g.run("rev-parse", verified+"^1")
	if err != nil {
		return "", criterr.Scmf(err, "commit %s has no parent", commit)
	}
	return parent, nil
}

// DiffGit returns the unified diff between two commits.
func (g *Git) DiffGit(from, to string) (string, error) {
	return g.diff(from, to, nil)
}

// DiffGitFile is DiffGit scoped to a single file.
func (g *Git) DiffGitFile(from, to, file string) (string, error) {
	if err := ValidatePath(file); err != nil {
		return "", err
	}
	return g.diff(from, to, []string{"--", file})
}

func (g *Git) diff(from, to string, trailing []string) (string, error) {
	verifiedFrom, err := g.verifyRev(from)
	if err != nil {
		return "", err
	}
	verifiedTo, err := g.verifyRev(to)
	if err != nil {
		return "", err
	}
	args := []string{"diff", "--no-color", "--no-ext-diff", verifiedFrom, verifiedTo}
	args = append(args, trailing...)
	// git diff exits 0 whether or not there are differences, and the
	// adapter treats "no output" as a legitimate, unchanged diff, so a
	// command failure here is always a real SCM error.
	return g.run(args...)
}

// ChangedFilesBetween lists the relative paths that differ between two
// commits.
func (g *Git) ChangedFilesBetween(from, to string) ([]string, error) {
	verifiedFrom, err := g.verifyRev(from)
	if err != nil {
		return nil, err
	}
	verifiedTo, err := g.verifyRev(to)
	if err != nil {
		return nil, err
	}
	out, err := g.run("diff", "--name-only", verifiedFrom, verifiedTo)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// FileExists reports whether path has non-empty content at rev.
func (g *Git) FileExists(rev, path string) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	content, err := g.ShowFile(rev, path)
	if err != nil {
		return false, nil
	}
	return content != "", nil
}

// ShowFile returns the contents of path at rev.
func (g *Git) ShowFile(rev, path string) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	verified, err := g.verifyRev(rev)
	if err != nil {
		return "", err
	}
	out, _, err := g.runRaw("show", verified+":"+filepath.ToSlash(path))
	if err != nil {
		return "", criterr.Scmf(err, "file %q does not exist at %s", path, rev)
	}
	return out, nil
}

var _ Adapter = (*Git)(nil)

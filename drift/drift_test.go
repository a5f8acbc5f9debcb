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

package drift

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobisme/botcrit/event"
	"github.com/bobisme/botcrit/scm"
)

func lineSel(n int) event.Selection {
	return event.Selection{Kind: event.SelectionLine, N: n}
}

func rangeSel(start, end int) event.Selection {
	return event.Selection{Kind: event.SelectionRange, Start: start, End: end}
}

func repeatLine(text string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += text
	}
	return out
}

func TestEvaluateSameCommitIsUnchanged(t *testing.T) {
	m := scm.NewMock("/repo").
		AddCommit("c1", "", map[string]string{"f.go": "a\nb\nc\n"})

	res, err := Evaluate(m, "f.go", "c1", lineSel(2), "c1")
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res.Status)
	assert.Equal(t, Range{Start: 2, End: 2}, res.Current)
}

func TestEvaluateDetachedWhenFileDeleted(t *testing.T) {
	m := scm.NewMock("/repo").
		AddCommit("c1", "", map[string]string{"f.go": "a\nb\nc\n"}).
		AddCommit("c2", "c1", map[string]string{})

	res, err := Evaluate(m, "f.go", "c1", lineSel(2), "c2")
	require.NoError(t, err)
	assert.Equal(t, Detached, res.Status)
}

func TestEvaluateShiftedByInsertionBefore(t *testing.T) {
	// Anchor at line 21; 4 lines inserted at line 10 -> anchor shifts to 25.
	before := repeatLine("x\n", 30)
	linesBefore := splitLines(before)
	linesBefore[20] = "ANCHOR"
	before = joinLines(linesBefore)

	after := ""
	{
		ls := splitLines(before)
		out := append([]string{}, ls[:9]...)
		out = append(out, "new1", "new2", "new3", "new4")
		out = append(out, ls[9:]...)
		after = joinLines(out)
	}

	m := scm.NewMock("/repo").
		AddCommit("c1", "", map[string]string{"f.go": before}).
		AddCommit("c2", "c1", map[string]string{"f.go": after})

	res, err := Evaluate(m, "f.go", "c1", lineSel(21), "c2")
	require.NoError(t, err)
	assert.Equal(t, Shifted, res.Status)
	assert.Equal(t, 4, res.Delta)
	assert.Equal(t, Range{Start: 25, End: 25}, res.Current)
}

func TestEvaluateModifiedWhenHunkOverlapsAnchor(t *testing.T) {
	before := "a\nb\nc\nd\ne\n"
	after := "a\nCHANGED\nc\nd\ne\n"

	m := scm.NewMock("/repo").
		AddCommit("c1", "", map[string]string{"f.go": before}).
		AddCommit("c2", "c1", map[string]string{"f.go": after})

	res, err := Evaluate(m, "f.go", "c1", lineSel(2), "c2")
	require.NoError(t, err)
	assert.Equal(t, Modified, res.Status)
}

func TestEvaluateDetachedWhenAnchorLinesFullyDeleted(t *testing.T) {
	before := "a\nb\nc\nd\ne\n"
	after := "a\ne\n"

	m := scm.NewMock("/repo").
		AddCommit("c1", "", map[string]string{"f.go": before}).
		AddCommit("c2", "c1", map[string]string{"f.go": after})

	res, err := Evaluate(m, "f.go", "c1", rangeSel(2, 4), "c2")
	require.NoError(t, err)
	assert.Equal(t, Detached, res.Status)
}

func TestEvaluateUnchangedWhenDiffDoesNotTouchFile(t *testing.T) {
	m := scm.NewMock("/repo").
		AddCommit("c1", "", map[string]string{"f.go": "a\nb\n", "g.go": "1\n"}).
		AddCommit("c2", "c1", map[string]string{"f.go": "a\nb\n", "g.go": "2\n"})

	res, err := Evaluate(m, "f.go", "c1", lineSel(1), "c2")
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res.Status)
}

func TestClassifyInsertionTieBreakIsBeforeAnchor(t *testing.T) {
	anchor := Range{Start: 10, End: 10}
	h := hunk{OldStart: 10, OldCount: 0, NewStart: 11, NewCount: 2}
	assert.Equal(t, effectBefore, classify(anchor, h))
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}

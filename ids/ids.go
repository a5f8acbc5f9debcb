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

// Package ids generates and parses the short, opaque identifiers used for
// reviews, threads, and comments.
//
// Review and thread IDs have the shape "<prefix>-<hash>", where hash is a
// lower-case alphanumeric string of at least 4 characters containing at
// least one digit. The digit requirement is enforced by rejection sampling:
// we keep drawing fresh entropy from the supplied source until the encoded
// hash satisfies the shape, so the generator needs no global counter and
// stays deterministic for a given entropy source.
package ids

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	hashids "github.com/speps/go-hashids"
)

// Kind identifies which entity an ID belongs to.
type Kind string

const (
	// KindReview tags review IDs, e.g. "cr-a93f".
	KindReview Kind = "cr"
	// KindThread tags thread IDs, e.g. "th-02k9".
	KindThread Kind = "th"
)

// alphabet is restricted to lower-case letters and digits so generated IDs
// are URL-safe and shell-safe without quoting.
const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

const minHashLen = 4

// maxAttempts bounds the rejection-sampling loop. 500 consecutive
// generations are exercised in tests without ever approaching it; it exists
// purely so a broken entropy source fails loudly instead of looping forever.
const maxAttempts = 10000

// Parsed is the result of decomposing an opaque ID into its parts.
type Parsed struct {
	Kind Kind
	Hash string
}

// Generator produces IDs from caller-supplied entropy. Construct one with
// NewGenerator and reuse it; it carries no mutable state of its own beyond
// the *rand.Rand it was given, so callers control reproducibility by
// controlling the seed.
type Generator struct {
	hd *hashids.HashID
	rng *rand.Rand
}

// NewGenerator builds an ID generator that draws its entropy from rng. Tests
// seed rng explicitly (e.g. rand.New(rand.NewSource(1))) so that generated
// sequences are reproducible; production callers seed from crypto/rand.
func NewGenerator(rng *rand.Rand) (*Generator, error) {
	data := hashids.NewData()
	data.Alphabet = alphabet
	data.MinLength = minHashLen
	hd, err := hashids.NewWithData(data)
	if err != nil {
		return nil, errors.Wrap(err, "building hashids encoder")
	}
	return &Generator{hd: hd, rng: rng}, nil
}

// hasDigit reports whether s contains at least one ASCII digit.
func hasDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

// draw generates a single candidate hash segment from fresh entropy.
func (g *Generator) draw() (string, error) {
	nums := []int64{g.rng.Int63(), g.rng.Int63()}
	return g.hd.EncodeInt64(nums)
}

// newHash performs rejection sampling until it finds a hash segment that
// satisfies the length and digit requirements.
func (g *Generator) newHash() (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		hash, err := g.draw()
		if err != nil {
			return "", errors.Wrap(err, "encoding id")
		}
		hash = strings.ToLower(hash)
		if len(hash) >= minHashLen && hasDigit(hash) {
			return hash, nil
		}
	}
	return "", errors.Errorf("failed to generate a valid id hash after %d attempts", maxAttempts)
}

// NewReviewID generates a new, opaque review identifier of the form "cr-xxxx".
func (g *Generator) NewReviewID() (string, error) {
	hash, err := g.newHash()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", KindReview, hash), nil
}

// NewThreadID generates a new, opaque thread identifier of the form "th-xxxx".
func (g *Generator) NewThreadID() (string, error) {
	hash, err := g.newHash()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", KindThread, hash), nil
}

// NewCommentID builds a comment ID from its owning thread and 1-based serial.
// Comment IDs are not random: they are fully determined by the thread they
// belong to and the position they occupy within it.
func NewCommentID(threadID string, n int) string {
	return fmt.Sprintf("%s.%d", threadID, n)
}

// Parse decomposes an opaque review or thread ID into its kind and hash.
func Parse(id string) (Parsed, error) {
	for _, kind := range []Kind{KindReview, KindThread} {
		prefix := string(kind) + "-"
		if strings.HasPrefix(id, prefix) {
			hash := strings.TrimPrefix(id, prefix)
			if len(hash) < minHashLen || !hasDigit(hash) || !isLowerAlnum(hash) {
				return Parsed{}, errors.Errorf("malformed id %q: hash segment must be at least %d lower-case alphanumeric characters with a digit", id, minHashLen)
			}
			return Parsed{Kind: kind, Hash: hash}, nil
		}
	}
	return Parsed{}, errors.Errorf("unrecognized id %q", id)
}

// ParseCommentID splits a comment ID of the form "<thread_id>.<n>" into its
// owning thread ID and serial number.
func ParseCommentID(id string) (threadID string, serial int, err error) {
	idx := strings.LastIndex(id, ".")
	if idx < 0 {
		return "", 0, errors.Errorf("malformed comment id %q: missing serial separator", id)
	}
	threadID, serialStr := id[:idx], id[idx+1:]
	if _, perr := Parse(threadID); perr != nil {
		return "", 0, errors.Wrapf(perr, "malformed comment id %q", id)
	}
	serial, err = strconv.Atoi(serialStr)
	if err != nil || serial < 1 {
		return "", 0, errors.Errorf("malformed comment id %q: serial must be a positive integer", id)
	}
	return threadID, serial, nil
}

func isLowerAlnum(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

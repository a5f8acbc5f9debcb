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

package eventlog

import (
	"context"
	"encoding/hex"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/bobisme/botcrit/criterr"
)

// Fingerprint captures the (length, content hash) pair used to detect log
// regression: a source-control operation restoring an older copy of a
// review's events.jsonl out from under the process that's supposed to be
// the sole appender.
type Fingerprint struct {
	Length int64
	Hash   string // hex-encoded blake2b-256 digest
}

// Empty is the fingerprint of a log file that does not exist on disk.
var Empty = Fingerprint{Length: 0, Hash: hashBytes(nil)}

func hashBytes(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Fingerprint computes the current (length, hash) of the log file. A
// missing file fingerprints identically to Empty.
func (l *Log) Fingerprint(ctx context.Context) (Fingerprint, error) {
	var fp Fingerprint
	err := l.withSharedLock(ctx, func() error {
		f, err := os.Open(l.Path)
		if os.IsNotExist(err) {
			fp = Empty
			return nil
		}
		if err != nil {
			return criterr.Storagef(err, "opening %s to fingerprint", l.Path)
		}
		defer f.Close()

		h, err := blake2b.New256(nil)
		if err != nil {
			return criterr.Storagef(err, "initializing hash")
		}
		n, err := io.Copy(h, f)
		if err != nil {
			return criterr.Storagef(err, "reading %s to fingerprint", l.Path)
		}
		fp = Fingerprint{Length: n, Hash: hex.EncodeToString(h.Sum(nil))}
		return nil
	})
	if err != nil {
		return Fingerprint{}, err
	}
	return fp, nil
}

// Regressed reports whether current represents a regression relative to prior:
// the file shrank, or it stayed the same length but its content hash
// changed (a same-size restoration of different content).
func Regressed(prior, current Fingerprint) bool {
	if current.Length < prior.Length {
		return true
	}
	if current.Length == prior.Length && current.Hash != prior.Hash {
		return true
	}
	return false
}

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
	"github.com/bobisme/botcrit/criterr"
)

// Select resolves the Adapter to use for dir. An explicit override (the
// --scm selector or an environment variable, resolved by the caller into
// override) always wins. Absent an override, both backends are probed: if
// only one can resolve a root, it is used; if both can, their resolved
// roots must agree or selection fails with an explicit request to
// disambiguate (e.g. a git repo nested inside an hg repo, or vice versa).
func Select(dir string, override Kind) (Adapter, error) {
	switch override {
	case KindGit:
		return NewGit(dir)
	case KindHg:
		return NewHg(dir)
	case "":
		// fall through to auto-detection
	default:
		return nil, criterr.InvalidInputf("scm", "unknown scm backend %q", override)
	}

	git, gitErr := NewGit(dir)
	hg, hgErr := NewHg(dir)

	switch {
	case gitErr == nil && hgErr == nil:
		if git.Root() != hg.Root() {
			return nil, criterr.InvalidInputf("scm",
				"both git (%s) and hg (%s) resolve a root here; pass --scm to disambiguate", git.Root(), hg.Root())
		}
		// Roots agree (a vanishingly rare nested-repo coincidence); prefer
		// git, matching the ecosystem's overwhelming default.
		return git, nil
	case gitErr == nil:
		return git, nil
	case hgErr == nil:
		return hg, nil
	default:
		return nil, criterr.Scmf(gitErr, "%q is not inside a supported source-control working tree", dir)
	}
}

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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAgentExplicitWins(t *testing.T) {
	v := New()
	t.Setenv("BOTCRIT_AGENT", "env-agent")
	agent, err := ResolveAgent(v, "explicit-agent")
	require.NoError(t, err)
	assert.Equal(t, "explicit-agent", agent)
}

func TestResolveAgentFallsBackToEnv(t *testing.T) {
	v := New()
	t.Setenv("BOTCRIT_AGENT", "env-agent")
	agent, err := ResolveAgent(v, "")
	require.NoError(t, err)
	assert.Equal(t, "env-agent", agent)
}

func TestResolveAgentFallsBackToSystemUser(t *testing.T) {
	v := New()
	agent, err := ResolveAgent(v, "")
	require.NoError(t, err)
	assert.NotEmpty(t, agent)
}

func TestResolveSCM(t *testing.T) {
	v := New()
	t.Setenv("BOTCRIT_SCM", "hg")
	assert.Equal(t, "git", ResolveSCM(v, "git"))
	assert.Equal(t, "hg", ResolveSCM(v, ""))
}

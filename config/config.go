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

// Package config resolves the two pieces of ambient configuration every
// front-end needs before it can call into service or query: the caller's
// agent identity, and which SCM backend to use. Both follow the same
// resolution order: an explicit override, then an environment variable,
// then a last-resort default.
package config

import (
	"os/user"

	"github.com/spf13/viper"

	"github.com/bobisme/botcrit/criterr"
)

const envPrefix = "BOTCRIT"

// New builds a viper instance bound to the BOTCRIT_* environment, with
// BOTCRIT_AGENT and BOTCRIT_SCM as its recognized keys.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetDefault("scm", "")
	return v
}

// ResolveAgent determines the acting agent's identity: an explicit argument
// wins, then BOTCRIT_AGENT, then the OS user running the process. Identity
// is an opaque string; it is never authenticated.
func ResolveAgent(v *viper.Viper, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if agent := v.GetString("agent"); agent != "" {
		return agent, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", criterr.InvalidInputf("agent", "no agent identity given, BOTCRIT_AGENT unset, and system user lookup failed: %v", err)
	}
	return u.Username, nil
}

// ResolveSCM determines which SCM backend to use: an explicit argument
// wins, then BOTCRIT_SCM, then "" (meaning auto-detect via scm.Select).
func ResolveSCM(v *viper.Viper, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return v.GetString("scm")
}

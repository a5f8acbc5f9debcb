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

package logging

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForTagsComponent(t *testing.T) {
	entry := For("eventlog")
	assert.Equal(t, "eventlog", entry.Data["component"])
}

func TestConfigureSetsLevel(t *testing.T) {
	require.NoError(t, Configure("warn"))
	assert.Equal(t, "warning", base.GetLevel().String())
	require.NoError(t, Configure("info"))
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	err := Configure("not-a-level")
	assert.Error(t, err)
}

func TestSetOutputRedirects(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	For("eventlog").Info("hello")
	assert.Contains(t, buf.String(), "hello")
}

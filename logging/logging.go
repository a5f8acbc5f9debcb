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

// Package logging owns the one logrus logger every core component derives
// its entries from, so a front-end can set the level or output once instead
// of each package configuring logrus globally on its own.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Configure sets the base logger's level, parsed the same way logrus CLI
// flags do ("debug", "info", "warn", "error", ...).
func Configure(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	return nil
}

// SetOutput redirects the base logger's output, e.g. to a log file instead
// of stderr.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// For returns the entry a component should log through, tagged with its
// name. Components never touch logrus directly, so every entry shares one
// configured level and output.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

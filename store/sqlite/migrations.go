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

package sqlite

import "database/sql"

// migration is one idempotent, additive schema change applied after the
// base schema. None are needed yet: the base schema in schema.go already
// reflects the full v2 projection layout. The list exists so that future
// additive changes (a new index, a new nullable column) have a documented
// place to land without touching the base schema or forcing a rebuild.
type migration struct {
	Name string
	Func func(*sql.DB) error
}

var migrationsList = []migration{}

func applyMigrations(db *sql.DB) error {
	for _, m := range migrationsList {
		if err := m.Func(db); err != nil {
			return err
		}
	}
	return nil
}

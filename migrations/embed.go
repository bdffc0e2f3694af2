// Package migrations holds the goose SQL migrations for the datafiles table
// read by the Postgres datafile source.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

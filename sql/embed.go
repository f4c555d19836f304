// Package sql embeds the goose migrations applied by the migrate job.
package sql

import "embed"

//go:embed *.sql
var FS embed.FS

// Package migrations embeds the SQL half of each schema step. Go hooks for
// guarded ALTERs and backfills are registered in package store under the
// same version numbers.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

package migrations

import "embed"

// FS holds the embedded migration scripts.
//
//go:embed scripts/*.sql
var FS embed.FS

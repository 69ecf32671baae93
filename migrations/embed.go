// Package migrations holds the versioned SQL schema applied at startup.
package migrations

import "embed"

// FS contains the *.up.sql and *.down.sql files.
//
//go:embed *.sql
var FS embed.FS

// Package migrations embeds the PrintWatch schema into the binary so the
// store can be created without SQL files on disk.
package migrations

import "embed"

// FS holds the *.up.sql files, passed to database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS

// Package database provides SQLite connectivity for PrintWatch.
//
// The store is small and local: the transition history shown on the
// dashboard, the last fetched error description table (so a cold start can
// describe errors before the first fetch completes) and the cloud credential
// cache.
//
// This package manages:
//   - Connection setup with WAL mode and a busy timeout
//   - Forward-only schema migrations read from an fs.FS
//   - Health checks and transaction helpers
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database

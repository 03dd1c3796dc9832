// Package dbmigrations exposes embedded SQL migrations for offqueue binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations, one directory per store driver.
//
//go:embed sqlite/*.sql postgres/*.sql
var Files embed.FS

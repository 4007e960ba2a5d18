// Package migrations embeds the cache schema.
package migrations

import "embed"

// FS holds the numbered up/down SQL files read by golang-migrate.
//
//go:embed *.sql
var FS embed.FS

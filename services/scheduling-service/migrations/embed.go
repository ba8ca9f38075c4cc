// Package migrations embeds the service's schema migrations so a deployed
// binary can bring its database up to date without external files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

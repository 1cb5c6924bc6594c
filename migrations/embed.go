// Package migrations holds the risk_log and projections schema.
package migrations

import "embed"

// FS is every {version}_{name}.up.sql / .down.sql pair.
//
//go:embed *.sql
var FS embed.FS

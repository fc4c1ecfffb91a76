// Package migrations embeds the SQL schema so deployments do not depend on a
// migrations directory being present next to the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_init.sql",
	"002_join_requests.sql",
	"003_keys.sql",
}

// Package migrations embeds the schema so binaries can migrate without the
// source tree.
package migrations

import "embed"

// SQL holds the *.up.sql / *.down.sql files under sql/.
//
//go:embed sql/*.sql
var SQL embed.FS

// Dir is the directory inside SQL holding the files.
const Dir = "sql"

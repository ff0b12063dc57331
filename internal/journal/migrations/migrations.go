// Package migrations embeds the journal schema, one directory per SQL
// dialect. Files are applied in version order and recorded in
// schema_migrations.
package migrations

import "embed"

//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS

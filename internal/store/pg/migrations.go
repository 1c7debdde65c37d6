package pg

import "embed"

// Migrations holds the schema files applied at startup.
//
//go:embed migrations/*.sql
var Migrations embed.FS

package postgres

import "embed"

// Migrations holds the schema for the outbox_messages table. Host services
// either run them through the postgres connection hub or fold the SQL into
// their own migration pipeline.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsPath is the directory inside Migrations holding the SQL files.
const MigrationsPath = "migrations"

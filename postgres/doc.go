// Package postgres manages the database/sql pool over the pgx driver and
// runs embedded schema migrations.
package postgres

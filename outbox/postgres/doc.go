// Package postgres is the PostgreSQL outbox repository. Row claims use
// FOR UPDATE SKIP LOCKED and status-checked updates so multiple dispatcher
// instances can drain one table safely.
package postgres

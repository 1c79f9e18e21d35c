// Package backoff provides retry delay helpers: deterministic exponential
// growth for consumer retry policies and jittered variants for transport
// reconnect loops.
package backoff

// Package retry bounds failure-prone operations with a deterministic
// exponential backoff policy and permanent-error classification.
package retry

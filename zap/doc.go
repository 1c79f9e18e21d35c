// Package zap provides the production log.Logger adapter backed by
// go.uber.org/zap, with automatic trace correlation fields.
package zap

// Package log defines the structured logging contract for the event-bus
// integration layer. See the zap subpackage for the production adapter.
package log

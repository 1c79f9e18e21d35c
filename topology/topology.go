package topology

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Broker object name suffixes. Producer and consumer services derive the
// same names from the message type alone, so no topology configuration is
// shared between deployments.
const (
	primaryExchangeSuffix      = "_exchange"
	intermediaryExchangeSuffix = "_intermediary_exchange"
	deadLetterExchangeSuffix   = "_dead_letter_exchange"
	deadLetterQueueSuffix      = "_dead_letter_queue"
	envelopeTypeSuffix         = "Envelope"
)

var (
	ErrTypeNameRequired = errors.New("message type name is required")
	ErrEnvelopeType     = errors.New("envelope types carry no topology of their own")
)

// Topology is the full set of broker object names and settings for one
// message type. It is a pure value derived from the type name; publish and
// subscribe paths share it as the single source of truth.
type Topology struct {
	MessageType          string
	RoutingKey           string
	PrimaryExchange      string
	IntermediaryExchange string
	Queue                string
	DeadLetterExchange   string
	DeadLetterQueue      string
	Durable              bool
	Quorum               bool
}

// Resolve derives the topology for a message type.
//
// Each type gets a durable direct primary exchange, a durable fanout
// intermediary exchange bound to it (the wire-tap: additional consumer
// groups bind to the intermediary without the producer knowing), a durable
// quorum queue named after the type, and a per-type dead-letter exchange
// and queue. The derivation is deterministic: independently deployed
// services agree on every name.
func Resolve(typeName string) (Topology, error) {
	typeName = strings.TrimSpace(typeName)
	if typeName == "" {
		return Topology{}, ErrTypeNameRequired
	}

	if IsEnvelopeType(typeName) {
		return Topology{}, fmt.Errorf("%w: %s", ErrEnvelopeType, typeName)
	}

	name := SnakeCase(typeName)

	return Topology{
		MessageType:          typeName,
		RoutingKey:           name,
		PrimaryExchange:      name + primaryExchangeSuffix,
		IntermediaryExchange: name + intermediaryExchangeSuffix,
		Queue:                name,
		DeadLetterExchange:   name + deadLetterExchangeSuffix,
		DeadLetterQueue:      name + deadLetterQueueSuffix,
		Durable:              true,
		Quorum:               true,
	}, nil
}

// IsEnvelopeType reports whether typeName denotes a transport-level
// container rather than a domain message. Generic instantiations
// (Envelope[OrderCreated]) and types named with an Envelope suffix are
// excluded from topology auto-configuration.
func IsEnvelopeType(typeName string) bool {
	typeName = strings.TrimSpace(typeName)

	if strings.ContainsAny(typeName, "[]") {
		return true
	}

	return strings.HasSuffix(typeName, envelopeTypeSuffix)
}

// SnakeCase converts a Go type name to its broker naming form:
// "OrderCreated" becomes "order_created", "HTTPRequestLogged" becomes
// "http_request_logged". Package qualifiers and pointer markers are
// stripped first.
func SnakeCase(typeName string) string {
	if idx := strings.LastIndex(typeName, "."); idx >= 0 {
		typeName = typeName[idx+1:]
	}

	typeName = strings.TrimPrefix(typeName, "*")

	runes := []rune(typeName)

	var builder strings.Builder

	builder.Grow(len(runes) + len(runes)/2)

	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevBreaks := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])

			if i > 0 && (prevBreaks || (unicode.IsUpper(runes[i-1]) && nextLower)) {
				builder.WriteByte('_')
			}

			builder.WriteRune(unicode.ToLower(r))

			continue
		}

		builder.WriteRune(r)
	}

	return builder.String()
}

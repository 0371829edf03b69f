// Package eventbus carries circuit-breaker transitions, retry attempts and
// lock outcomes to external collectors. The core components only see small
// observer callbacks; this package adapts those callbacks onto pluggable
// sinks (in-memory, Redis pub/sub, NATS, Kafka) and streams events over SSE
// or WebSocket for dashboards. Event delivery is best-effort and never feeds
// back into call outcomes.
package eventbus

// Package forwarder relays single device messages to the downstream WebSocket server.
//
// Invariants:
// - One connection per Forward call; it is closed on every exit path.
// - Exactly one message is sent and exactly one reply is awaited.
// - A call never outlives its timeout; dial retries are bounded.
package forwarder

// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (errors.go, streamer.go, subscription.go, twitch.go, ...) hold the shared
// types and the consumer-side contracts implemented by the adapters. No implementation code.
package domain

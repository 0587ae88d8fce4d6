// Package store defines the persistence collaborators the orchestration
// core consumes: a key-value snapshot store for threads, sessions,
// messages and runs, and an append-only usage-metric store with
// per-(message, metric type) dedupe.
//
// The core treats both as upsert interfaces and never assumes a
// relational model. Two implementations ship in this package: Memory,
// backed by concurrent maps for tests and single-process use, and Redis,
// backed by go-redis for shared deployments.
package store

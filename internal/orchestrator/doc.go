// Package orchestrator runs a pipeline of stages over a validated stage graph.
//
// # Overview
//
// Each stage has its own state machine:
//
//	pending → collecting → collected → valid | invalid
//	collecting → failed
//	pending → blocked
//
// A stage starts once every dependency is valid. Stages whose dependencies
// are satisfied run concurrently, bounded by the pipeline's max_parallel
// setting. A collected artifact is redacted and validated immediately.
//
// # Retries
//
// Collector failures follow a RetryPolicy: up to MaxAttempts attempts with
// exponential backoff. Rate-limited failures wait at least the rate-limit
// floor. Attempts that exceed the stage timeout are abandoned and retried.
// Invalid artifacts are never retried.
//
// # Blocking
//
// When a stage ends invalid or failed, every transitive dependent is marked
// blocked. Independent branches keep running.
//
// # Events
//
// Every transition is appended to the run's event log before the new state
// is published to the artifact store, so a reader that sees a state can
// always find the event that produced it.
package orchestrator

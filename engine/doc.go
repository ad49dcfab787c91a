// Package engine orchestrates complete conversation rounds: it plans a user
// turn on the supervisor's model, dispatches delegated tasks to worker
// agents, streams the synthesized answer back to the caller and records the
// whole lifecycle in the run ledger.
//
// The engine is the main entry point of CrewMesh. A single Engine instance
// serves many crews and conversations concurrently; per-round state lives in
// the round's goroutines and the configured stores.
package engine

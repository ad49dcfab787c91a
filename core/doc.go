// Package core contains the shared domain types of CrewMesh: conversation
// messages, supervisor plans and tasks, task outcomes, run records and the
// error taxonomy used across the orchestration pipeline.
//
// The types in this package are deliberately free of behavior beyond
// validation helpers so they can be persisted, logged and transported without
// pulling in engine dependencies. Higher level packages (planner, dispatch,
// executor, synth, engine) operate on these types.
package core

// Package model defines the provider-agnostic language model interface used
// by the planner, executor and synthesizer, plus a registry that resolves
// "provider:model-id" selectors to concrete backends.
//
// Concrete adapters live in the subpackages model/openai and model/anthropic.
// A MockModel is included for tests and examples.
package model

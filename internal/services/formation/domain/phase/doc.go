// Package phase owns the phase catalog and the transition rules of the
// formation state machine.
//
// The catalog is business configuration: an ordered list of phases, the
// checkpoints each phase requires, the forward advancement graph and the
// administrative regression edges. It is loaded from YAML and validated once
// at load time so every later transition check can assume a well-formed graph.
//
// CanTransition is consulted by the command layer before a transition-causing
// event is appended. The journal itself only enforces sequence integrity.
package phase

// Package types defines the core data structures shared across HakuRiver's
// host and worker processes: nodes, tasks (command and VPS), heartbeats,
// registration and submission payloads.
//
// Tasks are modeled as a single struct with a Type discriminator rather than
// as separate Command/VPS types, since the two only diverge in a handful of
// fields and share one status state machine end to end.
package types

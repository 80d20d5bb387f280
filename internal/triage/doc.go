// Package triage provides the intake boundary for Guardian's reading
// pipeline. It defines the Service (persist, window, evaluate, alert or
// enqueue), the pure Evaluator, the sharded WindowStore, the Dispatcher that
// keeps per-subject ordering, the Store interface, and the task model handed
// to investigation workers.
package triage

// Package orchestrate implements an orchestration-style saga coordinator
// for distributed transactions with compensation.
//
// Sagas orchestrate the execution of a set of asynchronous tasks that can fail.
// The saga pattern provides useful semantics for unwinding the whole operation
// when any task fails.  For more on distributed sagas, see this 2017 JOTB talk
// by Caitie McCaffrey: https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// Overview
//
// 1. Define your participants as Steps:
//   - Each Step pairs an idempotent forward action with an idempotent
//     compensating action, both keyed by (saga ID, step name).
//   - Use `NewStep` to build one from plain functions.
//
// 2. Create a StepRegistry:
//   - Register every Step by name so sagas can be re-instantiated from the
//     saga log after a restart.
//
// 3. Build a Plan:
//   - A Plan is an ordered, non-empty sequence of uniquely named steps,
//     assembled with a PlanBuilder.
//
// 4. Run your sagas:
//   - Create a SagaLog implementation. Use NewMemoryLog for testing, or
//     NewFileLog / NewRedisLog for durable storage.
//   - Create a Coordinator and Submit plans to it. Each saga runs on its own
//     goroutine; step i+1 never starts until step i's success has been
//     durably appended to the log. On failure, previously succeeded steps
//     are compensated in strict reverse order.
//   - Call Recover at startup to resume sagas that were in flight when the
//     process last stopped.
package orchestrate

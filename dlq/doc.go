// Package dlq provides the dead letter queue for executions that
// exhausted their retry budget. It supports inspection, replay, and
// purging.
//
// When an execution's step fails and its retry budget is exhausted, the
// runner calls [Service.Push] to move it into the DLQ. The original
// input, error message, and attempt count are preserved for debugging.
//
// Replaying an entry creates a brand new pending execution with the
// same workflow and input; it does not resume the failed execution in
// place.
package dlq

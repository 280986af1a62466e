// Package event implements the in-process event bus: immutable envelopes,
// a handler registry, concurrent fan-out dispatch, and failure handling.
//
// Publishing is fire-and-forget. The bus stamps and persists the envelope,
// forwards it to the optional coordination store, then dispatches it
// asynchronously to every handler registered for its type. Handlers run
// concurrently and independently; an event completes when at least one
// handler succeeds. When every handler fails, the event is retried with
// exponential backoff until its retry budget is exhausted, then moved to
// the dead-letter queue for inspection or manual requeue.
//
// Persisted events can be replayed by time window and type filter. Replay
// re-dispatches copies marked replaying and never rewrites the causal chain.
package event

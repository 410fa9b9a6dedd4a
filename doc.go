// Package loom provides a durable workflow orchestrator execution
// engine for Go. It claims pending executions from a store, interprets
// each one against a pinned workflow definition step by step, and
// persists a resumable checkpoint after every step so a crash never
// loses more than the step in flight.
//
// Loom is a library, not a service. Import it, configure a store and a
// step-handler registry, and start the worker pool.
//
// # Quick Start
//
//	e, err := loom.New(
//	    loom.WithStore(pgStore),
//	    loom.WithDLQStore(pgStore),
//	    loom.WithResolver(resolver),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := e.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Stop(context.Background())
//
//	execID, status, err := e.SubmitEvent(ctx, "order-fulfillment", input, "order-42")
//
// # Architecture
//
// The persistence contract is split across two small interfaces,
// execution.Store and dlq.Store, so a single backend (store/postgres,
// or store/memory for tests) can implement both. Step behavior is
// pluggable through handler.Registry; loom ships a handful of builtin
// step types and lets callers register their own.
package loom

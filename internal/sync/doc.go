// Package sync implements the Sync Engine: the state machine that moves
// Change Journal entries to the server and server changes into the Local
// Store.
//
// # Cycle
//
// One sync cycle walks
//
//	Idle -> Pushing -> Pulling -> Idle
//
// Pushing drains the journal in batches and sends each entry with the server
// version it was based on. The server answers every change with one of
//
//   - accepted: the entry is acknowledged and the local copy moves onto the
//     new version
//   - conflict: the server copy is handed to the Conflict Resolver and the
//     resolution replaces the entity's journal entries
//   - rejected: the entry is dropped, the local copy rolled back and the
//     user notified
//
// Pulling fetches every entity the server changed since the stored cursor
// and applies it to the Local Store, skipping entities with unpushed local
// changes.
//
// # Failure
//
// A transport failure while pushing releases every drained entry back to the
// journal and ends the cycle; a failure while pulling ends it too. Either way
// the next cycle waits for an exponential backoff, which resets after a cycle
// completes without error. Every network call runs under its own timeout.
//
// # Concurrency
//
// Only one cycle runs at a time. Trigger during a running cycle records that
// another cycle is wanted; exactly one follow-up cycle runs when the current
// one ends, however many triggers arrived meanwhile.
//
// Usage:
//
//	engine := sync.New(localStore, client, sync.Options{Scope: scope})
//	go engine.Run(ctx)
//	...
//	engine.Trigger() // after a realtime notification or a local edit
package sync

// Package journal implements the Change Journal: the durable, ordered queue of
// local mutations that have not yet been acknowledged by the server.
//
// # Overview
//
// Every local write to the Local Store appends an Entry in the same storage
// transaction as the entity write. The Sync Engine drains entries, pushes them,
// and acknowledges or releases them depending on the outcome.
//
// # Coalescing
//
// Appending to an entity that already has a pending (not in-flight) entry
// folds the two into one, keeping the older entry's queue position:
//
//	create + update  -> create (latest payload)
//	update + update  -> update (latest payload)
//	any    + delete  -> delete
//	delete + create  -> update against the last known server version,
//	                    or create if the entity never reached the server
//
// # In-flight entries
//
// Drain hands out at most one entry per entity and never an entry for an
// entity that already has one in flight. The in-flight flag is persisted so a
// second process sharing the store never coalesces into an entry that is
// being pushed; edits made meanwhile become a pending successor entry which
// Rebase moves onto the acknowledged version, or Release folds back into the
// returned entry.
//
// # Storage layout
//
//	journal/e/<createdAt>/<id>          entry JSON, in drain order
//	journal/x/<type>/<entityID>/<id>    per-entity index -> entry key
//	journal/i/<id>                      id index         -> entry key
package journal

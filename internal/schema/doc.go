// Package schema defines the synchronized entities of Tasklytic.
//
// # Overview
//
// Two entity kinds are synchronized between the Local Store and the server:
//
//   - Note - a titled document owned by a user inside a workspace
//   - Block - an ordered unit of content exclusively owned by one Note
//
// Both embed Meta, which carries the bookkeeping every entity shares:
//
//	{
//	  "id": "7c1f...",
//	  "workspace_id": "ws-1",
//	  "version": 4,
//	  "base_version": 3,
//	  "updated_at": 17,
//	  "deleted": false
//	}
//
// # Versions
//
// Version is incremented on every accepted write, local or remote. BaseVersion
// is the last server-acknowledged version the local copy was derived from and
// is zero for an entity that never reached the server. The server compares the
// BaseVersion carried by a push against its current Version to detect
// conflicts.
//
// UpdatedAt is a logical (Lamport) timestamp, never wall clock time.
//
// # Envelopes
//
// Entities cross process boundaries (the change journal, the wire protocol)
// wrapped in an Envelope that records their kind:
//
//	env, err := schema.Encode(note)
//	...
//	entity, err := env.Decode()
package schema

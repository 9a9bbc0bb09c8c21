// Package storage defines the contract shared by the two persistence
// backends.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│   Ingest    │────▶│ Coordinator │────▶│ Relational  │
//	│  Pipeline   │     │ (per-sensor │     │  (DuckDB)   │
//	└─────────────┘     │   locks)    │     └─────────────┘
//	                    └─────────────┘            ▲
//	                           │                   │
//	                           ▼                   │
//	                    ┌─────────────┐     ┌─────────────┐
//	                    │   Legacy    │────▶│  Migration  │
//	                    │ (op log)    │     │   Runner    │
//	                    └─────────────┘     └─────────────┘
//
// Exactly two implementations exist: legacy.Store, the append-only
// operation log that predates the relational schema, and relational.Store.
// Which one serves a call is decided when the coordinator is built, never
// by inspecting a backend at call time.
package storage

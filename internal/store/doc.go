// Package store provides SQLite-backed durable storage for convtrack.
//
// Two tables live in one database file:
//   - slots: attribution slots keyed by (domain, name). The Jar type
//     exposes them as an attribution.Jar, so a simulated browser keeps
//     its attribution across process runs.
//   - postbacks: one row per conversion key the gateway has accepted.
//     The row is the deduplication marker; the transaction itself is never
//     stored.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait up to 5s for locks
//   - One open connection: SQLite has a single writer
//
// # Time
//
// Timestamps are stored as Unix nanoseconds in UTC. An expires_at of 0
// means the slot never expires.
package store

/*
Package storage defines the Store interface — the single persistence
boundary the record/task/service core is built against — and two
implementations.

MemStore is a BoltDB-backed, single-file store used by unit tests and local
development: fast, deterministic, no external dependencies. PGStore is the
production backend, built on pgx/pgxpool with sqlx for struct-scanning reads,
implementing every transactional primitive the spec requires: spec/molecule
interning, record create/transition/delete, task create/claim/return/reset,
service create/claim-iteration/save-state, manager register/heartbeat/sweep,
and output blob put/replace — each one atomic within a single database
transaction, using SELECT ... FOR UPDATE SKIP LOCKED for claim-style reads so
concurrent managers and service-iteration workers never observe or steal
each other's rows.

Callers never compose a multi-row invariant (e.g. "claim then mark running
then append history") from smaller Store calls across transactions; each
Store method that needs that is responsible for its own atomicity.
*/
package storage

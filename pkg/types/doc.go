/*
Package types defines the data model shared across every package in the
record/task/service core: molecules and specifications (content-addressed
and immutable once interned), records (the tagged-union unit of computed
knowledge, dispatched on RecordType), task rows and service rows (a record's
mutually exclusive claimable-work envelope), managers (registered external
worker processes), and output blobs.

These are plain structs with json/db tags, shared by value or pointer across
pkg/specs, pkg/molecules, pkg/records, pkg/tasks, pkg/service, pkg/managers,
pkg/outputs, and pkg/api. None of them carry behavior beyond small
conveniences (Priority.Weight); the packages above own every state
transition and invariant.
*/
package types

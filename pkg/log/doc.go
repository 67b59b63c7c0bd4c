/*
Package log provides structured logging for Fleet using zerolog.

It wraps zerolog to give every component a JSON- or console-formatted
logger tagged with a component name, plus helpers for tagging loggers
with a record id or manager name. All logs carry timestamps and can be
filtered by level for production debugging.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	schedulerLog := log.WithComponent("tasks")
	schedulerLog.Info().Str("record_id", id).Msg("task claimed")

This package integrates with pkg/records (status transitions), pkg/tasks
(claim/return), pkg/service (iteration), pkg/managers (heartbeat sweep),
and pkg/api (request logging).
*/
package log

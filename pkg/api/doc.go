/*
Package api implements the HTTP/JSON adapter for the record/task/service
core (C8). It is the only way an external client — a submission script, a
manager process, or an admin tool — reaches pkg/records, pkg/tasks,
pkg/molecules, pkg/specs, and pkg/managers; the packages themselves know
nothing about HTTP.

# Routes

Every route lives under /v1 and is implemented with chi:

	POST   /v1/records/{type}     create a record (spec + molecules + tag + priority)
	GET    /v1/records/{id}       fetch a record
	POST   /v1/records/query      filtered, paginated record listing
	PATCH  /v1/records            apply a status-transition action to a batch of ids
	POST   /v1/tasks/claim        a manager claims up to limit ready tasks
	POST   /v1/tasks/return       a manager returns results for claimed tasks
	POST   /v1/managers/activate  register (or reactivate) a manager
	POST   /v1/managers/heartbeat record a liveness ping
	POST   /v1/molecules          intern a mixed batch of molecule literals/ids
	GET    /v1/molecules/{id}     fetch a molecule

/health, /ready, and /live report process and dependency health; /metrics
serves the Prometheus collectors in pkg/metrics.

# Errors

Handlers never write a bare 500 for a domain error: every ferrors.Kind the
core returns maps to a specific HTTP status and a {"error":"...","kind":"..."}
body (see respond.go). An error with no Kind is logged and reported as 500.

# Validation

Request bodies are decoded into package-local DTOs and checked with
go-playground/validator before they're converted into storage/types
values; a validation failure never reaches pkg/records et al.
*/
package api

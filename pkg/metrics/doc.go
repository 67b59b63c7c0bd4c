/*
Package metrics exposes Prometheus collectors and a lightweight component
health aggregator for the record/task/service core.

Series cover record counts by type/status, dedup hits on specifications and
molecules, task queue depth and claim/return throughput, service iteration
latency by record type, manager liveness, and API request counts/latency.
Handler() serves them on /metrics for a Prometheus scrape.

RegisterComponent/GetHealth/GetReadiness back the /health and /ready HTTP
endpoints pkg/api exposes: components (storage, api) report in, and the
aggregate status degrades to unhealthy/not_ready if any of them does.
*/
package metrics

// Package api serves the read-only HTTP query interface over task and
// schedule executions, plus the requeue action, health and metrics.
//
// Routes:
//
//	GET  /api/tasks                 ?state=&queue=&task=&order=-created&limit=&offset=
//	GET  /api/tasks/{id}
//	POST /api/tasks/{id}/requeue
//	GET  /api/schedules
//	GET  /api/schedules/{name}
//	GET  /healthz
//	GET  /metrics
//	GET  /debug/pprof/*             (when enabled)
package api

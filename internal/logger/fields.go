package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the call chain via context.
const (
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldChunkID   = "chunk_id"
	FieldWorkerID  = "worker_id"
	FieldProvider  = "provider"
	FieldComponent = "component"
	FieldOwner     = "owner"
)

// Metric fields, attached per entry for aggregation.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
	FieldAttempt    = "attempt"
	FieldRowIndex   = "row_index"
)

package domain

import "time"

// ChunkStatus represents the processing state of a chunk.
type ChunkStatus string

const (
	ChunkStatusPending    ChunkStatus = "pending"
	ChunkStatusProcessing ChunkStatus = "processing"
	ChunkStatusComplete   ChunkStatus = "complete"
	ChunkStatusFailed     ChunkStatus = "failed"
)

// IsTerminal reports whether the chunk will not be processed again.
func (s ChunkStatus) IsTerminal() bool {
	return s == ChunkStatusComplete || s == ChunkStatusFailed
}

// Chunk is a contiguous, independently retryable slice of a job's rows.
// Rows covered are [RowStart, RowEnd).
type Chunk struct {
	ID           string      `gorm:"type:text;primaryKey" json:"id"`
	JobID        string      `gorm:"type:text;not null;index:idx_chunks_job_index,unique" json:"job_id"`
	Index        int         `gorm:"column:chunk_index;not null;index:idx_chunks_job_index,unique" json:"index"`
	RowStart     int         `gorm:"not null" json:"row_start"`
	RowEnd       int         `gorm:"not null" json:"row_end"`
	Status       ChunkStatus `gorm:"type:text;index:idx_chunks_status_ready;default:pending" json:"status"`
	SuccessCount int         `gorm:"default:0" json:"success_count"`
	ErrorCount   int         `gorm:"default:0" json:"error_count"`
	Attempts     int         `gorm:"default:0" json:"attempts"`
	LastError    string      `gorm:"type:text" json:"last_error,omitempty"`
	NextRunAt    time.Time   `gorm:"index:idx_chunks_status_ready" json:"next_run_at"`
	ClaimedAt    *time.Time  `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`

	Job *Job `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the database table name for Chunk.
func (Chunk) TableName() string {
	return "chunks"
}

// RowCount returns the number of rows the chunk covers.
func (c *Chunk) RowCount() int {
	return c.RowEnd - c.RowStart
}

package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JobStatus represents the lifecycle state of an upload job.
type JobStatus string

const (
	JobStatusReceived            JobStatus = "received"
	JobStatusChunking            JobStatus = "chunking"
	JobStatusProcessing          JobStatus = "processing"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCancelled           JobStatus = "cancelled"
)

// IsTerminal reports whether no further processing happens for the job.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// TerminalJobStatuses lists every terminal job status.
var TerminalJobStatuses = []JobStatus{
	JobStatusCompleted,
	JobStatusCompletedWithErrors,
	JobStatusFailed,
	JobStatusCancelled,
}

// ColumnMapping maps canonical fields to source column names.
type ColumnMapping map[Field]string

// Value implements the driver.Valuer interface for database serialization.
func (m ColumnMapping) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (m *ColumnMapping) Scan(value interface{}) error {
	if value == nil {
		*m = ColumnMapping{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan ColumnMapping")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// Job represents one catalog upload and its aggregate progress.
// Counters are only ever changed through atomic increments.
type Job struct {
	ID             string        `gorm:"type:text;primaryKey" json:"id"`
	Owner          string        `gorm:"type:text;not null;index" json:"owner"`
	SourceFilename string        `gorm:"type:text" json:"source_filename"`
	SourceKey      string        `gorm:"type:text" json:"source_key,omitempty"`
	TotalRows      int           `gorm:"default:0" json:"total_rows"`
	Mapping        ColumnMapping `gorm:"type:text" json:"mapping"`
	Status         JobStatus     `gorm:"type:text;index;default:received" json:"status"`
	ProcessedCount int           `gorm:"default:0" json:"processed_count"`
	SucceededCount int           `gorm:"default:0" json:"succeeded_count"`
	FailedCount    int           `gorm:"default:0" json:"failed_count"`
	ChunkCount     int           `gorm:"default:0" json:"chunk_count"`
	FailureReason  string        `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string {
	return "jobs"
}

// JobErrorCount is the pre-aggregated error summary row for one (job, kind) pair.
type JobErrorCount struct {
	JobID       string       `gorm:"type:text;primaryKey" json:"job_id"`
	Kind        RowErrorKind `gorm:"type:text;primaryKey" json:"kind"`
	Occurrences int          `gorm:"not null;default:0" json:"occurrences"`

	Job *Job `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the database table name for JobErrorCount.
func (JobErrorCount) TableName() string {
	return "job_error_counts"
}

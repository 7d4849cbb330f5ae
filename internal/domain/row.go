package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Field is a canonical catalog column.
type Field string

const (
	FieldCode     Field = "code"
	FieldASIN     Field = "asin"
	FieldTitle    Field = "title"
	FieldCost     Field = "cost"
	FieldCaseCost Field = "case_cost"
	FieldPackSize Field = "pack_size"
	FieldMOQ      Field = "moq"
	FieldBrand    Field = "brand"
)

// AllFields lists the canonical fields in mapping priority order.
var AllFields = []Field{FieldCode, FieldASIN, FieldTitle, FieldCost, FieldCaseCost, FieldPackSize, FieldMOQ, FieldBrand}

// RawValues holds a row's source values keyed by canonical field.
type RawValues map[Field]string

// Value implements the driver.Valuer interface for database serialization.
func (r RawValues) Value() (driver.Value, error) {
	if r == nil {
		return "{}", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (r *RawValues) Scan(value interface{}) error {
	if value == nil {
		*r = RawValues{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan RawValues")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, r)
}

// RowInput is one mapped input record, before persistence.
type RowInput struct {
	SourceLine int
	Values     RawValues
	// Cost is the per-unit cost computed at import; nil when it could not be parsed.
	Cost *float64
}

// JobRow is a persisted input row. Index is the 0-based position within the job.
type JobRow struct {
	JobID      string    `gorm:"type:text;primaryKey" json:"job_id"`
	Index      int       `gorm:"column:row_index;primaryKey;autoIncrement:false" json:"index"`
	SourceLine int       `json:"source_line"`
	Values     RawValues `gorm:"type:text" json:"values"`
	Cost       *float64  `json:"cost,omitempty"`

	Job *Job `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the database table name for JobRow.
func (JobRow) TableName() string {
	return "job_rows"
}

// RowStatus is the per-row outcome.
type RowStatus string

const (
	RowStatusSucceeded RowStatus = "succeeded"
	RowStatusFailed    RowStatus = "failed"
)

// ResolutionSource records where a row's marketplace identifier came from.
type ResolutionSource string

const (
	ResolutionCache    ResolutionSource = "cache"
	ResolutionProvider ResolutionSource = "provider"
	ResolutionManual   ResolutionSource = "manual"
)

// RowResult is the persisted outcome of processing one row. At most one
// exists per (JobID, RowIndex).
type RowResult struct {
	ID               string           `gorm:"type:text;primaryKey" json:"id"`
	JobID            string           `gorm:"type:text;not null;index:idx_row_results_job_row,unique" json:"job_id"`
	RowIndex         int              `gorm:"not null;index:idx_row_results_job_row,unique" json:"row_index"`
	ChunkID          string           `gorm:"type:text;index" json:"chunk_id"`
	Status           RowStatus        `gorm:"type:text;not null" json:"status"`
	ErrorKind        RowErrorKind     `gorm:"type:text" json:"error_kind,omitempty"`
	ErrorMessage     string           `gorm:"type:text" json:"error_message,omitempty"`
	Code             string           `gorm:"type:text" json:"code,omitempty"`
	ASIN             *string          `gorm:"type:text" json:"asin,omitempty"`
	ResolutionSource ResolutionSource `gorm:"type:text" json:"resolution_source,omitempty"`
	Title            string           `gorm:"type:text" json:"title,omitempty"`
	PartialData      bool             `json:"partial_data"`

	Cost          float64 `json:"cost"`
	Price         float64 `json:"price"`
	FeesTotal     float64 `json:"fees_total"`
	ReferralFee   float64 `json:"referral_fee"`
	FulfilmentFee float64 `json:"fulfilment_fee"`
	SalesRank     int     `json:"sales_rank"`
	MonthlyUnits  int     `json:"monthly_units"`

	NetProfit  float64 `json:"net_profit"`
	ROIPct     float64 `json:"roi_pct"`
	ROIDefined bool    `json:"roi_defined"`
	MarginPct  float64 `json:"margin_pct"`
	Tier       Tier    `gorm:"type:text" json:"tier,omitempty"`

	ProcessedAt time.Time `json:"processed_at"`

	Job *Job `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the database table name for RowResult.
func (RowResult) TableName() string {
	return "row_results"
}

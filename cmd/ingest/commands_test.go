package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/service"
)

func TestParseMapping(t *testing.T) {
	testCases := []struct {
		name    string
		raw     map[string]string
		want    domain.ColumnMapping
		wantErr string
	}{
		{
			name: "empty uses proposal",
			raw:  nil,
			want: nil,
		},
		{
			name: "fields are normalized",
			raw:  map[string]string{"Code": "UPC", " cost ": " Unit Cost "},
			want: domain.ColumnMapping{domain.FieldCode: "UPC", domain.FieldCost: "Unit Cost"},
		},
		{
			name:    "unknown field",
			raw:     map[string]string{"colour": "Colour"},
			wantErr: "unknown mapping field",
		},
		{
			name:    "blank column",
			raw:     map[string]string{"code": "  "},
			wantErr: "has no column",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseMapping(tc.raw)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPrintSummary(t *testing.T) {
	view := &service.JobStatusView{
		Job: &domain.Job{
			ID:             "job-1",
			SourceFilename: "catalog.csv",
			Status:         domain.JobStatusCompletedWithErrors,
			TotalRows:      3,
			SucceededCount: 2,
			FailedCount:    1,
		},
		Errors: []domain.JobErrorCount{{JobID: "job-1", Kind: "resolution_not_found", Occurrences: 1}},
	}

	var buf bytes.Buffer
	printSummary(&buf, view)

	out := buf.String()
	assert.Contains(t, out, "job job-1 (catalog.csv): completed_with_errors")
	assert.Contains(t, out, "rows: 3 total, 2 succeeded, 1 failed")
	assert.Contains(t, out, "resolution_not_found: 1")
}

package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/source"
)

func table(headers []string, rows ...[]string) *source.Table {
	t := &source.Table{Format: "csv", Headers: headers}
	for i, r := range rows {
		t.Rows = append(t.Rows, source.Row{Line: i + 2, Values: r})
	}
	return t
}

// TestProposeMapping covers the exact, containment and sniffing passes.
func TestProposeMapping(t *testing.T) {
	testCases := []struct {
		name        string
		table       *source.Table
		want        domain.ColumnMapping
		valid       bool
		missing     []domain.Field
		costDerived bool
	}{
		{
			name:  "exact synonyms",
			table: table([]string{"UPC", "Product Name", "Unit Cost", "Brand"}),
			want: domain.ColumnMapping{
				domain.FieldCode:  "UPC",
				domain.FieldTitle: "Product Name",
				domain.FieldCost:  "Unit Cost",
				domain.FieldBrand: "Brand",
			},
			valid: true,
		},
		{
			name:  "case cost beats cost on containment",
			table: table([]string{"EAN Barcode", "Product Description", "Case Cost (GBP)", "Units Per Case"}),
			want: domain.ColumnMapping{
				domain.FieldCode:     "EAN Barcode",
				domain.FieldTitle:    "Product Description",
				domain.FieldCaseCost: "Case Cost (GBP)",
				domain.FieldPackSize: "Units Per Case",
			},
			valid:       true,
			costDerived: true,
		},
		{
			name: "identifiers sniffed from values",
			table: table([]string{"Item", "Ref", "Buy Price", "Listing"},
				[]string{"Widget", "012345678905", "1.00", "B000000001"},
				[]string{"Gadget", "5012345678900", "2.50", "B000000002"},
			),
			want: domain.ColumnMapping{
				domain.FieldCode: "Ref",
				domain.FieldASIN: "Listing",
				domain.FieldCost: "Buy Price",
			},
			valid: true,
		},
		{
			name:    "missing cost",
			table:   table([]string{"UPC", "Title"}),
			want:    domain.ColumnMapping{domain.FieldCode: "UPC", domain.FieldTitle: "Title"},
			missing: []domain.Field{domain.FieldCost},
		},
		{
			name:    "nothing recognised",
			table:   table([]string{"foo", "bar"}, []string{"x", "y"}),
			want:    domain.ColumnMapping{},
			missing: []domain.Field{domain.FieldCode, domain.FieldCost},
		},
	}

	mapper := NewColumnMapper()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapper.Propose(tc.table)
			assert.Equal(t, tc.want, got.Mapping)
			assert.Equal(t, tc.valid, got.Valid)
			assert.Equal(t, tc.missing, got.Missing)
			assert.Equal(t, tc.costDerived, got.CostDerived)
		})
	}
}

func TestProposeReportsUnmappedColumns(t *testing.T) {
	got := NewColumnMapper().Propose(table([]string{"UPC", "Cost", "Colour"}))
	assert.True(t, got.Valid)
	assert.Equal(t, []string{"Colour"}, got.Unmapped)
}

func TestValidateMapping(t *testing.T) {
	headers := []string{"UPC", "Cost", "Title"}
	testCases := []struct {
		name    string
		mapping domain.ColumnMapping
		wantErr bool
	}{
		{"valid", domain.ColumnMapping{domain.FieldCode: "UPC", domain.FieldCost: "Cost"}, false},
		{"header match ignores case", domain.ColumnMapping{domain.FieldCode: "upc", domain.FieldCost: "cost"}, false},
		{"unknown field", domain.ColumnMapping{domain.FieldCode: "UPC", domain.FieldCost: "Cost", "colour": "Title"}, true},
		{"missing column", domain.ColumnMapping{domain.FieldCode: "EAN", domain.FieldCost: "Cost"}, true},
		{"no identifier", domain.ColumnMapping{domain.FieldTitle: "Title", domain.FieldCost: "Cost"}, true},
		{"no cost", domain.ColumnMapping{domain.FieldCode: "UPC"}, true},
	}

	mapper := NewColumnMapper()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := mapper.Validate(tc.mapping, headers)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMapping)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyMapping(t *testing.T) {
	mapper := NewColumnMapper()

	t.Run("unit cost column", func(t *testing.T) {
		tbl := table([]string{"UPC", "Cost", "Title"},
			[]string{"012345678905", "$1,299.50", "Widget"},
			[]string{"5012345678900", "n/a", ""},
		)
		inputs, err := mapper.ApplyMapping(tbl, domain.ColumnMapping{
			domain.FieldCode:  "UPC",
			domain.FieldCost:  "Cost",
			domain.FieldTitle: "Title",
		})
		require.NoError(t, err)
		require.Len(t, inputs, 2)

		assert.Equal(t, 2, inputs[0].SourceLine)
		assert.Equal(t, "012345678905", inputs[0].Values[domain.FieldCode])
		assert.Equal(t, "Widget", inputs[0].Values[domain.FieldTitle])
		require.NotNil(t, inputs[0].Cost)
		assert.InDelta(t, 1299.5, *inputs[0].Cost, 1e-9)

		assert.Nil(t, inputs[1].Cost)
		_, hasTitle := inputs[1].Values[domain.FieldTitle]
		assert.False(t, hasTitle, "blank cells are omitted")
	})

	t.Run("cost derived from case cost", func(t *testing.T) {
		tbl := table([]string{"Code", "Case Cost", "Pack Size"},
			[]string{"012345678905", "12.00", "6"},
			[]string{"012345678905", "10", "3"},
			[]string{"012345678905", "10", "0"},
		)
		inputs, err := mapper.ApplyMapping(tbl, domain.ColumnMapping{
			domain.FieldCode:     "Code",
			domain.FieldCaseCost: "Case Cost",
			domain.FieldPackSize: "Pack Size",
		})
		require.NoError(t, err)
		require.Len(t, inputs, 3)

		require.NotNil(t, inputs[0].Cost)
		assert.InDelta(t, 2.0, *inputs[0].Cost, 1e-9)
		require.NotNil(t, inputs[1].Cost)
		assert.InDelta(t, 3.3333, *inputs[1].Cost, 1e-9)
		assert.Nil(t, inputs[2].Cost)
	})

	t.Run("invalid mapping", func(t *testing.T) {
		_, err := mapper.ApplyMapping(table([]string{"UPC"}), domain.ColumnMapping{domain.FieldCode: "UPC"})
		assert.ErrorIs(t, err, ErrInvalidMapping)
	})
}

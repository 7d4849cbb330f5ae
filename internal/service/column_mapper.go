package service

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/source"
)

// sniffThreshold is the share of non-blank preview values that must look
// like an identifier before a column is mapped by content.
const sniffThreshold = 0.8

var (
	codePattern   = regexp.MustCompile(`^\d{12,14}$`)
	asinPattern   = regexp.MustCompile(`^B0[A-Z0-9]{8}$`)
	nonAlnumChars = regexp.MustCompile(`[^a-z0-9]+`)
)

// defaultSynonyms lists the header spellings recognised for each canonical field.
var defaultSynonyms = map[domain.Field][]string{
	domain.FieldCode: {
		"upc", "ean", "gtin", "barcode", "bar code", "upc ean", "ean upc",
		"upc code", "ean code", "ean13", "upc12", "gtin14", "product code", "code",
	},
	domain.FieldASIN: {"asin", "amazon asin", "amazon id"},
	domain.FieldTitle: {
		"title", "name", "product name", "product title", "item name",
		"description", "product description", "item description",
	},
	domain.FieldCost: {
		"cost", "unit cost", "cost price", "cost per unit", "price", "unit price",
		"wholesale", "wholesale price", "buy price", "net price",
	},
	domain.FieldCaseCost: {
		"case cost", "case price", "carton cost", "carton price", "cost per case",
		"outer cost", "outer price", "pack cost", "pack price",
	},
	domain.FieldPackSize: {
		"pack size", "case pack", "case qty", "case quantity", "units per case",
		"qty per case", "pack qty", "pack quantity", "inner qty", "outer qty",
		"carton qty", "units per carton",
	},
	domain.FieldMOQ: {
		"moq", "minimum order", "min order", "min order qty", "minimum order quantity",
		"min qty",
	},
	domain.FieldBrand: {"brand", "brand name", "manufacturer", "make"},
}

// MappingProposal is the mapper's suggestion for an uploaded table.
type MappingProposal struct {
	Mapping     domain.ColumnMapping `json:"mapping"`
	Valid       bool                 `json:"valid"`
	Missing     []domain.Field       `json:"missing,omitempty"`
	CostDerived bool                 `json:"cost_derived"`
	Unmapped    []string             `json:"unmapped_columns,omitempty"`
}

// ColumnMapper proposes and applies source column to canonical field mappings.
type ColumnMapper struct {
	synonyms map[domain.Field][]string
}

// NewColumnMapper creates a mapper with the built-in synonym dictionary.
func NewColumnMapper() *ColumnMapper {
	synonyms := make(map[domain.Field][]string, len(defaultSynonyms))
	for field, words := range defaultSynonyms {
		normalized := make([]string, len(words))
		for i, w := range words {
			normalized[i] = normalizeHeader(w)
		}
		synonyms[field] = normalized
	}
	return &ColumnMapper{synonyms: synonyms}
}

// Propose matches preview headers against the synonym dictionary.
// Matching runs in three passes: exact synonym, synonym contained in the
// header (longest synonym wins), then identifier sniffing on cell values.
// Each column is assigned to at most one field.
func (m *ColumnMapper) Propose(preview *source.Table) *MappingProposal {
	mapping := domain.ColumnMapping{}
	used := make(map[int]bool, len(preview.Headers))
	normalized := make([]string, len(preview.Headers))
	for i, h := range preview.Headers {
		normalized[i] = normalizeHeader(h)
	}

	assign := func(field domain.Field, col int) {
		mapping[field] = preview.Headers[col]
		used[col] = true
	}

	// Exact.
	for _, field := range domain.AllFields {
		for col, header := range normalized {
			if used[col] || header == "" {
				continue
			}
			if containsString(m.synonyms[field], header) {
				assign(field, col)
				break
			}
		}
	}

	// Containment.
	type candidate struct {
		field    domain.Field
		priority int
		col      int
		score    int
	}
	var candidates []candidate
	for priority, field := range domain.AllFields {
		if _, ok := mapping[field]; ok {
			continue
		}
		for col, header := range normalized {
			if used[col] {
				continue
			}
			if score := m.containmentScore(field, header); score > 0 {
				candidates = append(candidates, candidate{field: field, priority: priority, col: col, score: score})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].col < candidates[j].col
	})
	for _, c := range candidates {
		if _, ok := mapping[c.field]; ok || used[c.col] {
			continue
		}
		assign(c.field, c.col)
	}

	// Value sniffing.
	sniffers := []struct {
		field   domain.Field
		pattern *regexp.Regexp
	}{
		{domain.FieldCode, codePattern},
		{domain.FieldASIN, asinPattern},
	}
	for _, s := range sniffers {
		if _, ok := mapping[s.field]; ok {
			continue
		}
		for col := range preview.Headers {
			if used[col] {
				continue
			}
			if columnMatches(preview.Rows, col, s.pattern) {
				assign(s.field, col)
				break
			}
		}
	}

	proposal := &MappingProposal{Mapping: mapping}
	proposal.Missing, proposal.CostDerived = missingFields(mapping)
	proposal.Valid = len(proposal.Missing) == 0
	for col, h := range preview.Headers {
		if !used[col] {
			proposal.Unmapped = append(proposal.Unmapped, h)
		}
	}
	return proposal
}

// Validate checks a user-confirmed mapping against the uploaded headers.
// Returns an error wrapping ErrInvalidMapping describing the first problem.
func (m *ColumnMapper) Validate(mapping domain.ColumnMapping, headers []string) error {
	table := &source.Table{Headers: headers}
	for field, column := range mapping {
		if _, ok := m.synonyms[field]; !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidMapping, field)
		}
		if table.ColumnIndex(column) < 0 {
			return fmt.Errorf("%w: field %q refers to missing column %q", ErrInvalidMapping, field, column)
		}
	}
	if missing, _ := missingFields(mapping); len(missing) > 0 {
		return fmt.Errorf("%w: required fields not mapped: %v", ErrInvalidMapping, missing)
	}
	return nil
}

// ApplyMapping converts table rows into row inputs using a validated mapping.
// Rows whose cost cannot be parsed are still returned with a nil Cost.
func (m *ColumnMapper) ApplyMapping(table *source.Table, mapping domain.ColumnMapping) ([]domain.RowInput, error) {
	if err := m.Validate(mapping, table.Headers); err != nil {
		return nil, err
	}

	columns := make(map[domain.Field]int, len(mapping))
	for field, column := range mapping {
		columns[field] = table.ColumnIndex(column)
	}

	inputs := make([]domain.RowInput, 0, len(table.Rows))
	for _, row := range table.Rows {
		values := make(domain.RawValues, len(columns))
		for field, col := range columns {
			if v := row.Cell(col); v != "" {
				values[field] = v
			}
		}
		inputs = append(inputs, domain.RowInput{
			SourceLine: row.Line,
			Values:     values,
			Cost:       unitCost(values),
		})
	}
	return inputs, nil
}

func (m *ColumnMapper) containmentScore(field domain.Field, header string) int {
	if header == "" {
		return 0
	}
	padded := " " + header + " "
	best := 0
	for _, syn := range m.synonyms[field] {
		if len(syn) > best && strings.Contains(padded, " "+syn+" ") {
			best = len(syn)
		}
	}
	return best
}

// missingFields reports the required fields a mapping lacks and whether cost
// would be derived from case cost and pack size.
func missingFields(mapping domain.ColumnMapping) ([]domain.Field, bool) {
	var missing []domain.Field
	_, hasCode := mapping[domain.FieldCode]
	_, hasASIN := mapping[domain.FieldASIN]
	if !hasCode && !hasASIN {
		missing = append(missing, domain.FieldCode)
	}

	_, hasCost := mapping[domain.FieldCost]
	_, hasCaseCost := mapping[domain.FieldCaseCost]
	_, hasPackSize := mapping[domain.FieldPackSize]
	derived := !hasCost && hasCaseCost && hasPackSize
	if !hasCost && !derived {
		missing = append(missing, domain.FieldCost)
	}
	return missing, derived
}

// unitCost returns the per-unit cost of a row: the cost column when present,
// otherwise case cost divided by pack size.
func unitCost(values domain.RawValues) *float64 {
	if raw, ok := values[domain.FieldCost]; ok {
		v, err := domain.ParseAmount(raw)
		if err != nil {
			return nil
		}
		return &v
	}

	caseRaw, okCase := values[domain.FieldCaseCost]
	packRaw, okPack := values[domain.FieldPackSize]
	if !okCase || !okPack {
		return nil
	}
	caseCost, err := domain.ParseAmount(caseRaw)
	if err != nil {
		return nil
	}
	pack, err := domain.ParseAmount(packRaw)
	if err != nil || pack <= 0 {
		return nil
	}
	v := math.Round(caseCost/pack*10000) / 10000
	return &v
}

func columnMatches(rows []source.Row, col int, pattern *regexp.Regexp) bool {
	seen, matched := 0, 0
	for _, row := range rows {
		v := strings.ToUpper(strings.ReplaceAll(row.Cell(col), " ", ""))
		if v == "" {
			continue
		}
		seen++
		if pattern.MatchString(v) {
			matched++
		}
	}
	return seen > 0 && float64(matched)/float64(seen) >= sniffThreshold
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = nonAlnumChars.ReplaceAllString(h, " ")
	return strings.Join(strings.Fields(h), " ")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

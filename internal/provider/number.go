package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/timmy/sourcescan/internal/domain"
)

// Number decodes a JSON number that providers sometimes send as a string,
// possibly with a currency symbol or thousands separators. null and "" decode to 0.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := domain.ParseAmount(s)
		if err != nil {
			return err
		}
		*n = Number(v)
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", data, err)
	}
	*n = Number(v)
	return nil
}

// Float returns n as a float64.
func (n Number) Float() float64 {
	return float64(n)
}

// Int returns n rounded toward zero.
func (n Number) Int() int {
	return int(n)
}

package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAmount parses a human formatted amount such as "$1,299.50" or "12,5".
// An empty string parses as 0.
func ParseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "$£€ ")
	if s == "" {
		return 0, nil
	}
	switch {
	case strings.Contains(s, ".") && strings.Contains(s, ","):
		s = strings.ReplaceAll(s, ",", "")
	case strings.Count(s, ",") == 1 && len(s)-strings.Index(s, ",") <= 3:
		// Decimal comma, e.g. "12,5" or "3,99".
		s = strings.Replace(s, ",", ".", 1)
	default:
		s = strings.ReplaceAll(s, ",", "")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

package examination

import (
	"fmt"
	"math"
	"strings"
)

// NormalizeRiskScore maps an AI score to [0,1]. Values above 1 are treated
// as percentages. Anything below 0, above 100 or NaN is rejected.
func NormalizeRiskScore(raw float64) (float64, error) {
	if math.IsNaN(raw) || raw < 0 || raw > 100 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRiskScore, raw)
	}
	if raw > 1 {
		return raw / 100, nil
	}
	return raw, nil
}

// ParseRiskLevel accepts Low, Medium or High in any case.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRiskLevel, s)
}

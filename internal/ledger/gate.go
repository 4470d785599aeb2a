package ledger

import "fmt"

// Gate maps a confidence score to a review requirement. Thresholds are fixed
// at construction; a process restart is the only way to change policy.
type Gate struct {
	low  float64
	high float64
}

func NewGate(low, high float64) (*Gate, error) {
	if low < 0 || low > 1 || high < 0 || high > 1 {
		return nil, fmt.Errorf("confidence thresholds must be in [0,1], got low=%v high=%v", low, high)
	}
	if low > high {
		return nil, fmt.Errorf("low threshold %v exceeds high threshold %v", low, high)
	}
	return &Gate{low: low, high: high}, nil
}

// RequiresReview reports whether a decision at this confidence must be routed
// to a human. The boundary passes: confidence equal to the low threshold does
// not require review.
func (g *Gate) RequiresReview(confidence float64) bool {
	return confidence < g.low
}

// AutoAccept reports whether a decision clears the auto-accept boundary.
// Informational for producers (high-stakes modules may still demand review);
// the ledger itself only enforces the low threshold.
func (g *Gate) AutoAccept(confidence float64) bool {
	return confidence >= g.high
}

func (g *Gate) LowThreshold() float64  { return g.low }
func (g *Gate) HighThreshold() float64 { return g.high }

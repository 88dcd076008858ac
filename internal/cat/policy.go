package cat

import "fmt"

// TerminationPolicy decides when a session has collected enough responses.
type TerminationPolicy struct {
	MinItems int     `json:"min_items" mapstructure:"min-items"`
	MaxItems int     `json:"max_items" mapstructure:"max-items"`
	TargetSE float64 `json:"target_se" mapstructure:"target-se"`
}

// DefaultPolicy administers 10 to 50 items and stops early once se <= 0.3.
var DefaultPolicy = TerminationPolicy{
	MinItems: 10,
	MaxItems: 50,
	TargetSE: 0.3,
}

// Validate rejects negative bounds and a maximum below the minimum.
func (p TerminationPolicy) Validate() error {
	if p.MinItems < 0 || p.MaxItems < 0 {
		return fmt.Errorf("%w: item limits must be non-negative (min=%d, max=%d)", ErrInvalidRequest, p.MinItems, p.MaxItems)
	}
	if p.MaxItems < p.MinItems {
		return fmt.Errorf("%w: max_items %d below min_items %d", ErrInvalidRequest, p.MaxItems, p.MinItems)
	}
	if p.TargetSE < 0 {
		return fmt.Errorf("%w: target_se %v is negative", ErrInvalidRequest, p.TargetSE)
	}
	return nil
}

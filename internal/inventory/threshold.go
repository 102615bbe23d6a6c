package inventory

import (
	"errors"
	"fmt"
)

// ThresholdMode selects where a product's stock-alert thresholds come from
type ThresholdMode string

const (
	// ThresholdDefaults uses the tenant-level thresholds
	ThresholdDefaults ThresholdMode = "defaults"
	// ThresholdCustom uses the product's own critical/attention values
	ThresholdCustom ThresholdMode = "custom"
)

// Valid reports whether m is a known threshold mode
func (m ThresholdMode) Valid() bool {
	return m == ThresholdDefaults || m == ThresholdCustom
}

// ErrInvalidThresholds is returned when a threshold change breaks the threshold rule
var ErrInvalidThresholds = errors.New("invalid thresholds")

// ThresholdState is a product's complete threshold configuration
type ThresholdState struct {
	Mode      ThresholdMode
	Critical  *int
	Attention *int
}

// ThresholdInput holds the threshold fields present in one create or update.
// A nil field was not part of the payload.
type ThresholdInput struct {
	Mode      *ThresholdMode
	Critical  *int
	Attention *int
}

// Empty reports whether no threshold field was supplied
func (in ThresholdInput) Empty() bool {
	return in.Mode == nil && in.Critical == nil && in.Attention == nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidThresholds}, args...)...)
}

// ValidateThresholds applies in to current and returns the resulting state.
// current is nil when the product is being created.
//
// The same rule runs on the client before a mutation is queued and on the
// server before a mutation is stored, so both sides reject the same inputs:
//   - "defaults" may not be combined with custom values in the same change,
//     and switching to it clears any stored custom values
//   - "custom" needs both values after the change is applied, both positive,
//     critical strictly less than attention
//   - custom values alone are only accepted on a product already in "custom" mode
func ValidateThresholds(current *ThresholdState, in ThresholdInput) (ThresholdState, error) {
	next := ThresholdState{Mode: ThresholdDefaults}
	if current != nil {
		next = *current
		if next.Mode == "" {
			next.Mode = ThresholdDefaults
		}
	}

	if in.Mode != nil {
		if !in.Mode.Valid() {
			return ThresholdState{}, invalid("unknown threshold mode %q", *in.Mode)
		}
		if *in.Mode == ThresholdDefaults {
			if in.Critical != nil || in.Attention != nil {
				return ThresholdState{}, invalid("custom thresholds are not allowed with mode %q", ThresholdDefaults)
			}
			return ThresholdState{Mode: ThresholdDefaults}, nil
		}
		next.Mode = *in.Mode
	}

	if in.Critical != nil {
		next.Critical = intPtr(*in.Critical)
	}
	if in.Attention != nil {
		next.Attention = intPtr(*in.Attention)
	}

	if next.Mode == ThresholdDefaults {
		if in.Critical != nil || in.Attention != nil {
			return ThresholdState{}, invalid("custom thresholds require mode %q", ThresholdCustom)
		}
		return ThresholdState{Mode: ThresholdDefaults}, nil
	}

	if next.Critical == nil || next.Attention == nil {
		return ThresholdState{}, invalid("mode %q requires both critical and attention thresholds", ThresholdCustom)
	}
	if *next.Critical <= 0 || *next.Attention <= 0 {
		return ThresholdState{}, invalid("thresholds must be positive integers")
	}
	if *next.Critical >= *next.Attention {
		return ThresholdState{}, invalid("critical threshold (%d) must be less than attention threshold (%d)",
			*next.Critical, *next.Attention)
	}
	return next, nil
}

func intPtr(v int) *int {
	return &v
}

// Package fee computes how a released escrow amount is split between the
// doctor and the platform. All arithmetic is on unsigned integers in the
// smallest currency unit.
package fee

import (
	"fmt"
	"math/bits"

	"github.com/medrex/dlt-telehealth/pkg/types"
)

// DefaultPercent is the platform fee applied when none is configured
const DefaultPercent uint8 = 3

// MaxPercent bounds the platform fee
const MaxPercent uint8 = 100

// Policy is an immutable platform fee percentage
type Policy struct {
	percent uint8
}

// Split is the outcome of applying a Policy to an amount. Doctor+Platform always equals the amount.
type Split struct {
	Doctor   uint64 `json:"doctor"`
	Platform uint64 `json:"platform"`
}

// NewPolicy validates percent against [0, MaxPercent]
func NewPolicy(percent uint8) (Policy, error) {
	if percent > MaxPercent {
		return Policy{}, types.NewPolicyViolationError(types.ErrCodeFeeOutOfBounds,
			fmt.Sprintf("platform fee must be within [0,%d] percent, got %d", MaxPercent, percent)).
			WithDetail("percent", percent)
	}
	return Policy{percent: percent}, nil
}

// Default returns the policy with DefaultPercent
func Default() Policy {
	return Policy{percent: DefaultPercent}
}

// Percent returns the configured fee percentage
func (p Policy) Percent() uint8 {
	return p.percent
}

// Split divides amount so the doctor receives amount*(100-percent)/100 rounded
// down; the platform receives the remainder, so no unit is lost.
func (p Policy) Split(amount uint64) Split {
	doctor := mulDiv(amount, uint64(MaxPercent-p.percent), uint64(MaxPercent))
	return Split{Doctor: doctor, Platform: amount - doctor}
}

// mulDiv returns a*b/c rounded down without intermediate overflow. The result
// fits in 64 bits because b <= c.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, c)
	return q
}

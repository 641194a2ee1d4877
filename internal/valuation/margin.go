package valuation

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/model"
)

// Policy is the margin cap: liabilities times the configured ratio must
// not exceed assets. It is checked before opening a long or a short and
// never on closing trades, which can only reduce liability.
type Policy struct {
	engine *Engine
	ratio  decimal.Decimal
}

// NewPolicy creates a margin policy with the given liabilities ratio.
func NewPolicy(engine *Engine, ratio decimal.Decimal) *Policy {
	return &Policy{engine: engine, ratio: ratio}
}

// Exceeds reports whether a hypothetical additional liability on top of
// an existing valuation breaches the cap. The comparison is strictly
// greater-than: the boundary equal case is allowed.
func (p *Policy) Exceeds(sum *Summary, additional decimal.Decimal) bool {
	liabilities := sum.Liabilities.Add(additional)
	return liabilities.Mul(p.ratio).GreaterThan(sum.Assets)
}

// TooMuchLiability values the user and reports whether the prospective
// additional liability would breach the cap.
func (p *Policy) TooMuchLiability(ctx context.Context, user *model.User, additional decimal.Decimal) (bool, error) {
	sum, err := p.engine.Value(ctx, user)
	if err != nil {
		return false, err
	}
	return p.Exceeds(sum, additional), nil
}

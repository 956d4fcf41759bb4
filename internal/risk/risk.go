// Package risk is a stateless policy evaluator. Given a proposed position
// change and the caller-supplied portfolio state it decides pass or reject;
// it never publishes, stores, or calls anything, which keeps it unit-testable
// without a bus or network in sight.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nexium/tradecore/internal/model"
)

// Check names, reported verbatim as rejection reasons. Checks always run in
// this order so reason reporting is deterministic.
const (
	CheckPositionSize        = "max_position_size_pct"
	CheckConcurrentPositions = "max_concurrent_positions"
	CheckSymbolConcentration = "max_symbol_concentration_pct"
	CheckDailyLoss           = "daily_loss_limit_pct"
	CheckDrawdown            = "max_drawdown_pct"
	CheckMarginUtilization   = "max_margin_utilization_pct"
)

// Limits are the six policy thresholds. All are supplied by configuration,
// never hardcoded.
type Limits struct {
	MaxPositionSizePct        float64 `mapstructure:"max_position_size_pct" validate:"gt=0,lte=100"`
	MaxConcurrentPositions    int     `mapstructure:"max_concurrent_positions" validate:"min=1"`
	MaxSymbolConcentrationPct float64 `mapstructure:"max_symbol_concentration_pct" validate:"gt=0,lte=100"`
	DailyLossLimitPct         float64 `mapstructure:"daily_loss_limit_pct" validate:"gt=0,lte=100"`
	MaxDrawdownPct            float64 `mapstructure:"max_drawdown_pct" validate:"gt=0,lte=100"`
	MaxMarginUtilizationPct   float64 `mapstructure:"max_margin_utilization_pct" validate:"gt=0,lte=100"`
}

// DefaultLimits are conservative starting thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSizePct:        10,
		MaxConcurrentPositions:    5,
		MaxSymbolConcentrationPct: 25,
		DailyLossLimitPct:         5,
		MaxDrawdownPct:            15,
		MaxMarginUtilizationPct:   80,
	}
}

// Change is a proposed position change derived from a signal.
type Change struct {
	Symbol   string
	Side     model.Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Notional is the capital the change would commit.
func (c Change) Notional() decimal.Decimal {
	return c.Quantity.Mul(c.Price)
}

// Portfolio is the caller-supplied account state a change is judged against.
type Portfolio struct {
	TotalCapital decimal.Decimal
	Equity       decimal.Decimal
	EquityPeak   decimal.Decimal
	DailyPnL     decimal.Decimal
	MarginUsed   decimal.Decimal
	Positions    []model.Position
}

// Manager evaluates changes against the configured limits.
type Manager struct {
	limits Limits
}

// NewManager creates a risk manager with the given limits.
func NewManager(limits Limits) *Manager {
	return &Manager{limits: limits}
}

type checkResult struct {
	name     string
	ok       bool
	severity float64 // 0-100 normalized
}

// Evaluate runs all six checks. The result rejects if any check fails, with
// the reason naming the first failing check and the score set to the worst
// individual severity.
func (m *Manager) Evaluate(change Change, portfolio Portfolio) model.RiskCheckResult {
	checks := []checkResult{
		m.checkPositionSize(change, portfolio),
		m.checkConcurrentPositions(portfolio),
		m.checkSymbolConcentration(change, portfolio),
		m.checkDailyLoss(portfolio),
		m.checkDrawdown(portfolio),
		m.checkMarginUtilization(portfolio),
	}

	result := model.RiskCheckResult{CanProceed: true}
	worst := 0.0
	for _, c := range checks {
		if c.severity > worst {
			worst = c.severity
		}
		if !c.ok && result.CanProceed {
			result.CanProceed = false
			result.Reason = fmt.Sprintf("%s exceeded", c.name)
		}
	}
	result.RiskScore = int(worst + 0.5)
	if result.RiskScore > 100 {
		result.RiskScore = 100
	}
	return result
}

// severity normalizes utilization against a limit: at the limit the severity
// is 100, half way there it is 50.
func severity(used, limit float64) float64 {
	if limit <= 0 {
		return 100
	}
	s := used / limit * 100
	if s < 0 {
		s = 0
	}
	if s > 100 {
		s = 100
	}
	return s
}

func pctOf(part, whole decimal.Decimal) float64 {
	if whole.IsZero() {
		return 100
	}
	pct, _ := part.Div(whole).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

func (m *Manager) checkPositionSize(change Change, p Portfolio) checkResult {
	pct := pctOf(change.Notional(), p.TotalCapital)
	return checkResult{
		name:     CheckPositionSize,
		ok:       pct <= m.limits.MaxPositionSizePct,
		severity: severity(pct, m.limits.MaxPositionSizePct),
	}
}

func (m *Manager) checkConcurrentPositions(p Portfolio) checkResult {
	open := 0
	for _, pos := range p.Positions {
		if pos.Status == model.PositionStatusOpen {
			open++
		}
	}
	proposed := float64(open + 1)
	return checkResult{
		name:     CheckConcurrentPositions,
		ok:       open+1 <= m.limits.MaxConcurrentPositions,
		severity: severity(proposed, float64(m.limits.MaxConcurrentPositions)),
	}
}

func (m *Manager) checkSymbolConcentration(change Change, p Portfolio) checkResult {
	exposure := change.Notional()
	for _, pos := range p.Positions {
		if pos.Status == model.PositionStatusOpen && pos.Symbol == change.Symbol {
			exposure = exposure.Add(pos.Notional())
		}
	}
	pct := pctOf(exposure, p.TotalCapital)
	return checkResult{
		name:     CheckSymbolConcentration,
		ok:       pct <= m.limits.MaxSymbolConcentrationPct,
		severity: severity(pct, m.limits.MaxSymbolConcentrationPct),
	}
}

func (m *Manager) checkDailyLoss(p Portfolio) checkResult {
	loss := decimal.Zero
	if p.DailyPnL.IsNegative() {
		loss = p.DailyPnL.Neg()
	}
	pct := pctOf(loss, p.TotalCapital)
	return checkResult{
		name:     CheckDailyLoss,
		ok:       pct <= m.limits.DailyLossLimitPct,
		severity: severity(pct, m.limits.DailyLossLimitPct),
	}
}

func (m *Manager) checkDrawdown(p Portfolio) checkResult {
	drawdown := decimal.Zero
	if p.EquityPeak.IsPositive() && p.Equity.LessThan(p.EquityPeak) {
		drawdown = p.EquityPeak.Sub(p.Equity)
	}
	pct := pctOf(drawdown, p.EquityPeak)
	if p.EquityPeak.IsZero() {
		pct = 0
	}
	return checkResult{
		name:     CheckDrawdown,
		ok:       pct <= m.limits.MaxDrawdownPct,
		severity: severity(pct, m.limits.MaxDrawdownPct),
	}
}

func (m *Manager) checkMarginUtilization(p Portfolio) checkResult {
	pct := pctOf(p.MarginUsed, p.Equity)
	if p.Equity.IsZero() && p.MarginUsed.IsZero() {
		pct = 0
	}
	return checkResult{
		name:     CheckMarginUtilization,
		ok:       pct <= m.limits.MaxMarginUtilizationPct,
		severity: severity(pct, m.limits.MaxMarginUtilizationPct),
	}
}

// Package breakeven computes whether the pool is in its buy range.
//
// On-chain values are 18-decimal fixed point. They are converted to float64
// before comparison; thresholds are minute-granular so the precision loss
// does not change outcomes.
package breakeven

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"donut-notifier/internal/domain"
)

// Decimals is the fixed-point scale of price, donutPrice, dps and balances.
const Decimals = 18

// Strategy thresholds in minutes.
const (
	ConservativeMinutes = 30.0
	BalancedMinutes     = 60.0
	AggressiveMinutes   = 120.0

	// Adaptive scales with how many seats the pool balance could pay for.
	AdaptiveMinMinutes     = 30.0
	AdaptiveMaxMinutes     = 240.0
	AdaptiveMinutesPerSeat = 30.0
)

// ToFloat converts an 18-decimal fixed-point value to float64. nil is 0.
func ToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, -Decimals).InexactFloat64()
}

// BreakEvenSeconds returns price / (donutPrice * dps).
// A zero or negative yield returns +Inf: the seat never pays for itself.
func BreakEvenSeconds(price, donutPrice, dps float64) float64 {
	yield := donutPrice * dps
	if yield <= 0 {
		return math.Inf(1)
	}
	return price / yield
}

// TargetMinutes returns the strategy's break-even threshold in minutes.
// Inactive or unknown strategies return 0.
func TargetMinutes(s domain.Strategy, price, poolBalance float64) float64 {
	switch s {
	case domain.StrategyConservative:
		return ConservativeMinutes
	case domain.StrategyBalanced:
		return BalancedMinutes
	case domain.StrategyAggressive:
		return AggressiveMinutes
	case domain.StrategyAdaptive:
		if price <= 0 {
			return AdaptiveMaxMinutes
		}
		target := AdaptiveMinutesPerSeat * poolBalance / price
		return math.Max(AdaptiveMinMinutes, math.Min(AdaptiveMaxMinutes, target))
	default:
		return 0
	}
}

// CanBuy reports whether the break-even is within target and the pool can pay the price.
func CanBuy(targetMinutes, breakEvenSeconds, price, poolBalance float64) bool {
	return targetMinutes >= breakEvenSeconds/60 && poolBalance >= price
}

// Evaluate computes the full break-even evaluation from on-chain snapshots.
func Evaluate(cfg domain.PoolConfig, state domain.MinerState, poolBalance *big.Int) domain.Evaluation {
	price := ToFloat(state.Price)
	donutPrice := ToFloat(state.DonutPrice)
	dps := ToFloat(state.DPS)
	balance := ToFloat(poolBalance)

	seconds := BreakEvenSeconds(price, donutPrice, dps)
	target := TargetMinutes(cfg.Strategy, price, balance)

	eval := domain.Evaluation{
		Strategy:         cfg.Strategy,
		Price:            price,
		DonutPrice:       donutPrice,
		DPS:              dps,
		PoolBalance:      balance,
		BreakEvenMinutes: seconds / 60,
		TargetMinutes:    target,
	}
	eval.CanBuy = cfg.Strategy.IsActive() && CanBuy(target, seconds, price, balance)
	return eval
}

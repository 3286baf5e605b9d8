package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Strategy is the pool's buy strategy as stored on-chain.
type Strategy uint8

const (
	StrategyNone         Strategy = 0 // pool inactive
	StrategyConservative Strategy = 1
	StrategyBalanced     Strategy = 2
	StrategyAggressive   Strategy = 3
	StrategyAdaptive     Strategy = 4
)

// String returns the string representation of Strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyNone:
		return "NONE"
	case StrategyConservative:
		return "CONSERVATIVE"
	case StrategyBalanced:
		return "BALANCED"
	case StrategyAggressive:
		return "AGGRESSIVE"
	case StrategyAdaptive:
		return "ADAPTIVE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// IsActive reports whether the strategy is one of the known buy tiers.
func (s Strategy) IsActive() bool {
	return s >= StrategyConservative && s <= StrategyAdaptive
}

// PoolConfig is a read-only snapshot of the pool's on-chain configuration.
type PoolConfig struct {
	Strategy Strategy
}

// MinerState is a read-only snapshot of the auction state.
// Price, DonutPrice and DPS are 18-decimal fixed-point values.
type MinerState struct {
	Price      *big.Int       // cost to take the miner seat, in base asset wei
	DonutPrice *big.Int       // DONUT price in base asset
	DPS        *big.Int       // DONUT emitted per second to the miner
	Miner      common.Address // current miner (King Glazer)
}

// Head is a new chain head as delivered by a newHeads subscription.
type Head struct {
	Number    uint64
	Hash      common.Hash
	Timestamp uint64
}

// Package chain reads pool and auction state from the EVM chain.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"donut-notifier/internal/domain"
)

// Reader defines the on-chain reads the notifier depends on.
type Reader interface {
	// PoolAddress returns the pool contract address.
	PoolAddress() common.Address

	// PoolConfig reads the pool's current configuration.
	PoolConfig(ctx context.Context) (domain.PoolConfig, error)

	// MinerState reads the auction state from the multicall contract.
	MinerState(ctx context.Context) (domain.MinerState, error)

	// PoolBalance reads the pool's balance of the base asset, in wei.
	PoolBalance(ctx context.Context) (*big.Int, error)
}

// HeadSubscriber delivers new chain heads.
type HeadSubscriber interface {
	// SubscribeNewHeads subscribes to new heads. The channel is closed on Close.
	SubscribeNewHeads(ctx context.Context) (<-chan domain.Head, error)

	// Close closes the underlying connection.
	Close() error
}

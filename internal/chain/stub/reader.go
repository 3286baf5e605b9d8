// Package stub provides in-memory chain implementations for tests.
package stub

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"donut-notifier/internal/chain"
	"donut-notifier/internal/domain"
)

// Reader implements chain.Reader from fixed values.
// Set the *Err fields to make the corresponding read fail.
type Reader struct {
	mu sync.Mutex

	Pool    common.Address
	Config  domain.PoolConfig
	State   domain.MinerState
	Balance *big.Int

	ConfigErr  error
	StateErr   error
	BalanceErr error

	configCalls  atomic.Int32
	stateCalls   atomic.Int32
	balanceCalls atomic.Int32
}

// Compile-time interface check.
var _ chain.Reader = (*Reader)(nil)

// NewReader creates a stub reader for pool with a zeroed miner state.
func NewReader(pool common.Address) *Reader {
	return &Reader{
		Pool: pool,
		State: domain.MinerState{
			Price:      new(big.Int),
			DonutPrice: new(big.Int),
			DPS:        new(big.Int),
		},
		Balance: new(big.Int),
	}
}

// PoolAddress returns the configured pool address.
func (r *Reader) PoolAddress() common.Address {
	return r.Pool
}

// PoolConfig returns Config or ConfigErr.
func (r *Reader) PoolConfig(_ context.Context) (domain.PoolConfig, error) {
	r.configCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ConfigErr != nil {
		return domain.PoolConfig{}, r.ConfigErr
	}
	return r.Config, nil
}

// MinerState returns State or StateErr.
func (r *Reader) MinerState(_ context.Context) (domain.MinerState, error) {
	r.stateCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StateErr != nil {
		return domain.MinerState{}, r.StateErr
	}
	return r.State, nil
}

// PoolBalance returns Balance or BalanceErr.
func (r *Reader) PoolBalance(_ context.Context) (*big.Int, error) {
	r.balanceCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.BalanceErr != nil {
		return nil, r.BalanceErr
	}
	return new(big.Int).Set(r.Balance), nil
}

// SetMiner replaces the current miner.
func (r *Reader) SetMiner(miner common.Address) {
	r.mu.Lock()
	r.State.Miner = miner
	r.mu.Unlock()
}

// Calls returns the total number of contract reads served.
func (r *Reader) Calls() int {
	return int(r.configCalls.Load() + r.stateCalls.Load() + r.balanceCalls.Load())
}

// StateCalls returns the number of MinerState reads served.
func (r *Reader) StateCalls() int {
	return int(r.stateCalls.Load())
}

// HeadSource implements chain.HeadSubscriber from a channel the test feeds.
type HeadSource struct {
	ch     chan domain.Head
	once   sync.Once
	SubErr error
}

// Compile-time interface check.
var _ chain.HeadSubscriber = (*HeadSource)(nil)

// NewHeadSource creates a head source with the given buffer.
func NewHeadSource(buffer int) *HeadSource {
	return &HeadSource{ch: make(chan domain.Head, buffer)}
}

// Push delivers a head to the subscriber.
func (s *HeadSource) Push(h domain.Head) {
	s.ch <- h
}

// SubscribeNewHeads returns the fed channel.
func (s *HeadSource) SubscribeNewHeads(_ context.Context) (<-chan domain.Head, error) {
	if s.SubErr != nil {
		return nil, s.SubErr
	}
	return s.ch, nil
}

// Close closes the head channel.
func (s *HeadSource) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"donut-notifier/internal/domain"
)

// Contract ABI fragments. Only the view functions read here are declared.
const (
	PoolABI = `[{"type":"function","name":"strategy","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}]`

	MulticallABI = `[{"type":"function","name":"getMinerState","stateMutability":"view","inputs":[],"outputs":[` +
		`{"name":"price","type":"uint256"},` +
		`{"name":"donutPrice","type":"uint256"},` +
		`{"name":"dps","type":"uint256"},` +
		`{"name":"miner","type":"address"}]}]`

	ERC20ABI = `[{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`
)

// DefaultCallTimeout bounds a single contract call.
const DefaultCallTimeout = 10 * time.Second

// Addresses are the deployed contracts the notifier reads from.
type Addresses struct {
	Pool      common.Address
	Multicall common.Address
	BaseAsset common.Address
}

// Contracts implements Reader over a go-ethereum contract caller.
type Contracts struct {
	addrs     Addresses
	timeout   time.Duration
	pool      *bind.BoundContract
	multicall *bind.BoundContract
	baseAsset *bind.BoundContract
}

// Compile-time interface check.
var _ Reader = (*Contracts)(nil)

// NewContracts binds the pool, multicall and base asset contracts.
// caller is typically an *ethclient.Client. A zero timeout uses DefaultCallTimeout.
func NewContracts(caller bind.ContractCaller, addrs Addresses, timeout time.Duration) (*Contracts, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	pool, err := bindContract(caller, addrs.Pool, PoolABI)
	if err != nil {
		return nil, fmt.Errorf("bind pool: %w", err)
	}
	multicall, err := bindContract(caller, addrs.Multicall, MulticallABI)
	if err != nil {
		return nil, fmt.Errorf("bind multicall: %w", err)
	}
	baseAsset, err := bindContract(caller, addrs.BaseAsset, ERC20ABI)
	if err != nil {
		return nil, fmt.Errorf("bind base asset: %w", err)
	}

	return &Contracts{
		addrs:     addrs,
		timeout:   timeout,
		pool:      pool,
		multicall: multicall,
		baseAsset: baseAsset,
	}, nil
}

func bindContract(caller bind.ContractCaller, addr common.Address, abiJSON string) (*bind.BoundContract, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return bind.NewBoundContract(addr, parsed, caller, nil, nil), nil
}

// PoolAddress returns the pool contract address.
func (c *Contracts) PoolAddress() common.Address {
	return c.addrs.Pool
}

// PoolConfig reads strategy() from the pool.
func (c *Contracts) PoolConfig(ctx context.Context) (domain.PoolConfig, error) {
	out, err := c.call(ctx, c.pool, "strategy")
	if err != nil {
		return domain.PoolConfig{}, err
	}
	strategy, ok := out[0].(uint8)
	if !ok {
		return domain.PoolConfig{}, fmt.Errorf("strategy: unexpected type %T", out[0])
	}
	return domain.PoolConfig{Strategy: domain.Strategy(strategy)}, nil
}

// MinerState reads getMinerState() from the multicall contract.
func (c *Contracts) MinerState(ctx context.Context) (domain.MinerState, error) {
	out, err := c.call(ctx, c.multicall, "getMinerState")
	if err != nil {
		return domain.MinerState{}, err
	}
	if len(out) != 4 {
		return domain.MinerState{}, fmt.Errorf("getMinerState: expected 4 outputs, got %d", len(out))
	}

	var state domain.MinerState
	var ok [4]bool
	state.Price, ok[0] = out[0].(*big.Int)
	state.DonutPrice, ok[1] = out[1].(*big.Int)
	state.DPS, ok[2] = out[2].(*big.Int)
	state.Miner, ok[3] = out[3].(common.Address)
	for i, good := range ok {
		if !good {
			return domain.MinerState{}, fmt.Errorf("getMinerState: unexpected type %T for output %d", out[i], i)
		}
	}
	return state, nil
}

// PoolBalance reads balanceOf(pool) from the base asset.
func (c *Contracts) PoolBalance(ctx context.Context) (*big.Int, error) {
	out, err := c.call(ctx, c.baseAsset, "balanceOf", c.addrs.Pool)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected type %T", out[0])
	}
	return balance, nil
}

func (c *Contracts) call(ctx context.Context, contract *bind.BoundContract, method string, params ...interface{}) ([]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	return out, nil
}

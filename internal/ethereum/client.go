// Package ethereum provides the network side of a deployment: RPC access,
// transaction signing, submission and confirmation tracking.
package ethereum

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
)

// Client is the subset of the RPC API a deployment needs.
// *ethclient.Client satisfies it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

var _ Client = (*ethclient.Client)(nil)

// DialConfig controls connection retries.
type DialConfig struct {
	Attempts uint
	Delay    time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Dial connects to an RPC endpoint. HTTP endpoints connect lazily, so each
// attempt also fetches the chain ID to prove the node is reachable.
func Dial(ctx context.Context, rpcURL string, cfg DialConfig) (*ethclient.Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}

	var client *ethclient.Client
	err := retry.Do(func() error {
		attemptCtx := ctx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		c, err := ethclient.DialContext(attemptCtx, rpcURL)
		if err != nil {
			return err
		}
		if _, err := c.ChainID(attemptCtx); err != nil {
			c.Close()
			return err
		}
		client = c
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.Delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("rpc dial failed, retrying",
				slog.Uint64("attempt", uint64(n+1)),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// Preflight checks that the node serves the expected chain and that the
// deployer can pay for gas. It returns the deployer balance in wei.
func Preflight(ctx context.Context, client Client, deployer common.Address, expectedChainID uint64) (*big.Int, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, deployerrors.NewConfigError("network.rpc_url", fmt.Errorf("get chain ID: %w", err))
	}
	if !chainID.IsUint64() || chainID.Uint64() != expectedChainID {
		return nil, deployerrors.NewConfigError("network.chain_id",
			fmt.Errorf("rpc reports chain %s, configured %d", chainID, expectedChainID))
	}

	balance, err := client.BalanceAt(ctx, deployer, nil)
	if err != nil {
		return nil, deployerrors.NewConfigError("network.rpc_url", fmt.Errorf("get balance: %w", err))
	}
	if balance.Sign() == 0 {
		return nil, deployerrors.NewConfigError("signer",
			fmt.Errorf("deployer %s has zero balance", deployer.Hex()))
	}
	return balance, nil
}

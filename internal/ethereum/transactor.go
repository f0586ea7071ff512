package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Bidon15/nouns-deployer/internal/artifacts"
	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
)

const (
	// Gas limits used when estimation fails.
	defaultDeployGasLimit uint64 = 10_000_000
	defaultCallGasLimit   uint64 = 500_000

	// gasBufferPercent is added on top of the estimate.
	gasBufferPercent = 20
)

// TransactorConfig holds confirmation settings for a Transactor.
type TransactorConfig struct {
	// Confirmations is the number of blocks, counting the inclusion block,
	// a transaction needs before it is considered final.
	Confirmations       uint64
	PollInterval        time.Duration
	ConfirmationTimeout time.Duration
	// RPCTimeout bounds each individual RPC call. Zero disables it.
	RPCTimeout time.Duration
	Logger     *slog.Logger
}

// Receipt is a confirmed transaction.
type Receipt struct {
	TxHash          common.Hash
	ContractAddress common.Address
	BlockNumber     uint64
	Confirmations   uint64
	GasUsed         uint64
}

// Transactor submits legacy transactions at a fixed gas price and waits for
// them to reach the configured confirmation depth.
type Transactor struct {
	client Client
	signer TransactionSigner
	cfg    TransactorConfig
	logger *slog.Logger
}

// NewTransactor creates a Transactor.
func NewTransactor(client Client, signer TransactionSigner, cfg TransactorConfig) *Transactor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Transactor{
		client: client,
		signer: signer,
		cfg:    cfg,
		logger: logger,
	}
}

// Deployer returns the sending account.
func (t *Transactor) Deployer() common.Address {
	return t.signer.Address()
}

// Deploy submits a contract creation transaction for artifact with the
// given constructor args. A nil gasPrice uses the node's suggestion.
func (t *Transactor) Deploy(ctx context.Context, artifact *artifacts.ContractArtifact, gasPrice *big.Int, args ...any) (*types.Transaction, error) {
	data, err := artifact.DeployData(args...)
	if err != nil {
		return nil, err
	}
	return t.send(ctx, nil, data, gasPrice, defaultDeployGasLimit)
}

// Call submits a state-changing method call on the contract at to.
func (t *Transactor) Call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, gasPrice *big.Int, args ...any) (*types.Transaction, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("encode %s call: %w", method, err)
	}
	return t.send(ctx, &to, data, gasPrice, defaultCallGasLimit)
}

// Read executes a constant method against the latest block.
func (t *Transactor) Read(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("encode %s call: %w", method, err)
	}

	rctx, cancel := t.rpcContext(ctx)
	defer cancel()

	out, err := t.client.CallContract(rctx, ethereum.CallMsg{
		From: t.signer.Address(),
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return values, nil
}

// CodeAt returns the runtime bytecode at addr.
func (t *Transactor) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	rctx, cancel := t.rpcContext(ctx)
	defer cancel()
	return t.client.CodeAt(rctx, addr, nil)
}

func (t *Transactor) send(ctx context.Context, to *common.Address, data []byte, gasPrice *big.Int, fallbackGas uint64) (*types.Transaction, error) {
	from := t.signer.Address()

	rctx, cancel := t.rpcContext(ctx)
	defer cancel()

	if gasPrice == nil {
		suggested, err := t.client.SuggestGasPrice(rctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		gasPrice = suggested
	}

	nonce, err := t.client.PendingNonceAt(rctx, from)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}

	gasLimit, err := t.client.EstimateGas(rctx, ethereum.CallMsg{
		From:     from,
		To:       to,
		GasPrice: gasPrice,
		Value:    big.NewInt(0),
		Data:     data,
	})
	if err != nil {
		gasLimit = fallbackGas
		t.logger.Warn("gas estimation failed, using default",
			slog.Uint64("gas_limit", gasLimit),
			slog.String("error", err.Error()),
		)
	}
	gasLimit = gasLimit * (100 + gasBufferPercent) / 100

	var tx *types.Transaction
	if to == nil {
		tx = types.NewContractCreation(nonce, big.NewInt(0), gasLimit, gasPrice, data)
	} else {
		tx = types.NewTransaction(nonce, *to, big.NewInt(0), gasLimit, gasPrice, data)
	}

	signedTx, err := t.signer.SignTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	if err := t.client.SendTransaction(rctx, signedTx); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	t.logger.Debug("transaction submitted",
		slog.String("tx_hash", signedTx.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit),
		slog.String("gas_price", gasPrice.String()),
	)

	return signedTx, nil
}

// WaitConfirmed blocks until tx is mined successfully and buried under the
// configured number of confirmations. A failed receipt returns ErrReverted;
// exceeding the confirmation timeout returns ErrConfirmationTimeout.
// Cancelling ctx stops the wait but does not withdraw the transaction.
func (t *Transactor) WaitConfirmed(ctx context.Context, tx *types.Transaction) (*Receipt, error) {
	waitCtx := ctx
	if t.cfg.ConfirmationTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeoutCause(ctx, t.cfg.ConfirmationTimeout, deployerrors.ErrConfirmationTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, done, err := t.checkConfirmations(waitCtx, tx)
		if err != nil {
			return nil, err
		}
		if done {
			return receipt, nil
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), context.Cause(waitCtx))
		case <-ticker.C:
		}
	}
}

// checkConfirmations polls once. Transient RPC errors are logged and
// reported as not done so the caller keeps polling.
func (t *Transactor) checkConfirmations(ctx context.Context, tx *types.Transaction) (*Receipt, bool, error) {
	rctx, cancel := t.rpcContext(ctx)
	defer cancel()

	receipt, err := t.client.TransactionReceipt(rctx, tx.Hash())
	if errors.Is(err, ethereum.NotFound) {
		return nil, false, nil
	}
	if err != nil {
		t.logger.Warn("receipt lookup failed",
			slog.String("tx_hash", tx.Hash().Hex()),
			slog.String("error", err.Error()),
		)
		return nil, false, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, false, fmt.Errorf("transaction %s in block %s: %w",
			tx.Hash().Hex(), receipt.BlockNumber, deployerrors.ErrReverted)
	}

	head, err := t.client.BlockNumber(rctx)
	if err != nil {
		t.logger.Warn("block number lookup failed", slog.String("error", err.Error()))
		return nil, false, nil
	}

	included := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= included {
		confirmations = head - included + 1
	}
	if confirmations < t.cfg.Confirmations {
		t.logger.Debug("waiting for confirmations",
			slog.String("tx_hash", tx.Hash().Hex()),
			slog.Uint64("have", confirmations),
			slog.Uint64("want", t.cfg.Confirmations),
		)
		return nil, false, nil
	}

	contractAddress := receipt.ContractAddress
	if tx.To() == nil && contractAddress == (common.Address{}) {
		contractAddress = crypto.CreateAddress(t.signer.Address(), tx.Nonce())
	}

	return &Receipt{
		TxHash:          tx.Hash(),
		ContractAddress: contractAddress,
		BlockNumber:     included,
		Confirmations:   confirmations,
		GasUsed:         receipt.GasUsed,
	}, true, nil
}

func (t *Transactor) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.RPCTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.cfg.RPCTimeout)
}

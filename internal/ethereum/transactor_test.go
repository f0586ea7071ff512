package ethereum

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/nouns-deployer/internal/artifacts"
	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
)

const wiringABI = `[
	{"inputs":[{"name":"fractionalNoun","type":"address"}],"name":"setFractionalNounContract","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"fractionalNounContract","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

func loadTestArtifact(t *testing.T) *artifacts.ContractArtifact {
	t.Helper()
	dir := t.TempDir()
	artifactDir := filepath.Join(dir, "contracts", "MyNouns.sol")
	require.NoError(t, os.MkdirAll(artifactDir, 0o755))
	content := `{"contractName":"MyNouns","sourceName":"contracts/MyNouns.sol","abi":[],"bytecode":"0x6001"}`
	require.NoError(t, os.WriteFile(filepath.Join(artifactDir, "MyNouns.json"), []byte(content), 0o600))

	a, err := artifacts.NewLoader(dir).Load("MyNouns")
	require.NoError(t, err)
	return a
}

func newTestTransactor(t *testing.T, client *fakeClient, cfg TransactorConfig) (*Transactor, *AnvilSigner) {
	t.Helper()
	signer, err := NewAnvilSigner(client.chainID, 0)
	require.NoError(t, err)
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.ConfirmationTimeout == 0 {
		cfg.ConfirmationTimeout = time.Second
	}
	return NewTransactor(client, signer, cfg), signer
}

func TestTransactorDeploy(t *testing.T) {
	client := newFakeClient()
	tr, signer := newTestTransactor(t, client, TransactorConfig{Confirmations: 3})
	artifact := loadTestArtifact(t)

	tx, err := tr.Deploy(context.Background(), artifact, big.NewInt(30_000_000_000))
	require.NoError(t, err)
	require.Len(t, client.sent, 1)

	assert.Nil(t, tx.To(), "contract creation has no recipient")
	assert.Equal(t, types.LegacyTxType, int(tx.Type()))
	assert.Equal(t, big.NewInt(30_000_000_000), tx.GasPrice())
	assert.Equal(t, uint64(1_200_000), tx.Gas(), "estimate plus 20%")
	assert.Equal(t, []byte{0x60, 0x01}, tx.Data())

	from, err := types.Sender(types.LatestSignerForChainID(client.chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)

	receipt, err := tr.WaitConfirmed(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash(), receipt.TxHash)
	assert.Equal(t, uint64(101), receipt.BlockNumber)
	assert.GreaterOrEqual(t, receipt.Confirmations, uint64(3))
	assert.Equal(t, crypto.CreateAddress(signer.Address(), 0), receipt.ContractAddress)
}

func TestTransactorGasFallback(t *testing.T) {
	client := newFakeClient()
	client.estimateErr = errors.New("execution reverted")
	tr, _ := newTestTransactor(t, client, TransactorConfig{Confirmations: 1})

	tx, err := tr.Deploy(context.Background(), loadTestArtifact(t), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, defaultDeployGasLimit*120/100, tx.Gas())
}

func TestTransactorCallUsesSuggestedGasPrice(t *testing.T) {
	client := newFakeClient()
	tr, _ := newTestTransactor(t, client, TransactorConfig{Confirmations: 1})

	parsed, err := abi.JSON(strings.NewReader(wiringABI))
	require.NoError(t, err)

	target := common.HexToAddress("0x1000000000000000000000000000000000000001")
	arg := common.HexToAddress("0x2000000000000000000000000000000000000002")

	tx, err := tr.Call(context.Background(), target, parsed, "setFractionalNounContract", nil, arg)
	require.NoError(t, err)

	require.NotNil(t, tx.To())
	assert.Equal(t, target, *tx.To())
	assert.Equal(t, big.NewInt(1_000_000_000), tx.GasPrice())
	assert.Equal(t, parsed.Methods["setFractionalNounContract"].ID, tx.Data()[:4])
	assert.Equal(t, arg.Bytes(), tx.Data()[4+12:])
}

func TestTransactorWaitConfirmed(t *testing.T) {
	t.Run("reverted", func(t *testing.T) {
		client := newFakeClient()
		client.revert = true
		tr, _ := newTestTransactor(t, client, TransactorConfig{Confirmations: 1})

		tx, err := tr.Deploy(context.Background(), loadTestArtifact(t), big.NewInt(1))
		require.NoError(t, err)

		_, err = tr.WaitConfirmed(context.Background(), tx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, deployerrors.ErrReverted))
	})

	t.Run("timeout", func(t *testing.T) {
		client := newFakeClient()
		client.neverMine = true
		tr, _ := newTestTransactor(t, client, TransactorConfig{
			Confirmations:       1,
			ConfirmationTimeout: 20 * time.Millisecond,
		})

		tx, err := tr.Deploy(context.Background(), loadTestArtifact(t), big.NewInt(1))
		require.NoError(t, err)

		_, err = tr.WaitConfirmed(context.Background(), tx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, deployerrors.ErrConfirmationTimeout))
	})

	t.Run("cancelled", func(t *testing.T) {
		client := newFakeClient()
		client.neverMine = true
		tr, _ := newTestTransactor(t, client, TransactorConfig{Confirmations: 1})

		tx, err := tr.Deploy(context.Background(), loadTestArtifact(t), big.NewInt(1))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = tr.WaitConfirmed(ctx, tx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.False(t, errors.Is(err, deployerrors.ErrConfirmationTimeout))
	})
}

func TestTransactorRead(t *testing.T) {
	client := newFakeClient()
	tr, _ := newTestTransactor(t, client, TransactorConfig{Confirmations: 1})

	parsed, err := abi.JSON(strings.NewReader(wiringABI))
	require.NoError(t, err)

	want := common.HexToAddress("0x2000000000000000000000000000000000000002")
	client.callOut, err = parsed.Methods["fractionalNounContract"].Outputs.Pack(want)
	require.NoError(t, err)

	out, err := tr.Read(context.Background(), common.HexToAddress("0x01"), parsed, "fractionalNounContract")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, want, out[0])
}

func TestPreflight(t *testing.T) {
	deployer := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

	t.Run("ok", func(t *testing.T) {
		balance, err := Preflight(context.Background(), newFakeClient(), deployer, 84532)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(1e18), balance)
	})

	t.Run("chain mismatch", func(t *testing.T) {
		_, err := Preflight(context.Background(), newFakeClient(), deployer, 8453)
		require.Error(t, err)
		assert.Equal(t, deployerrors.ExitConfig, deployerrors.ExitCode(err))
	})

	t.Run("empty balance", func(t *testing.T) {
		client := newFakeClient()
		client.balance = big.NewInt(0)
		_, err := Preflight(context.Background(), client, deployer, 84532)
		require.Error(t, err)
		assert.Equal(t, deployerrors.ExitConfig, deployerrors.ExitCode(err))
	})
}

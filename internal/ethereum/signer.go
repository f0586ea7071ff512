package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/zalando/go-keyring"

	"github.com/Bidon15/nouns-deployer/internal/config"
	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
)

// TransactionSigner signs transactions for a single deployer account.
type TransactionSigner interface {
	Address() common.Address
	ChainID() *big.Int
	SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// LocalSigner signs with an in-memory private key.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewLocalSigner creates a LocalSigner from a hex-encoded private key.
// A leading "0x" is accepted.
func NewLocalSigner(hexKey string, chainID *big.Int) (*LocalSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return newLocalSigner(privateKey, chainID), nil
}

// NewKeystoreSigner decrypts a V3 keystore file.
func NewKeystoreSigner(path, password string, chainID *big.Int) (*LocalSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(data, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return newLocalSigner(key.PrivateKey, chainID), nil
}

func newLocalSigner(privateKey *ecdsa.PrivateKey, chainID *big.Int) *LocalSigner {
	return &LocalSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    chainID,
	}
}

// Address returns the signer's Ethereum address.
func (s *LocalSigner) Address() common.Address {
	return s.address
}

// ChainID returns the chain ID for transaction signing.
func (s *LocalSigner) ChainID() *big.Int {
	return s.chainID
}

// SignTransaction signs a transaction using the local private key.
func (s *LocalSigner) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return signTx(tx, s.chainID, s.privateKey)
}

var _ TransactionSigner = (*LocalSigner)(nil)

// AnvilPrivateKeys contains Anvil's 10 deterministic private keys, derived
// from "test test test test test test test test test test test junk".
// They are public; never fund these accounts on a real network.
var AnvilPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", // anvil-0: 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", // anvil-1: 0x70997970C51812dc3A010C7d01b50e0d17dc79C8
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a", // anvil-2: 0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6", // anvil-3: 0x90F79bf6EB2c4f870365E785982E1f101E93b906
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a", // anvil-4: 0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65
	"8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba", // anvil-5: 0x9965507D1a55bcC2695C58ba16FB37d819B0A4dc
	"92db14e403b83dfe3df233f83dfa3a0d7096f21ca9b0d6d6b8d88b2b4ec1564e", // anvil-6: 0x976EA74026E726554dB657fA54763abd0C3a0aa9
	"4bbbf85ce3377467afe5d46f804f221813b2bb87f24d81f60f1fcdbf7cbf4356", // anvil-7: 0x14dC79964da2C08b23698B3D3cc7Ca32193d9955
	"dbda1821b80551c9d65939329250298aa3472ba22feea921c0cf5d620ea67b97", // anvil-8: 0x23618e81E3f5cdF7f54C3d65f7FBc0aBf5B21E8f
	"2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6", // anvil-9: 0xa0Ee7A142d267C1f36714E4a8F75612F20a79720
}

var productionChainIDs = map[uint64]string{
	1:     "Ethereum Mainnet",
	10:    "Optimism",
	42161: "Arbitrum One",
	137:   "Polygon",
	8453:  "Base",
}

// AnvilSigner signs with one of Anvil's well-known dev accounts.
type AnvilSigner struct {
	*LocalSigner
	account int
}

// NewAnvilSigner selects Anvil account n (0-9). It refuses production
// chain IDs because the keys are publicly known.
func NewAnvilSigner(chainID *big.Int, account int) (*AnvilSigner, error) {
	if chainID.IsUint64() {
		if name, ok := productionChainIDs[chainID.Uint64()]; ok {
			return nil, fmt.Errorf("anvil signer cannot be used on %s (chain_id=%s): keys are publicly known", name, chainID)
		}
	}
	if account < 0 || account >= len(AnvilPrivateKeys) {
		return nil, fmt.Errorf("anvil account %d out of range [0,%d)", account, len(AnvilPrivateKeys))
	}

	local, err := NewLocalSigner(AnvilPrivateKeys[account], chainID)
	if err != nil {
		return nil, err
	}
	return &AnvilSigner{LocalSigner: local, account: account}, nil
}

// Account returns the selected dev account index.
func (s *AnvilSigner) Account() int {
	return s.account
}

var _ TransactionSigner = (*AnvilSigner)(nil)

// KeyringPassword looks up a keystore password in the OS keyring.
func KeyringPassword(service, user string) (string, error) {
	password, err := keyring.Get(service, user)
	if err != nil {
		return "", fmt.Errorf("keyring lookup %s/%s: %w", service, user, err)
	}
	return password, nil
}

// NewSigner builds the signer selected by cfg. Failures are startup errors.
func NewSigner(cfg config.SignerConfig, chainID *big.Int) (TransactionSigner, error) {
	switch {
	case cfg.PrivateKey != "":
		s, err := NewLocalSigner(cfg.PrivateKey, chainID)
		if err != nil {
			return nil, deployerrors.NewConfigError("signer.private_key", err)
		}
		return s, nil

	case cfg.KeystorePath != "":
		password := cfg.KeystorePassword
		if password == "" {
			var err error
			password, err = KeyringPassword(cfg.KeyringService, cfg.KeyringUser)
			if err != nil {
				return nil, deployerrors.NewConfigError("signer.keyring_service", err)
			}
		}
		s, err := NewKeystoreSigner(cfg.KeystorePath, password, chainID)
		if err != nil {
			return nil, deployerrors.NewConfigError("signer.keystore_path", err)
		}
		return s, nil

	case cfg.AnvilAccount >= 0:
		s, err := NewAnvilSigner(chainID, cfg.AnvilAccount)
		if err != nil {
			return nil, deployerrors.NewConfigError("signer.anvil_account", err)
		}
		return s, nil
	}

	return nil, deployerrors.NewConfigError("signer",
		fmt.Errorf("%w: no signer configured", deployerrors.ErrMissingConfig))
}

func signTx(tx *types.Transaction, chainID *big.Int, key *ecdsa.PrivateKey) (*types.Transaction, error) {
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signedTx, nil
}

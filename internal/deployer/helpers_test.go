package deployer

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/nouns-deployer/internal/artifacts"
	"github.com/Bidon15/nouns-deployer/internal/ethereum"
	"github.com/Bidon15/nouns-deployer/internal/explorer"
)

var (
	testEAS      = common.HexToAddress("0x4200000000000000000000000000000000000021")
	testDeployer = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
)

var testABIs = map[string]string{
	"MyNouns": `[]`,
	"TokenizedNoun": `[
		{"inputs":[{"name":"eas","type":"address"},{"name":"myNouns","type":"address"}],"stateMutability":"nonpayable","type":"constructor"},
		{"inputs":[{"name":"fractionalNoun","type":"address"}],"name":"setFractionalNounContract","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[],"name":"fractionalNounContract","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
	]`,
	"FractionalNoun": `[
		{"inputs":[{"name":"tokenizedNoun","type":"address"}],"stateMutability":"nonpayable","type":"constructor"}
	]`,
}

// writeTestArtifacts lays out Hardhat artifacts for the three contracts.
func writeTestArtifacts(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	buildDir := filepath.Join(dir, "build-info")
	require.NoError(t, os.MkdirAll(buildDir, 0o755))
	info := `{"solcLongVersion":"0.8.23+commit.f704f362","input":{"language":"Solidity","sources":{}}}`
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "b1.json"), []byte(info), 0o600))

	for name, abiJSON := range testABIs {
		artifactDir := filepath.Join(dir, "contracts", name+".sol")
		require.NoError(t, os.MkdirAll(artifactDir, 0o755))

		content := fmt.Sprintf(`{"contractName":%q,"sourceName":"contracts/%s.sol","abi":%s,"bytecode":"0x6080604052"}`,
			name, name, abiJSON)
		require.NoError(t, os.WriteFile(filepath.Join(artifactDir, name+".json"), []byte(content), 0o600))

		dbg := `{"buildInfo":"../../build-info/b1.json"}`
		require.NoError(t, os.WriteFile(filepath.Join(artifactDir, name+".dbg.json"), []byte(dbg), 0o600))
	}
	return dir
}

func testPlan(t *testing.T) *Plan {
	t.Helper()
	plan, err := NewPlan(PlanConfig{
		EASAddress:             testEAS,
		MyNounsGasPrice:        big.NewInt(30_000_000_000),
		TokenizedNounGasPrice:  big.NewInt(33_000_000_000),
		FractionalNounGasPrice: big.NewInt(33_000_000_000),
	})
	require.NoError(t, err)
	return plan
}

// event is one observable network interaction.
type event struct {
	Kind     string // deploy, wait, call, read, code
	Contract string
	Address  common.Address
	Args     []any
	GasPrice *big.Int
}

// fakeNetwork is an in-memory Network. Contracts are created at
// CreateAddress(testDeployer, nonce).
type fakeNetwork struct {
	mu sync.Mutex

	nonce  uint64
	events []event
	// pending maps tx hash to what it does.
	pending map[common.Hash]event

	code      map[common.Address][]byte
	wired     map[common.Address]common.Address
	deployErr map[string]error
	waitErr   map[string]error
	callErr   error
	readErr   error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		pending:   make(map[common.Hash]event),
		code:      make(map[common.Address][]byte),
		wired:     make(map[common.Address]common.Address),
		deployErr: make(map[string]error),
		waitErr:   make(map[string]error),
	}
}

func (f *fakeNetwork) Deploy(ctx context.Context, artifact *artifacts.ContractArtifact, gasPrice *big.Int, args ...any) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev := event{Kind: "deploy", Contract: artifact.ContractName, Args: args, GasPrice: gasPrice}
	f.events = append(f.events, ev)
	if err := f.deployErr[artifact.ContractName]; err != nil {
		return nil, err
	}

	data, err := artifact.DeployData(args...)
	if err != nil {
		return nil, err
	}
	tx := types.NewContractCreation(f.nonce, big.NewInt(0), 1_000_000, gasPrice, data)
	ev.Address = crypto.CreateAddress(testDeployer, f.nonce)
	f.nonce++
	f.pending[tx.Hash()] = ev
	return tx, nil
}

func (f *fakeNetwork) Call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, gasPrice *big.Int, args ...any) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev := event{Kind: "call", Contract: method, Address: to, Args: args, GasPrice: gasPrice}
	f.events = append(f.events, ev)
	if f.callErr != nil {
		return nil, f.callErr
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	tx := types.NewTransaction(f.nonce, to, big.NewInt(0), 100_000, big.NewInt(1), data)
	f.nonce++
	f.pending[tx.Hash()] = ev
	return tx, nil
}

func (f *fakeNetwork) Read(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, event{Kind: "read", Contract: method, Address: to})
	if f.readErr != nil {
		return nil, f.readErr
	}
	return []any{f.wired[to]}, nil
}

func (f *fakeNetwork) WaitConfirmed(ctx context.Context, tx *types.Transaction) (*ethereum.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev := f.pending[tx.Hash()]
	f.events = append(f.events, event{Kind: "wait", Contract: ev.Contract, Address: ev.Address})

	if err := f.waitErr[ev.Contract]; err != nil {
		return nil, err
	}

	receipt := &ethereum.Receipt{
		TxHash:        tx.Hash(),
		BlockNumber:   100 + tx.Nonce(),
		Confirmations: 2,
	}
	switch ev.Kind {
	case "deploy":
		receipt.ContractAddress = ev.Address
		f.code[ev.Address] = []byte{0x60, 0x80}
	case "call":
		f.wired[ev.Address] = ev.Args[0].(common.Address)
	}
	return receipt, nil
}

func (f *fakeNetwork) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event{Kind: "code", Address: addr})
	return f.code[addr], nil
}

func (f *fakeNetwork) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// sequence returns "kind:contract" for deploy, wait and call events.
func (f *fakeNetwork) sequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		switch ev.Kind {
		case "deploy", "wait", "call":
			out = append(out, ev.Kind+":"+ev.Contract)
		}
	}
	return out
}

// MockVerifier is a mock implementation of Verifier.
type MockVerifier struct {
	mock.Mock
	name string
}

func (m *MockVerifier) Name() string {
	if m.name == "" {
		return "etherscan"
	}
	return m.name
}

func (m *MockVerifier) Verify(ctx context.Context, req explorer.Request) (explorer.Outcome, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(explorer.Outcome), args.Error(1)
}

func (m *MockVerifier) AddressURL(addr common.Address) string {
	return "https://sepolia.basescan.org/address/" + addr.Hex()
}

// recordingJournal keeps every journal write in memory.
type recordingJournal struct {
	runs          []RunInfo
	stages        []Stage
	deployments   []DeploymentResult
	wiring        []WiringResult
	verifications []VerificationResult
	finalStage    Stage
	finalErr      error
}

func (j *recordingJournal) StartRun(ctx context.Context, run RunInfo) error {
	j.runs = append(j.runs, run)
	return nil
}

func (j *recordingJournal) RecordStage(ctx context.Context, runID string, stage Stage) error {
	j.stages = append(j.stages, stage)
	return nil
}

func (j *recordingJournal) RecordDeployment(ctx context.Context, runID string, result DeploymentResult) error {
	j.deployments = append(j.deployments, result)
	return nil
}

func (j *recordingJournal) RecordWiring(ctx context.Context, runID string, result WiringResult) error {
	j.wiring = append(j.wiring, result)
	return nil
}

func (j *recordingJournal) RecordVerification(ctx context.Context, runID string, result VerificationResult) error {
	j.verifications = append(j.verifications, result)
	return nil
}

func (j *recordingJournal) FinishRun(ctx context.Context, runID string, stage Stage, runErr error) error {
	j.finalStage = stage
	j.finalErr = runErr
	return nil
}

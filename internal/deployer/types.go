package deployer

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Bidon15/nouns-deployer/internal/artifacts"
	"github.com/Bidon15/nouns-deployer/internal/ethereum"
	"github.com/Bidon15/nouns-deployer/internal/explorer"
)

// Run modes.
const (
	ModeRun    = "run"
	ModeResume = "resume"
)

// Network submits transactions and reads chain state.
// *ethereum.Transactor implements it.
type Network interface {
	Deploy(ctx context.Context, artifact *artifacts.ContractArtifact, gasPrice *big.Int, args ...any) (*types.Transaction, error)
	Call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, gasPrice *big.Int, args ...any) (*types.Transaction, error)
	Read(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error)
	WaitConfirmed(ctx context.Context, tx *types.Transaction) (*ethereum.Receipt, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
}

// ArtifactSource loads compiled contracts by name.
// *artifacts.Loader implements it.
type ArtifactSource interface {
	Load(contractName string) (*artifacts.ContractArtifact, error)
}

// Verifier submits sources to a verification service.
// *explorer.Client and *explorer.SourcifyClient implement it.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, req explorer.Request) (explorer.Outcome, error)
	AddressURL(addr common.Address) string
}

// RunInfo identifies a run in the journal.
type RunInfo struct {
	ID        string
	Mode      string
	Network   string
	ChainID   uint64
	Deployer  common.Address
	StartedAt time.Time
}

// Journal persists run progress. Write failures are logged, never fatal.
type Journal interface {
	StartRun(ctx context.Context, run RunInfo) error
	RecordStage(ctx context.Context, runID string, stage Stage) error
	RecordDeployment(ctx context.Context, runID string, result DeploymentResult) error
	RecordWiring(ctx context.Context, runID string, result WiringResult) error
	RecordVerification(ctx context.Context, runID string, result VerificationResult) error
	FinishRun(ctx context.Context, runID string, stage Stage, runErr error) error
}

// Recorder receives run metrics.
type Recorder interface {
	SetStage(stage string)
	ObserveDeployment(contract string, existing bool, duration time.Duration, err error)
	ObserveWiring(method string, skipped bool, duration time.Duration, err error)
	ObserveVerification(verifier, contract string, outcome explorer.Outcome)
	ObserveRun(mode string, duration time.Duration, err error)
}

// ProgressCallback is called during a run to report progress.
type ProgressCallback func(stage Stage, progress float64, message string)

// DeploymentResult is a finalized (or supplied) contract.
type DeploymentResult struct {
	Name          string
	Contract      string
	Address       common.Address
	TxHash        common.Hash
	BlockNumber   uint64
	Confirmations uint64
	// ConstructorArgs are the values the contract was deployed with.
	ConstructorArgs []any
	// Existing is set when the address was supplied instead of deployed.
	Existing bool
}

// WiringResult is a confirmed (or skipped) configuration call.
type WiringResult struct {
	Name        string
	Target      common.Address
	Method      string
	Arg         common.Address
	TxHash      common.Hash
	BlockNumber uint64
	// Skipped is set when the target already held Arg.
	Skipped bool
}

// VerificationResult is one verifier's outcome for one contract.
type VerificationResult struct {
	Name     string
	Contract string
	// Verifier is empty when verification was skipped.
	Verifier string
	Address  common.Address
	Outcome  explorer.Outcome
	URL      string
	Err      error
}

// Summary describes a finished or aborted run.
type Summary struct {
	RunID         string
	Mode          string
	StartedAt     time.Time
	FinishedAt    time.Time
	Deployments   []DeploymentResult
	Wiring        []WiringResult
	Verifications []VerificationResult
	Stage         Stage
}

// Address returns the address of step name, if it was recorded.
func (s *Summary) Address(name string) (common.Address, bool) {
	for _, d := range s.Deployments {
		if d.Name == name {
			return d.Address, true
		}
	}
	return common.Address{}, false
}

// Deployed returns the number of contracts created by this run.
func (s *Summary) Deployed() int {
	n := 0
	for _, d := range s.Deployments {
		if !d.Existing {
			n++
		}
	}
	return n
}

type nopJournal struct{}

func (nopJournal) StartRun(context.Context, RunInfo) error { return nil }
func (nopJournal) RecordStage(context.Context, string, Stage) error { return nil }
func (nopJournal) RecordDeployment(context.Context, string, DeploymentResult) error { return nil }
func (nopJournal) RecordWiring(context.Context, string, WiringResult) error { return nil }
func (nopJournal) RecordVerification(context.Context, string, VerificationResult) error { return nil }
func (nopJournal) FinishRun(context.Context, string, Stage, error) error { return nil }

type nopRecorder struct{}

func (nopRecorder) SetStage(string) {}
func (nopRecorder) ObserveDeployment(string, bool, time.Duration, error) {}
func (nopRecorder) ObserveWiring(string, bool, time.Duration, error) {}
func (nopRecorder) ObserveVerification(string, string, explorer.Outcome) {}
func (nopRecorder) ObserveRun(string, time.Duration, error) {}

package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Bidon15/nouns-deployer/internal/artifacts"
	"github.com/Bidon15/nouns-deployer/internal/deployer"
)

// Journal records orchestrator progress in a Repository.
type Journal struct {
	repo Repository
}

// NewJournal returns a deployer.Journal backed by repo.
func NewJournal(repo Repository) *Journal {
	return &Journal{repo: repo}
}

var _ deployer.Journal = (*Journal)(nil)

// StartRun inserts the run as running at the not_started stage.
func (j *Journal) StartRun(ctx context.Context, info deployer.RunInfo) error {
	return j.repo.CreateRun(ctx, &Run{
		ID:        info.ID,
		Mode:      info.Mode,
		Network:   info.Network,
		ChainID:   int64(info.ChainID),
		Deployer:  info.Deployer.Hex(),
		Status:    StatusRunning,
		Stage:     string(deployer.StageNotStarted),
		StartedAt: info.StartedAt,
	})
}

// RecordStage stores the stage the run just entered.
func (j *Journal) RecordStage(ctx context.Context, runID string, stage deployer.Stage) error {
	return j.repo.UpdateRunStage(ctx, runID, string(stage))
}

// RecordDeployment stores a finalized or supplied contract. Constructor
// arguments are kept as artifacts.FormatArg strings so a later resume can
// parse them back against the constructor ABI.
func (j *Journal) RecordDeployment(ctx context.Context, runID string, result deployer.DeploymentResult) error {
	c := &Contract{
		RunID:        runID,
		Step:         result.Name,
		ContractName: result.Contract,
		Address:      result.Address.Hex(),
		Existing:     result.Existing,
	}
	if result.TxHash != (common.Hash{}) {
		hash := result.TxHash.Hex()
		c.TxHash = &hash
	}
	if result.BlockNumber > 0 {
		block := int64(result.BlockNumber)
		c.BlockNumber = &block
	}
	if len(result.ConstructorArgs) > 0 {
		raw, err := json.Marshal(artifacts.FormatArgs(result.ConstructorArgs))
		if err != nil {
			return fmt.Errorf("encode constructor args of %s: %w", result.Name, err)
		}
		c.ConstructorArgs = raw
	}
	return j.repo.RecordContract(ctx, c)
}

// RecordWiring stores a confirmed or skipped configuration call.
func (j *Journal) RecordWiring(ctx context.Context, runID string, result deployer.WiringResult) error {
	desc := fmt.Sprintf("%s.%s(%s)", result.Target.Hex(), result.Method, result.Arg.Hex())
	tx := &Transaction{
		RunID:       runID,
		Step:        result.Name,
		Description: &desc,
		Skipped:     result.Skipped,
	}
	if !result.Skipped {
		hash := result.TxHash.Hex()
		tx.TxHash = &hash
	}
	return j.repo.RecordTransaction(ctx, tx)
}

// RecordVerification stores one verifier outcome.
func (j *Journal) RecordVerification(ctx context.Context, runID string, result deployer.VerificationResult) error {
	v := &Verification{
		RunID:    runID,
		Step:     result.Name,
		Verifier: result.Verifier,
		Address:  result.Address.Hex(),
		Outcome:  string(result.Outcome),
	}
	if result.URL != "" {
		url := result.URL
		v.URL = &url
	}
	if result.Err != nil {
		msg := result.Err.Error()
		v.ErrorMessage = &msg
	}
	return j.repo.RecordVerification(ctx, v)
}

// FinishRun marks the run completed when it reached done, aborted otherwise.
func (j *Journal) FinishRun(ctx context.Context, runID string, stage deployer.Stage, runErr error) error {
	status := StatusCompleted
	if stage != deployer.StageDone {
		status = StatusAborted
	}
	var msg *string
	if runErr != nil {
		s := runErr.Error()
		msg = &s
	}
	return j.repo.FinishRun(ctx, runID, status, string(stage), msg)
}

// Recovered is the contract set journaled by a single run.
type Recovered struct {
	// RunID is empty when no run on the chain recorded a contract.
	RunID     string
	Addresses map[string]common.Address
	// ConstructorArgs holds the recorded arguments per step. Steps without
	// arguments are omitted.
	ConstructorArgs map[string][]string
}

// Recover returns the contracts of the newest run on chainID that recorded
// at least one. Steps are never combined from different runs.
func Recover(ctx context.Context, repo Repository, chainID uint64) (*Recovered, error) {
	out := &Recovered{
		Addresses:       make(map[string]common.Address),
		ConstructorArgs: make(map[string][]string),
	}

	runs, err := repo.ListRunsByChainID(ctx, int64(chainID))
	if err != nil {
		return nil, err
	}

	for _, run := range runs {
		contracts, err := repo.GetContractsByRun(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if len(contracts) == 0 {
			continue
		}

		out.RunID = run.ID
		for _, c := range contracts {
			if !common.IsHexAddress(c.Address) {
				return nil, fmt.Errorf("run %s holds malformed address %q for %s", run.ID, c.Address, c.Step)
			}
			out.Addresses[c.Step] = common.HexToAddress(c.Address)

			args, err := decodeArgs(c.ConstructorArgs)
			if err != nil {
				return nil, fmt.Errorf("run %s: constructor args of %s: %w", run.ID, c.Step, err)
			}
			if len(args) > 0 {
				out.ConstructorArgs[c.Step] = args
			}
		}
		return out, nil
	}
	return out, nil
}

// decodeArgs reads a JSON array of constructor arguments. Non-string
// elements are rendered in their JSON form.
func decodeArgs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var values []any
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(values))
	for _, v := range values {
		switch v := v.(type) {
		case string:
			out = append(out, v)
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	return out, nil
}

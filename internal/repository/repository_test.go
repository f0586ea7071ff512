package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/nouns-deployer/internal/deployer"
	"github.com/Bidon15/nouns-deployer/internal/explorer"
)

// MockRepository is a mock implementation of Repository for testing.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateRun(ctx context.Context, run *Run) error {
	args := m.Called(ctx, run)
	if args.Error(0) == nil {
		run.UpdatedAt = time.Now()
	}
	return args.Error(0)
}

func (m *MockRepository) UpdateRunStage(ctx context.Context, id string, stage string) error {
	args := m.Called(ctx, id, stage)
	return args.Error(0)
}

func (m *MockRepository) FinishRun(ctx context.Context, id string, status Status, stage string, errMsg *string) error {
	args := m.Called(ctx, id, status, stage, errMsg)
	return args.Error(0)
}

func (m *MockRepository) ListRunsByChainID(ctx context.Context, chainID int64) ([]*Run, error) {
	args := m.Called(ctx, chainID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Run), args.Error(1)
}

func (m *MockRepository) RecordContract(ctx context.Context, c *Contract) error {
	args := m.Called(ctx, c)
	if args.Error(0) == nil && c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return args.Error(0)
}

func (m *MockRepository) GetContractsByRun(ctx context.Context, runID string) ([]Contract, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Contract), args.Error(1)
}

func (m *MockRepository) RecordTransaction(ctx context.Context, tx *Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *MockRepository) RecordVerification(ctx context.Context, v *Verification) error {
	args := m.Called(ctx, v)
	return args.Error(0)
}

var _ Repository = (*MockRepository)(nil)

const testRunID = "01JAY8Q3Y8ZKX6G7H2B4N5M6P7"

func TestJournalStartRun(t *testing.T) {
	repo := new(MockRepository)
	j := NewJournal(repo)
	ctx := context.Background()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	deployerAddr := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

	repo.On("CreateRun", ctx, mock.MatchedBy(func(r *Run) bool {
		return r.ID == testRunID &&
			r.Mode == deployer.ModeRun &&
			r.ChainID == 84532 &&
			r.Deployer == deployerAddr.Hex() &&
			r.Status == StatusRunning &&
			r.Stage == "not_started" &&
			r.StartedAt.Equal(started)
	})).Return(nil)

	err := j.StartRun(ctx, deployer.RunInfo{
		ID:        testRunID,
		Mode:      deployer.ModeRun,
		Network:   "base-sepolia",
		ChainID:   84532,
		Deployer:  deployerAddr,
		StartedAt: started,
	})
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestJournalRecordDeployment(t *testing.T) {
	ctx := context.Background()
	eas := common.HexToAddress("0x4200000000000000000000000000000000000021")
	myNouns := common.HexToAddress("0xA1")

	t.Run("deployed contract", func(t *testing.T) {
		repo := new(MockRepository)
		var got *Contract
		repo.On("RecordContract", ctx, mock.Anything).Run(func(args mock.Arguments) {
			got = args.Get(1).(*Contract)
		}).Return(nil)

		err := NewJournal(repo).RecordDeployment(ctx, testRunID, deployer.DeploymentResult{
			Name:            deployer.StepTokenizedNoun,
			Contract:        "TokenizedNoun",
			Address:         common.HexToAddress("0xB2"),
			TxHash:          common.HexToHash("0xbeef"),
			BlockNumber:     42,
			ConstructorArgs: []any{eas, myNouns},
		})
		require.NoError(t, err)
		require.NotNil(t, got)

		assert.Equal(t, testRunID, got.RunID)
		assert.Equal(t, deployer.StepTokenizedNoun, got.Step)
		assert.Equal(t, "TokenizedNoun", got.ContractName)
		assert.Equal(t, common.HexToAddress("0xB2").Hex(), got.Address)
		require.NotNil(t, got.TxHash)
		assert.Equal(t, common.HexToHash("0xbeef").Hex(), *got.TxHash)
		require.NotNil(t, got.BlockNumber)
		assert.Equal(t, int64(42), *got.BlockNumber)
		assert.JSONEq(t, `["`+eas.Hex()+`","`+myNouns.Hex()+`"]`, string(got.ConstructorArgs))
		assert.False(t, got.Existing)
	})

	t.Run("supplied contract", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("RecordContract", ctx, mock.MatchedBy(func(c *Contract) bool {
			return c.Existing && c.TxHash == nil && c.BlockNumber == nil && c.ConstructorArgs == nil
		})).Return(nil)

		err := NewJournal(repo).RecordDeployment(ctx, testRunID, deployer.DeploymentResult{
			Name:     deployer.StepMyNouns,
			Contract: "MyNouns",
			Address:  myNouns,
			Existing: true,
		})
		require.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("repository error is returned", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("RecordContract", ctx, mock.Anything).Return(errors.New("connection refused"))

		err := NewJournal(repo).RecordDeployment(ctx, testRunID, deployer.DeploymentResult{
			Name: deployer.StepMyNouns, Contract: "MyNouns", Address: myNouns,
		})
		assert.EqualError(t, err, "connection refused")
	})
}

func TestJournalRecordWiring(t *testing.T) {
	ctx := context.Background()
	target := common.HexToAddress("0xB2")
	arg := common.HexToAddress("0xC3")

	t.Run("confirmed call", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("RecordTransaction", ctx, mock.MatchedBy(func(tx *Transaction) bool {
			return tx.Step == deployer.WireFractionalNoun &&
				tx.TxHash != nil && *tx.TxHash == common.HexToHash("0x01").Hex() &&
				tx.Description != nil && *tx.Description == target.Hex()+".setFractionalNounContract("+arg.Hex()+")" &&
				!tx.Skipped
		})).Return(nil)

		err := NewJournal(repo).RecordWiring(ctx, testRunID, deployer.WiringResult{
			Name:   deployer.WireFractionalNoun,
			Target: target,
			Method: "setFractionalNounContract",
			Arg:    arg,
			TxHash: common.HexToHash("0x01"),
		})
		require.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("skipped call has no hash", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("RecordTransaction", ctx, mock.MatchedBy(func(tx *Transaction) bool {
			return tx.Skipped && tx.TxHash == nil
		})).Return(nil)

		err := NewJournal(repo).RecordWiring(ctx, testRunID, deployer.WiringResult{
			Name: deployer.WireFractionalNoun, Target: target, Method: "setFractionalNounContract", Arg: arg, Skipped: true,
		})
		require.NoError(t, err)
		repo.AssertExpectations(t)
	})
}

func TestJournalRecordVerification(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	repo.On("RecordVerification", ctx, mock.MatchedBy(func(v *Verification) bool {
		return v.Outcome == string(explorer.OutcomeFailed) &&
			v.Verifier == "sourcify" &&
			v.ErrorMessage != nil && *v.ErrorMessage == "Fail - Unable to verify" &&
			v.URL != nil
	})).Return(nil)

	err := NewJournal(repo).RecordVerification(ctx, testRunID, deployer.VerificationResult{
		Name:     deployer.StepFractionalNoun,
		Contract: "FractionalNoun",
		Verifier: "sourcify",
		Address:  common.HexToAddress("0xC3"),
		Outcome:  explorer.OutcomeFailed,
		URL:      "https://sepolia.basescan.org/address/0xC3#code",
		Err:      errors.New("Fail - Unable to verify"),
	})
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestJournalFinishRun(t *testing.T) {
	ctx := context.Background()

	t.Run("done completes", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("FinishRun", ctx, testRunID, StatusCompleted, "done", (*string)(nil)).Return(nil)
		require.NoError(t, NewJournal(repo).FinishRun(ctx, testRunID, deployer.StageDone, nil))
		repo.AssertExpectations(t)
	})

	t.Run("abort keeps the error", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("FinishRun", ctx, testRunID, StatusAborted, "aborted", mock.MatchedBy(func(msg *string) bool {
			return msg != nil && *msg == "transaction reverted"
		})).Return(nil)
		require.NoError(t, NewJournal(repo).FinishRun(ctx, testRunID, deployer.StageAborted, errors.New("transaction reverted")))
		repo.AssertExpectations(t)
	})
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	runs := []*Run{{ID: "run-3"}, {ID: "run-2"}, {ID: "run-1"}}

	t.Run("uses only the newest run with contracts", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("ListRunsByChainID", ctx, int64(84532)).Return(runs, nil)
		// run-3 aborted before finalizing anything.
		repo.On("GetContractsByRun", ctx, "run-3").Return([]Contract{}, nil)
		repo.On("GetContractsByRun", ctx, "run-2").Return([]Contract{
			{Step: deployer.StepMyNouns, Address: "0x00000000000000000000000000000000000000a2"},
		}, nil)
		repo.On("GetContractsByRun", ctx, "run-1").Return([]Contract{
			{Step: deployer.StepMyNouns, Address: "0x00000000000000000000000000000000000000a1"},
			{Step: deployer.StepTokenizedNoun, Address: "0x00000000000000000000000000000000000000b1"},
		}, nil)

		got, err := Recover(ctx, repo, 84532)
		require.NoError(t, err)
		assert.Equal(t, "run-2", got.RunID)
		assert.Equal(t, map[string]common.Address{
			deployer.StepMyNouns: common.HexToAddress("0xA2"),
		}, got.Addresses)
		assert.Empty(t, got.ConstructorArgs)
		repo.AssertNotCalled(t, "GetContractsByRun", ctx, "run-1")
	})

	t.Run("returns recorded constructor args", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("ListRunsByChainID", ctx, int64(84532)).Return(runs[2:], nil)
		repo.On("GetContractsByRun", ctx, "run-1").Return([]Contract{
			{Step: deployer.StepMyNouns, Address: "0x00000000000000000000000000000000000000a1", Existing: true},
			{
				Step:            deployer.StepTokenizedNoun,
				Address:         "0x00000000000000000000000000000000000000b1",
				ConstructorArgs: []byte(`["0x4200000000000000000000000000000000000021","0x00000000000000000000000000000000000000a1"]`),
			},
			{
				Step:            deployer.StepFractionalNoun,
				Address:         "0x00000000000000000000000000000000000000c1",
				ConstructorArgs: []byte(`["0x00000000000000000000000000000000000000b1", 42]`),
			},
		}, nil)

		got, err := Recover(ctx, repo, 84532)
		require.NoError(t, err)
		assert.Len(t, got.Addresses, 3)
		assert.Equal(t, map[string][]string{
			deployer.StepTokenizedNoun: {
				"0x4200000000000000000000000000000000000021",
				"0x00000000000000000000000000000000000000a1",
			},
			deployer.StepFractionalNoun: {"0x00000000000000000000000000000000000000b1", "42"},
		}, got.ConstructorArgs)
	})

	t.Run("no runs", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("ListRunsByChainID", ctx, int64(84532)).Return([]*Run{}, nil)

		got, err := Recover(ctx, repo, 84532)
		require.NoError(t, err)
		assert.Empty(t, got.RunID)
		assert.Empty(t, got.Addresses)
	})

	t.Run("rejects malformed rows", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("ListRunsByChainID", ctx, int64(84532)).Return(runs[2:], nil)
		repo.On("GetContractsByRun", ctx, "run-1").Return([]Contract{
			{Step: deployer.StepMyNouns, Address: "not-an-address"},
		}, nil)

		_, err := Recover(ctx, repo, 84532)
		assert.Error(t, err)
	})

	t.Run("propagates repository errors", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("ListRunsByChainID", ctx, int64(84532)).Return(nil, errors.New("connection refused"))

		_, err := Recover(ctx, repo, 84532)
		assert.EqualError(t, err, "connection refused")

		repo = new(MockRepository)
		repo.On("ListRunsByChainID", ctx, int64(84532)).Return(runs, nil)
		repo.On("GetContractsByRun", ctx, "run-3").Return(nil, ErrNotFound)

		_, err = Recover(ctx, repo, 84532)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_create_runs.up.sql")
	assert.Contains(t, names, "000001_create_runs.down.sql")
	assert.Contains(t, names, "000002_add_verifier.up.sql")
	assert.Contains(t, names, "000002_add_verifier.down.sql")
}

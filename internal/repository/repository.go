package repository

import (
	"context"
)

// Repository defines the interface for run journal operations.
type Repository interface {
	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	UpdateRunStage(ctx context.Context, id string, stage string) error
	FinishRun(ctx context.Context, id string, status Status, stage string, errMsg *string) error
	// ListRunsByChainID returns the runs on chainID, newest first.
	ListRunsByChainID(ctx context.Context, chainID int64) ([]*Run, error)

	// Contract operations
	RecordContract(ctx context.Context, c *Contract) error
	GetContractsByRun(ctx context.Context, runID string) ([]Contract, error)

	// Transaction operations
	RecordTransaction(ctx context.Context, tx *Transaction) error

	// Verification operations
	RecordVerification(ctx context.Context, v *Verification) error
}

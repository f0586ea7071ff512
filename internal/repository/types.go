// Package repository persists the deployment run journal.
package repository

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the outcome of a run.
type Status string

const (
	// StatusRunning indicates the run is in progress or crashed before finishing.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run reached the done stage.
	StatusCompleted Status = "completed"
	// StatusAborted indicates a deployment or wiring step failed.
	StatusAborted Status = "aborted"
)

// Run is one invocation of the deployer against a chain.
type Run struct {
	// ID is the ULID assigned by the orchestrator.
	ID           string
	Mode         string
	Network      string
	ChainID      int64
	Deployer     string
	Status       Status
	Stage        string
	ErrorMessage *string
	StartedAt    time.Time
	FinishedAt   *time.Time
	UpdatedAt    time.Time
}

// Contract is a finalized contract address recorded by a run.
type Contract struct {
	ID              uuid.UUID
	RunID           string
	Step            string
	ContractName    string
	Address         string
	TxHash          *string
	BlockNumber     *int64
	ConstructorArgs json.RawMessage
	Existing        bool
	CreatedAt       time.Time
}

// Transaction represents a wiring transaction recorded during a run.
type Transaction struct {
	ID          uuid.UUID
	RunID       string
	Step        string
	TxHash      *string
	Description *string
	Skipped     bool
	CreatedAt   time.Time
}

// Verification is one verifier's outcome for one contract.
type Verification struct {
	ID    uuid.UUID
	RunID string
	Step  string
	// Verifier is empty when verification was skipped.
	Verifier     string
	Address      string
	Outcome      string
	URL          *string
	ErrorMessage *string
	CreatedAt    time.Time
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// CreateRun inserts a new run record.
func (r *PostgresRepository) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, mode, network, chain_id, deployer, status, stage, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING updated_at`

	err := r.pool.QueryRow(ctx, query,
		run.ID, run.Mode, run.Network, run.ChainID, run.Deployer, run.Status, run.Stage, run.StartedAt,
	).Scan(&run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("CreateRun: %w", err)
	}
	return nil
}

// UpdateRunStage records the stage a run has reached.
func (r *PostgresRepository) UpdateRunStage(ctx context.Context, id string, stage string) error {
	query := `
		UPDATE runs
		SET stage = $2, updated_at = NOW()
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, stage)
	if err != nil {
		return fmt.Errorf("UpdateRunStage: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRun stores the final status of a run.
func (r *PostgresRepository) FinishRun(ctx context.Context, id string, status Status, stage string, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = $2, stage = $3, error_message = $4, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, status, stage, errMsg)
	if err != nil {
		return fmt.Errorf("FinishRun: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRunsByChainID returns all runs on a chain, newest first.
func (r *PostgresRepository) ListRunsByChainID(ctx context.Context, chainID int64) ([]*Run, error) {
	query := `
		SELECT id, mode, network, chain_id, deployer, status, stage, error_message, started_at, finished_at, updated_at
		FROM runs
		WHERE chain_id = $1
		ORDER BY started_at DESC, id DESC`

	rows, err := r.pool.Query(ctx, query, chainID)
	if err != nil {
		return nil, fmt.Errorf("ListRunsByChainID: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRunsByChainID scan: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordContract inserts a finalized contract address.
func (r *PostgresRepository) RecordContract(ctx context.Context, c *Contract) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	query := `
		INSERT INTO run_contracts (id, run_id, step, contract_name, address, tx_hash, block_number, constructor_args, existing)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`

	err := r.pool.QueryRow(ctx, query,
		c.ID, c.RunID, c.Step, c.ContractName, c.Address, c.TxHash, c.BlockNumber, c.ConstructorArgs, c.Existing,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("RecordContract: %w", err)
	}
	return nil
}

// GetContractsByRun returns the contracts of a run in the order they were recorded.
func (r *PostgresRepository) GetContractsByRun(ctx context.Context, runID string) ([]Contract, error) {
	query := `
		SELECT id, run_id, step, contract_name, address, tx_hash, block_number, constructor_args, existing, created_at
		FROM run_contracts
		WHERE run_id = $1
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("GetContractsByRun: %w", err)
	}
	defer rows.Close()

	var contracts []Contract
	for rows.Next() {
		var c Contract
		if err := rows.Scan(
			&c.ID, &c.RunID, &c.Step, &c.ContractName, &c.Address,
			&c.TxHash, &c.BlockNumber, &c.ConstructorArgs, &c.Existing, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("GetContractsByRun scan: %w", err)
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

// RecordTransaction inserts a wiring transaction record.
func (r *PostgresRepository) RecordTransaction(ctx context.Context, tx *Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}

	query := `
		INSERT INTO run_transactions (id, run_id, step, tx_hash, description, skipped)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := r.pool.QueryRow(ctx, query,
		tx.ID, tx.RunID, tx.Step, tx.TxHash, tx.Description, tx.Skipped,
	).Scan(&tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("RecordTransaction: %w", err)
	}
	return nil
}

// RecordVerification inserts a verifier outcome.
func (r *PostgresRepository) RecordVerification(ctx context.Context, v *Verification) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}

	query := `
		INSERT INTO run_verifications (id, run_id, step, verifier, address, outcome, url, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err := r.pool.QueryRow(ctx, query,
		v.ID, v.RunID, v.Step, v.Verifier, v.Address, v.Outcome, v.URL, v.ErrorMessage,
	).Scan(&v.CreatedAt)
	if err != nil {
		return fmt.Errorf("RecordVerification: %w", err)
	}
	return nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(
		&run.ID, &run.Mode, &run.Network, &run.ChainID, &run.Deployer, &run.Status,
		&run.Stage, &run.ErrorMessage, &run.StartedAt, &run.FinishedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Compile-time check to ensure PostgresRepository implements Repository.
var _ Repository = (*PostgresRepository)(nil)

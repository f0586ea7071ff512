// Package errors provides the deployment error taxonomy.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the pipeline phase that produced it.
type Kind string

const (
	// KindConfig is a startup failure: missing or invalid configuration,
	// unreachable RPC, unreadable artifacts.
	KindConfig Kind = "config"
	// KindDeployment is a failed contract creation or confirmation wait.
	KindDeployment Kind = "deployment"
	// KindWiring is a failed post-deploy configuration transaction.
	KindWiring Kind = "wiring"
	// KindVerification is an explorer failure. Never fatal.
	KindVerification Kind = "verification"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitDeployment = 1
	ExitWiring     = 2
	ExitConfig     = 3
)

// Standard error definitions
var (
	// ErrMissingConfig is returned when a required setting is absent.
	ErrMissingConfig = errors.New("missing required configuration")

	// ErrReverted is returned when a mined transaction has a failed status.
	ErrReverted = errors.New("transaction reverted")

	// ErrConfirmationTimeout is returned when a transaction does not reach
	// the required confirmations in time.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrAddressNotRecorded is returned when a step reads an address that no
	// finalized deployment has produced.
	ErrAddressNotRecorded = errors.New("address not recorded")

	// ErrAddressAlreadyRecorded is returned on a second write for one contract.
	ErrAddressAlreadyRecorded = errors.New("address already recorded")

	// ErrNoCode is returned when a supplied address holds no contract code.
	ErrNoCode = errors.New("no contract code at address")

	// ErrInvalidTransition is returned when the run state machine is asked
	// to move backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrAlreadyVerified is returned by the explorer for verified sources.
	ErrAlreadyVerified = errors.New("source already verified")

	// ErrLocked is returned when another run holds the deployer lock.
	ErrLocked = errors.New("deployment lock held by another run")
)

// StepError is a failure attributed to one pipeline step.
type StepError struct {
	Kind     Kind
	Step     string
	Contract string
	Err      error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Contract != "" {
		return fmt.Sprintf("%s step %q (%s): %v", e.Kind, e.Step, e.Contract, e.Err)
	}
	return fmt.Sprintf("%s step %q: %v", e.Kind, e.Step, e.Err)
}

// Unwrap returns the underlying cause.
func (e *StepError) Unwrap() error {
	return e.Err
}

// NewDeploymentError wraps err as a deployment failure.
func NewDeploymentError(step, contract string, err error) *StepError {
	return &StepError{Kind: KindDeployment, Step: step, Contract: contract, Err: err}
}

// NewWiringError wraps err as a wiring failure.
func NewWiringError(step, contract string, err error) *StepError {
	return &StepError{Kind: KindWiring, Step: step, Contract: contract, Err: err}
}

// NewConfigError wraps err as a startup failure.
func NewConfigError(field string, err error) *StepError {
	return &StepError{Kind: KindConfig, Step: field, Err: err}
}

// KindOf returns the Kind of the first StepError in err's chain.
// Errors that carry no StepError are treated as deployment failures.
func KindOf(err error) Kind {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Kind
	}
	if errors.Is(err, ErrMissingConfig) || errors.Is(err, ErrLocked) {
		return KindConfig
	}
	return KindDeployment
}

// ExitCode maps an error returned by a run to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindConfig:
		return ExitConfig
	case KindWiring:
		return ExitWiring
	case KindVerification:
		return ExitOK
	default:
		return ExitDeployment
	}
}

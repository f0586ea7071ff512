package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Bidon15/nouns-deployer/internal/artifacts"
	"github.com/Bidon15/nouns-deployer/internal/explorer"
	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
	"github.com/Bidon15/nouns-deployer/internal/pkg/runid"
)

// OrchestratorConfig contains configuration for the orchestrator.
type OrchestratorConfig struct {
	// Logger for structured logging
	Logger *slog.Logger

	// Journal persists progress. Optional.
	Journal Journal

	// Metrics receives run metrics. Optional.
	Metrics Recorder

	// OnProgress is called on every stage change. Optional.
	OnProgress ProgressCallback

	// Identity of the run, recorded in the journal.
	NetworkName string
	ChainID     uint64
	Deployer    common.Address

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator executes a Plan against a network.
type Orchestrator struct {
	plan      *Plan
	network   Network
	artifacts ArtifactSource
	verifiers []Verifier
	config    OrchestratorConfig
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator. Every contract is submitted to
// each verifier in order; with none, verification is skipped.
func NewOrchestrator(
	plan *Plan,
	network Network,
	artifactSource ArtifactSource,
	verifiers []Verifier,
	config OrchestratorConfig,
) *Orchestrator {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Journal == nil {
		config.Journal = nopJournal{}
	}
	if config.Metrics == nil {
		config.Metrics = nopRecorder{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Orchestrator{
		plan:      plan,
		network:   network,
		artifacts: artifactSource,
		verifiers: verifiers,
		config:    config,
		logger:    logger,
	}
}

// run holds the state of one execution.
type run struct {
	id        string
	known     map[string]common.Address
	recorded  map[string][]string
	book      *AddressBook
	state     *StateMachine
	artifacts map[string]*artifacts.ContractArtifact
	summary   *Summary
}

// Run deploys every contract in plan order, wires them and verifies them.
//
// The returned Summary is non-nil whenever the run started, including when
// it aborted, and holds everything that was finalized.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	return o.execute(ctx, ModeRun, nil, resumeOptions{})
}

// ResumeOption configures RunFromExisting.
type ResumeOption func(*resumeOptions)

type resumeOptions struct {
	recordedArgs map[string][]string
}

// WithRecordedArgs supplies the constructor arguments existing contracts were
// deployed with, as written by artifacts.FormatArg. They take precedence over
// arguments recomputed from the current address book, which differ when a
// dependency of an existing contract is redeployed.
func WithRecordedArgs(args map[string][]string) ResumeOption {
	return func(o *resumeOptions) {
		o.recordedArgs = args
	}
}

// RunFromExisting is Run for a partially completed deployment. Steps named in
// known are not submitted; their addresses must already hold contract code.
// Wiring is skipped when the target already holds the expected address.
func (o *Orchestrator) RunFromExisting(ctx context.Context, known map[string]common.Address, opts ...ResumeOption) (*Summary, error) {
	var ro resumeOptions
	for _, opt := range opts {
		opt(&ro)
	}
	return o.execute(ctx, ModeResume, known, ro)
}

func (o *Orchestrator) execute(ctx context.Context, mode string, known map[string]common.Address, ro resumeOptions) (*Summary, error) {
	if err := o.checkKnown(known); err != nil {
		return nil, err
	}

	loaded, err := o.loadArtifacts()
	if err != nil {
		return nil, err
	}

	startedAt := o.config.Now()
	r := &run{
		id:        runid.New(startedAt),
		known:     known,
		recorded:  ro.recordedArgs,
		book:      NewAddressBook(),
		state:     NewStateMachine(o.plan),
		artifacts: loaded,
		summary: &Summary{
			Mode:      mode,
			StartedAt: startedAt,
			Stage:     StageNotStarted,
		},
	}
	r.summary.RunID = r.id

	logger := o.logger.With(slog.String("run_id", r.id), slog.String("mode", mode))
	logger.Info("starting deployment run",
		slog.String("network", o.config.NetworkName),
		slog.Uint64("chain_id", o.config.ChainID),
		slog.String("deployer", o.config.Deployer.Hex()),
		slog.Int("known", len(known)),
	)

	if err := o.config.Journal.StartRun(ctx, RunInfo{
		ID:        r.id,
		Mode:      mode,
		Network:   o.config.NetworkName,
		ChainID:   o.config.ChainID,
		Deployer:  o.config.Deployer,
		StartedAt: startedAt,
	}); err != nil {
		logger.Warn("failed to journal run start", slog.String("error", err.Error()))
	}

	runErr := o.runStages(ctx, r, logger)

	r.summary.FinishedAt = o.config.Now()
	duration := r.summary.FinishedAt.Sub(startedAt)

	if runErr != nil {
		if err := r.state.Abort(); err != nil {
			runErr = errors.Join(runErr, err)
		}
		r.summary.Stage = r.state.Current()
		o.config.Metrics.SetStage(StageAborted.String())
		o.journal(ctx, logger, "finish", func(ctx context.Context) error {
			return o.config.Journal.FinishRun(ctx, r.id, StageAborted, runErr)
		})
		o.config.Metrics.ObserveRun(mode, duration, runErr)
		logger.Error("deployment run aborted",
			slog.String("error", runErr.Error()),
			slog.Int("exit_code", deployerrors.ExitCode(runErr)),
		)
		return r.summary, runErr
	}

	o.config.Metrics.ObserveRun(mode, duration, nil)
	o.journal(ctx, logger, "finish", func(ctx context.Context) error {
		return o.config.Journal.FinishRun(ctx, r.id, StageDone, nil)
	})
	logger.Info("deployment run complete",
		slog.Int("deployed", r.summary.Deployed()),
		slog.Duration("duration", duration),
	)
	return r.summary, nil
}

func (o *Orchestrator) runStages(ctx context.Context, r *run, logger *slog.Logger) error {
	for _, step := range o.plan.Steps {
		if err := o.transition(ctx, r, logger, DeployingStage(step.Name), "Deploying "+step.Contract); err != nil {
			return err
		}
		if err := o.deployStep(ctx, r, logger, step); err != nil {
			return err
		}
	}

	if err := o.transition(ctx, r, logger, StageWiring, "Wiring contracts"); err != nil {
		return err
	}
	for _, w := range o.plan.Wiring {
		if err := o.wireStep(ctx, r, logger, w); err != nil {
			return err
		}
	}

	if err := o.transition(ctx, r, logger, StageVerifying, "Verifying sources"); err != nil {
		return err
	}
	o.verifyAll(ctx, r, logger)

	return o.transition(ctx, r, logger, StageDone, "Deployment complete")
}

func (o *Orchestrator) transition(ctx context.Context, r *run, logger *slog.Logger, to Stage, message string) error {
	if err := r.state.Advance(to); err != nil {
		return err
	}
	r.summary.Stage = to
	o.config.Metrics.SetStage(to.String())
	if o.config.OnProgress != nil {
		o.config.OnProgress(to, r.state.Progress(), message)
	}
	o.journal(ctx, logger, "stage", func(ctx context.Context) error {
		return o.config.Journal.RecordStage(ctx, r.id, to)
	})
	return nil
}

// deployStep finalizes one contract: either confirms a supplied address or
// deploys and waits. The address book is written only after that.
func (o *Orchestrator) deployStep(ctx context.Context, r *run, logger *slog.Logger, step DeploymentStep) error {
	artifact := r.artifacts[step.Name]
	start := time.Now()

	result, err := o.finalize(ctx, r, logger, step, artifact)
	o.config.Metrics.ObserveDeployment(step.Contract, r.isKnown(step.Name), time.Since(start), err)
	if err != nil {
		return deployerrors.NewDeploymentError(step.Name, step.Contract, err)
	}

	if err := r.book.Record(step.Name, result.Address); err != nil {
		return deployerrors.NewDeploymentError(step.Name, step.Contract, err)
	}
	r.summary.Deployments = append(r.summary.Deployments, *result)

	o.journal(ctx, logger, "deployment", func(ctx context.Context) error {
		return o.config.Journal.RecordDeployment(ctx, r.id, *result)
	})
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, r *run, logger *slog.Logger, step DeploymentStep, artifact *artifacts.ContractArtifact) (*DeploymentResult, error) {
	args, err := step.Args(r.book)
	if err != nil {
		return nil, fmt.Errorf("resolve constructor args: %w", err)
	}

	if addr, ok := r.known[step.Name]; ok {
		code, err := o.network.CodeAt(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("check code at %s: %w", addr.Hex(), err)
		}
		if len(code) == 0 {
			return nil, fmt.Errorf("%s: %w", addr.Hex(), deployerrors.ErrNoCode)
		}

		logger.Info("using existing contract",
			slog.String("contract", step.Contract),
			slog.String("address", addr.Hex()),
		)
		return &DeploymentResult{
			Name:            step.Name,
			Contract:        step.Contract,
			Address:         addr,
			ConstructorArgs: o.existingArgs(r, logger, step, artifact, args),
			Existing:        true,
		}, nil
	}

	tx, err := o.network.Deploy(ctx, artifact, step.GasPrice, args...)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	logger.Info("deployment submitted",
		slog.String("contract", step.Contract),
		slog.String("tx_hash", tx.Hash().Hex()),
	)

	receipt, err := o.network.WaitConfirmed(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("tx %s: %w", tx.Hash().Hex(), err)
	}

	logger.Info("contract deployed",
		slog.String("contract", step.Contract),
		slog.String("address", receipt.ContractAddress.Hex()),
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.Uint64("block", receipt.BlockNumber),
		slog.Uint64("confirmations", receipt.Confirmations),
	)

	return &DeploymentResult{
		Name:            step.Name,
		Contract:        step.Contract,
		Address:         receipt.ContractAddress,
		TxHash:          receipt.TxHash,
		BlockNumber:     receipt.BlockNumber,
		Confirmations:   receipt.Confirmations,
		ConstructorArgs: args,
	}, nil
}

// existingArgs returns the constructor arguments of a supplied contract.
// Recorded arguments win; recomputed ones are used when none were recorded
// or they do not fit the constructor.
func (o *Orchestrator) existingArgs(r *run, logger *slog.Logger, step DeploymentStep, artifact *artifacts.ContractArtifact, computed []any) []any {
	recorded, ok := r.recorded[step.Name]
	if !ok {
		for _, dep := range step.DependsOn {
			if !r.isKnown(dep) {
				logger.Warn("no recorded constructor args for existing contract, verification may fail",
					slog.String("contract", step.Contract),
					slog.String("redeployed", dep),
				)
				break
			}
		}
		return computed
	}

	args, err := artifact.ParseConstructorArgs(recorded)
	if err != nil {
		logger.Warn("ignoring recorded constructor args",
			slog.String("contract", step.Contract),
			slog.String("error", err.Error()),
		)
		return computed
	}
	return args
}

func (o *Orchestrator) wireStep(ctx context.Context, r *run, logger *slog.Logger, w WiringStep) error {
	targetStep, _ := o.plan.Step(w.Target)
	start := time.Now()

	result, err := o.wire(ctx, r, logger, w)
	skipped := result != nil && result.Skipped
	o.config.Metrics.ObserveWiring(w.Method, skipped, time.Since(start), err)
	if err != nil {
		return deployerrors.NewWiringError(w.Name, targetStep.Contract, err)
	}

	r.summary.Wiring = append(r.summary.Wiring, *result)
	o.journal(ctx, logger, "wiring", func(ctx context.Context) error {
		return o.config.Journal.RecordWiring(ctx, r.id, *result)
	})
	return nil
}

func (o *Orchestrator) wire(ctx context.Context, r *run, logger *slog.Logger, w WiringStep) (*WiringResult, error) {
	target, err := r.book.Get(w.Target)
	if err != nil {
		return nil, err
	}
	arg, err := r.book.Get(w.Arg)
	if err != nil {
		return nil, err
	}

	contractABI := r.artifacts[w.Target].ABIDefinition()
	result := &WiringResult{
		Name:   w.Name,
		Target: target,
		Method: w.Method,
		Arg:    arg,
	}

	if o.alreadyWired(ctx, r, logger, w, target, arg) {
		logger.Info("wiring already applied",
			slog.String("method", w.Method),
			slog.String("target", target.Hex()),
			slog.String("arg", arg.Hex()),
		)
		result.Skipped = true
		return result, nil
	}

	tx, err := o.network.Call(ctx, target, contractABI, w.Method, w.GasPrice, arg)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", w.Method, err)
	}

	logger.Info("wiring submitted",
		slog.String("method", w.Method),
		slog.String("target", target.Hex()),
		slog.String("arg", arg.Hex()),
		slog.String("tx_hash", tx.Hash().Hex()),
	)

	receipt, err := o.network.WaitConfirmed(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("tx %s: %w", tx.Hash().Hex(), err)
	}

	result.TxHash = receipt.TxHash
	result.BlockNumber = receipt.BlockNumber

	logger.Info("wiring confirmed",
		slog.String("method", w.Method),
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.Uint64("block", receipt.BlockNumber),
	)
	return result, nil
}

// alreadyWired reads the target's getter when the ABI has one. Read errors
// are logged and treated as not wired.
func (o *Orchestrator) alreadyWired(ctx context.Context, r *run, logger *slog.Logger, w WiringStep, target, arg common.Address) bool {
	if w.Getter == "" {
		return false
	}
	contractABI := r.artifacts[w.Target].ABIDefinition()
	if _, ok := contractABI.Methods[w.Getter]; !ok {
		return false
	}

	out, err := o.network.Read(ctx, target, contractABI, w.Getter)
	if err != nil {
		logger.Warn("wiring getter failed, sending transaction",
			slog.String("getter", w.Getter),
			slog.String("error", err.Error()),
		)
		return false
	}
	if len(out) != 1 {
		return false
	}
	current, ok := out[0].(common.Address)
	return ok && current == arg
}

// verifyAll submits every recorded contract to each verifier in plan order.
// Failures are logged and recorded; they never abort the run.
func (o *Orchestrator) verifyAll(ctx context.Context, r *run, logger *slog.Logger) {
	for _, d := range r.summary.Deployments {
		if len(o.verifiers) == 0 {
			o.recordVerification(ctx, r, logger, VerificationResult{
				Name:     d.Name,
				Contract: d.Contract,
				Address:  d.Address,
				Outcome:  explorer.OutcomeSkipped,
			})
			continue
		}
		for _, v := range o.verifiers {
			o.recordVerification(ctx, r, logger, o.verify(ctx, r, logger, v, d))
		}
	}
}

func (o *Orchestrator) recordVerification(ctx context.Context, r *run, logger *slog.Logger, result VerificationResult) {
	o.config.Metrics.ObserveVerification(result.Verifier, result.Contract, result.Outcome)
	r.summary.Verifications = append(r.summary.Verifications, result)
	o.journal(ctx, logger, "verification", func(ctx context.Context) error {
		return o.config.Journal.RecordVerification(ctx, r.id, result)
	})
}

func (o *Orchestrator) verify(ctx context.Context, r *run, logger *slog.Logger, v Verifier, d DeploymentResult) VerificationResult {
	result := VerificationResult{
		Name:     d.Name,
		Contract: d.Contract,
		Verifier: v.Name(),
		Address:  d.Address,
		URL:      v.AddressURL(d.Address),
	}
	logger = logger.With(slog.String("verifier", result.Verifier))

	artifact := r.artifacts[d.Name]
	encoded, err := artifact.EncodeConstructorArgs(d.ConstructorArgs...)
	if err != nil {
		result.Outcome = explorer.OutcomeFailed
		result.Err = err
		logger.Warn("verification failed", slog.String("contract", d.Contract), slog.String("error", err.Error()))
		return result
	}

	outcome, err := v.Verify(ctx, explorer.Request{
		Address:         d.Address,
		ContractName:    artifact.FullyQualifiedName(),
		CompilerVersion: artifact.CompilerVersion,
		SourceCode:      string(artifact.StandardInput),
		ConstructorArgs: encoded,
	})
	result.Outcome = outcome
	result.Err = err

	switch {
	case err != nil:
		result.Outcome = explorer.OutcomeFailed
		logger.Warn("verification failed",
			slog.String("contract", d.Contract),
			slog.String("address", d.Address.Hex()),
			slog.String("error", err.Error()),
		)
	case outcome == explorer.OutcomeAlreadyVerified:
		logger.Info("contract already verified",
			slog.String("contract", d.Contract),
			slog.String("address", d.Address.Hex()),
		)
	default:
		logger.Info("contract verified",
			slog.String("contract", d.Contract),
			slog.String("address", d.Address.Hex()),
			slog.String("url", result.URL),
		)
	}
	return result
}

// checkKnown rejects supplied addresses that do not name a plan step.
func (o *Orchestrator) checkKnown(known map[string]common.Address) error {
	for name, addr := range known {
		step, ok := o.plan.Step(name)
		if !ok {
			return deployerrors.NewConfigError("recovery",
				fmt.Errorf("%w: unknown contract %q", deployerrors.ErrMissingConfig, name))
		}
		if addr == (common.Address{}) {
			return deployerrors.NewConfigError("recovery."+name,
				fmt.Errorf("%w: zero address", deployerrors.ErrMissingConfig))
		}
		for _, dep := range step.DependsOn {
			if _, depKnown := known[dep]; !depKnown {
				o.logger.Warn("existing contract depends on a contract that will be redeployed",
					slog.String("contract", step.Contract),
					slog.String("dependency", dep),
				)
			}
		}
	}
	return nil
}

func (o *Orchestrator) loadArtifacts() (map[string]*artifacts.ContractArtifact, error) {
	loaded := make(map[string]*artifacts.ContractArtifact, len(o.plan.Steps))
	for _, step := range o.plan.Steps {
		a, err := o.artifacts.Load(step.Contract)
		if err != nil {
			return nil, deployerrors.NewConfigError("artifacts.dir", err)
		}
		loaded[step.Name] = a
	}
	for _, w := range o.plan.Wiring {
		if _, ok := loaded[w.Target].ABIDefinition().Methods[w.Method]; !ok {
			return nil, deployerrors.NewConfigError("artifacts.dir",
				fmt.Errorf("%s has no method %s", loaded[w.Target].ContractName, w.Method))
		}
	}
	return loaded, nil
}

// journal runs a journal write detached from ctx cancellation so an
// interrupted run still records how far it got.
func (o *Orchestrator) journal(ctx context.Context, logger *slog.Logger, what string, write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := write(ctx); err != nil {
		logger.Warn("failed to journal "+what, slog.String("error", err.Error()))
	}
}

func (r *run) isKnown(name string) bool {
	_, ok := r.known[name]
	return ok
}

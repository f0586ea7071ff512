package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/Bidon15/nouns-deployer/internal/artifacts"
	"github.com/Bidon15/nouns-deployer/internal/config"
	"github.com/Bidon15/nouns-deployer/internal/deployer"
	"github.com/Bidon15/nouns-deployer/internal/ethereum"
	"github.com/Bidon15/nouns-deployer/internal/explorer"
	"github.com/Bidon15/nouns-deployer/internal/lock"
	"github.com/Bidon15/nouns-deployer/internal/metrics"
	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
	"github.com/Bidon15/nouns-deployer/internal/report"
	"github.com/Bidon15/nouns-deployer/internal/repository"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Deploy all contracts from scratch",
	Long: `Deploys MyNouns, TokenizedNoun(eas, MyNouns) and FractionalNoun(TokenizedNoun),
waits for each to reach the configured confirmation depth, calls
TokenizedNoun.setFractionalNounContract(FractionalNoun), and verifies
all three contracts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return deploy(cmd.Context(), deployer.ModeRun)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a partial deployment from known addresses",
	Long: `Like run, but steps with a known address are not redeployed. Known addresses
come from the recovery section of the config, a previous run report
(recovery.from_report) or the run journal (recovery.from_store).
Explicit addresses win over the report, which wins over the journal.

Wiring is skipped when TokenizedNoun already points at FractionalNoun.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return deploy(cmd.Context(), deployer.ModeResume)
	},
}

func deploy(ctx context.Context, mode string) error {
	collector := metrics.NewCollector()
	defer pushMetrics(ctx, collector)

	client, err := ethereum.Dial(ctx, cfg.Network.RPCURL, ethereum.DialConfig{
		Attempts: cfg.Network.DialAttempts,
		Delay:    cfg.Network.DialDelay,
		Timeout:  cfg.Network.RPCTimeout,
		Logger:   logger,
	})
	if err != nil {
		return deployerrors.NewConfigError("network.rpc_url", err)
	}
	defer client.Close()

	chainID := new(big.Int).SetUint64(cfg.Network.ChainID)
	signer, err := ethereum.NewSigner(cfg.Signer, chainID)
	if err != nil {
		return err
	}

	balance, err := ethereum.Preflight(ctx, client, signer.Address(), cfg.Network.ChainID)
	if err != nil {
		return err
	}
	logger.Info("preflight passed",
		slog.String("network", cfg.Network.Name),
		slog.Uint64("chain_id", cfg.Network.ChainID),
		slog.String("deployer", signer.Address().Hex()),
		slog.String("balance_wei", balance.String()),
	)

	locker, closeLocker, err := newLocker(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeLocker()

	lease, err := locker.Acquire(ctx, cfg.Network.ChainID, signer.Address())
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			logger.Warn("failed to release run lock", slog.String("key", lease.Key), slog.String("error", err.Error()))
		}
	}()

	repo, closeRepo, err := openRepository(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeRepo()

	var rec *recovered
	if mode == deployer.ModeResume {
		rec, err = knownAddresses(ctx, cfg.Recovery, cfg.Network.ChainID, repo)
		if err != nil {
			return err
		}
	} else if len(cfg.Recovery.Addresses()) > 0 {
		logger.Warn("recovery addresses are ignored by run; use resume")
	}

	plan, err := newPlan(cfg)
	if err != nil {
		return deployerrors.NewConfigError("contracts", err)
	}

	transactor := ethereum.NewTransactor(client, signer, ethereum.TransactorConfig{
		Confirmations:       cfg.Network.Confirmations,
		PollInterval:        cfg.Network.PollInterval,
		ConfirmationTimeout: cfg.Network.ConfirmationTimeout,
		RPCTimeout:          cfg.Network.RPCTimeout,
		Logger:              logger,
	})

	orchCfg := deployer.OrchestratorConfig{
		Logger:      logger,
		Metrics:     collector,
		NetworkName: cfg.Network.Name,
		ChainID:     cfg.Network.ChainID,
		Deployer:    transactor.Deployer(),
		OnProgress: func(stage deployer.Stage, progress float64, message string) {
			logger.Debug(message, slog.String("stage", stage.String()), slog.Float64("progress", progress))
		},
	}
	if repo != nil {
		orchCfg.Journal = repository.NewJournal(repo)
	}

	orch := deployer.NewOrchestrator(plan, transactor, artifacts.NewLoader(cfg.Artifacts.Dir), newVerifiers(cfg), orchCfg)

	var summary *deployer.Summary
	if mode == deployer.ModeResume {
		summary, err = orch.RunFromExisting(ctx, rec.addresses, deployer.WithRecordedArgs(rec.args))
	} else {
		summary, err = orch.Run(ctx)
	}

	if summary != nil {
		printSummary(os.Stdout, summary)
		if cfg.Report.Path != "" {
			r := report.New(summary, report.Meta{
				Network:  cfg.Network.Name,
				ChainID:  cfg.Network.ChainID,
				Deployer: transactor.Deployer(),
			})
			if werr := report.Write(cfg.Report.Path, r); werr != nil {
				logger.Warn("failed to write run report", slog.String("path", cfg.Report.Path), slog.String("error", werr.Error()))
			} else {
				logger.Info("run report written", slog.String("path", cfg.Report.Path))
			}
		}
	}
	return err
}

// newPlan builds the deployment plan from the contracts and gas sections.
func newPlan(c *config.Config) (*deployer.Plan, error) {
	if !common.IsHexAddress(c.Contracts.EASAddress) {
		return nil, fmt.Errorf("invalid eas address %q", c.Contracts.EASAddress)
	}
	return deployer.NewPlan(deployer.PlanConfig{
		EASAddress:             common.HexToAddress(c.Contracts.EASAddress),
		MyNounsGasPrice:        gasPrice(c.Gas.MyNouns),
		TokenizedNounGasPrice:  gasPrice(c.Gas.TokenizedNoun),
		FractionalNounGasPrice: gasPrice(c.Gas.FractionalNoun),
		WiringGasPrice:         gasPrice(c.Gas.Wiring),
	})
}

// newVerifiers returns the enabled verifiers, Etherscan first.
func newVerifiers(c *config.Config) []deployer.Verifier {
	var verifiers []deployer.Verifier
	if c.Explorer.Enabled {
		verifiers = append(verifiers, explorer.NewClient(explorer.Config{
			APIURL:       c.Explorer.APIURL,
			BrowserURL:   c.Explorer.BrowserURL,
			APIKey:       c.Explorer.APIKey,
			ChainID:      c.Network.ChainID,
			PollInterval: c.Explorer.PollInterval,
			Timeout:      c.Explorer.Timeout,
			RetryMax:     c.Explorer.RetryMax,
			Logger:       logger,
		}))
	}
	if c.Explorer.Sourcify.Enabled {
		verifiers = append(verifiers, explorer.NewSourcifyClient(explorer.SourcifyConfig{
			APIURL:       c.Explorer.Sourcify.APIURL,
			RepoURL:      c.Explorer.Sourcify.RepoURL,
			ChainID:      c.Network.ChainID,
			PollInterval: c.Explorer.PollInterval,
			Timeout:      c.Explorer.Timeout,
			RetryMax:     c.Explorer.RetryMax,
			Logger:       logger,
		}))
	}
	return verifiers
}

// gasPrice returns nil for zero, which means the node's suggestion.
func gasPrice(wei uint64) *big.Int {
	if wei == 0 {
		return nil
	}
	return new(big.Int).SetUint64(wei)
}

func newLocker(ctx context.Context, c config.RedisConfig) (lock.Locker, func(), error) {
	if !c.Enabled() {
		return lock.Nop{}, func() {}, nil
	}
	client, err := lock.Connect(ctx, c)
	if err != nil {
		return nil, nil, deployerrors.NewConfigError("redis.addr", err)
	}
	return lock.NewRedisLocker(client, c.LockTTL, logger), func() { _ = client.Close() }, nil
}

// openRepository returns a nil Repository when no database is configured.
func openRepository(ctx context.Context, c config.DatabaseConfig) (repository.Repository, func(), error) {
	if !c.Enabled() {
		return nil, func() {}, nil
	}
	if err := repository.Migrate(c.URL); err != nil {
		return nil, nil, deployerrors.NewConfigError("database.url", err)
	}
	pool, err := repository.OpenPool(ctx, c)
	if err != nil {
		return nil, nil, deployerrors.NewConfigError("database.url", err)
	}
	return repository.NewPostgresRepository(pool), pool.Close, nil
}

func pushMetrics(ctx context.Context, collector *metrics.Collector) {
	if cfg.Metrics.PushgatewayURL == "" {
		return
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := collector.Push(pushCtx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		logger.Warn("failed to push metrics", slog.String("error", err.Error()))
	}
}

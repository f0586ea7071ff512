package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Bidon15/nouns-deployer/internal/config"
	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
	"github.com/Bidon15/nouns-deployer/internal/report"
	"github.com/Bidon15/nouns-deployer/internal/repository"
)

// recovered is the starting point of a resume.
type recovered struct {
	addresses map[string]common.Address
	// args holds recorded constructor args of known steps.
	args map[string][]string
}

type recordedArgs struct {
	address common.Address
	values  []string
}

// knownAddresses merges the recovery sources. Explicit config entries win
// over the report, which wins over the journal. Recorded constructor args
// are kept only for steps whose final address is the one they were recorded
// with. repo may be nil.
func knownAddresses(ctx context.Context, rc config.RecoveryConfig, chainID uint64, repo repository.Repository) (*recovered, error) {
	out := &recovered{
		addresses: make(map[string]common.Address),
		args:      make(map[string][]string),
	}
	recorded := make(map[string]recordedArgs)

	merge := func(addresses map[string]common.Address, args map[string][]string) {
		for step, addr := range addresses {
			out.addresses[step] = addr
			if values, ok := args[step]; ok {
				recorded[step] = recordedArgs{address: addr, values: values}
			} else {
				delete(recorded, step)
			}
		}
	}

	if rc.FromStore {
		if repo == nil {
			return nil, deployerrors.NewConfigError("recovery.from_store",
				fmt.Errorf("%w: database.url is required", deployerrors.ErrMissingConfig))
		}
		stored, err := repository.Recover(ctx, repo, chainID)
		if err != nil {
			return nil, deployerrors.NewConfigError("recovery.from_store", err)
		}
		logger.Info("loaded addresses from run journal",
			slog.String("run_id", stored.RunID),
			slog.Int("count", len(stored.Addresses)),
		)
		merge(stored.Addresses, stored.ConstructorArgs)
	}

	if rc.FromReport != "" {
		r, err := report.Read(rc.FromReport)
		if err != nil {
			return nil, err
		}
		if r.ChainID != 0 && r.ChainID != chainID {
			return nil, deployerrors.NewConfigError("recovery.from_report",
				fmt.Errorf("report %s is for chain %d, configured %d", r.RunID, r.ChainID, chainID))
		}
		logger.Info("loaded addresses from run report",
			slog.String("path", rc.FromReport),
			slog.String("run_id", r.RunID),
		)
		merge(r.Addresses(), r.ConstructorArgs())
	}

	for name, addr := range rc.Addresses() {
		if !common.IsHexAddress(addr) {
			return nil, deployerrors.NewConfigError("recovery."+name, errors.New("invalid address"))
		}
		out.addresses[name] = common.HexToAddress(addr)
	}

	for step, r := range recorded {
		if out.addresses[step] == r.address {
			out.args[step] = r.values
		}
	}

	if len(out.addresses) == 0 {
		logger.Warn("resume has no known addresses; every contract will be deployed")
	}
	return out, nil
}

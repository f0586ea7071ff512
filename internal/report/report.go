// Package report writes and reads the YAML run report.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/Bidon15/nouns-deployer/internal/artifacts"
	"github.com/Bidon15/nouns-deployer/internal/deployer"
	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
	"github.com/Bidon15/nouns-deployer/internal/pkg/runid"
)

// Meta describes where a run happened.
type Meta struct {
	Network  string
	ChainID  uint64
	Deployer common.Address
}

// Report is the on-disk form of a run summary.
type Report struct {
	RunID         string         `yaml:"run-id"`
	Mode          string         `yaml:"mode"`
	Network       string         `yaml:"network"`
	ChainID       uint64         `yaml:"chain-id"`
	Deployer      string         `yaml:"deployer"`
	StartedAt     time.Time      `yaml:"started-at"`
	FinishedAt    time.Time      `yaml:"finished-at"`
	Stage         string         `yaml:"stage"`
	Contracts     []Contract     `yaml:"contracts"`
	Wiring        []Wiring       `yaml:"wiring,omitempty"`
	Verifications []Verification `yaml:"verifications,omitempty"`
}

// Contract is one finalized or supplied deployment.
type Contract struct {
	Step            string   `yaml:"step"`
	Name            string   `yaml:"name"`
	Address         string   `yaml:"address"`
	TxHash          string   `yaml:"tx-hash,omitempty"`
	BlockNumber     uint64   `yaml:"block-number,omitempty"`
	ConstructorArgs []string `yaml:"constructor-args,omitempty"`
	Existing        bool     `yaml:"existing,omitempty"`
}

// Wiring is one configuration call.
type Wiring struct {
	Step    string `yaml:"step"`
	Target  string `yaml:"target"`
	Method  string `yaml:"method"`
	Arg     string `yaml:"arg"`
	TxHash  string `yaml:"tx-hash,omitempty"`
	Skipped bool   `yaml:"skipped,omitempty"`
}

// Verification is one verifier outcome.
type Verification struct {
	Step     string `yaml:"step"`
	Verifier string `yaml:"verifier,omitempty"`
	Outcome  string `yaml:"outcome"`
	URL      string `yaml:"url,omitempty"`
	Error    string `yaml:"error,omitempty"`
}

// New converts a run summary into a report.
func New(s *deployer.Summary, meta Meta) *Report {
	r := &Report{
		RunID:      s.RunID,
		Mode:       s.Mode,
		Network:    meta.Network,
		ChainID:    meta.ChainID,
		Deployer:   meta.Deployer.Hex(),
		StartedAt:  s.StartedAt.UTC(),
		FinishedAt: s.FinishedAt.UTC(),
		Stage:      string(s.Stage),
	}

	for _, d := range s.Deployments {
		c := Contract{
			Step:        d.Name,
			Name:        d.Contract,
			Address:     d.Address.Hex(),
			BlockNumber: d.BlockNumber,
			Existing:    d.Existing,
		}
		if d.TxHash != (common.Hash{}) {
			c.TxHash = d.TxHash.Hex()
		}
		for _, arg := range d.ConstructorArgs {
			c.ConstructorArgs = append(c.ConstructorArgs, artifacts.FormatArg(arg))
		}
		r.Contracts = append(r.Contracts, c)
	}

	for _, w := range s.Wiring {
		entry := Wiring{
			Step:    w.Name,
			Target:  w.Target.Hex(),
			Method:  w.Method,
			Arg:     w.Arg.Hex(),
			Skipped: w.Skipped,
		}
		if !w.Skipped {
			entry.TxHash = w.TxHash.Hex()
		}
		r.Wiring = append(r.Wiring, entry)
	}

	for _, v := range s.Verifications {
		entry := Verification{Step: v.Name, Verifier: v.Verifier, Outcome: string(v.Outcome), URL: v.URL}
		if v.Err != nil {
			entry.Error = v.Err.Error()
		}
		r.Verifications = append(r.Verifications, entry)
	}
	return r
}

// Write stores the report at path, replacing any previous file atomically.
func Write(path string, r *Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".nouns-report-*")
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// Read parses a report written by Write.
func Read(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, deployerrors.NewConfigError("recovery.from_report", err)
	}

	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, deployerrors.NewConfigError("recovery.from_report", fmt.Errorf("parse %s: %w", path, err))
	}
	if err := runid.Validate(r.RunID); err != nil {
		return nil, deployerrors.NewConfigError("recovery.from_report", fmt.Errorf("%s: %w", path, err))
	}
	for _, c := range r.Contracts {
		if !common.IsHexAddress(c.Address) {
			return nil, deployerrors.NewConfigError("recovery.from_report",
				fmt.Errorf("%s: step %s has malformed address %q", path, c.Step, c.Address))
		}
	}
	return &r, nil
}

// Addresses returns the step to address map recorded in the report.
func (r *Report) Addresses() map[string]common.Address {
	out := make(map[string]common.Address, len(r.Contracts))
	for _, c := range r.Contracts {
		out[c.Step] = common.HexToAddress(c.Address)
	}
	return out
}

// ConstructorArgs returns the recorded constructor arguments per step.
// Steps deployed without arguments are omitted.
func (r *Report) ConstructorArgs() map[string][]string {
	out := make(map[string][]string, len(r.Contracts))
	for _, c := range r.Contracts {
		if len(c.ConstructorArgs) > 0 {
			out[c.Step] = c.ConstructorArgs
		}
	}
	return out
}

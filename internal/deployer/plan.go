// Package deployer runs the ordered contract deployment pipeline: deploy
// each contract once its dependencies are final, wire them together, then
// verify their sources.
package deployer

import (
	"fmt"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

// Step names. They are stable keys used in configuration, journal rows and
// reports.
const (
	StepMyNouns        = "my_nouns"
	StepTokenizedNoun  = "tokenized_noun"
	StepFractionalNoun = "fractional_noun"

	WireFractionalNoun = "wire_fractional_noun"
)

// ArgsFunc resolves a step's constructor arguments from finalized addresses.
type ArgsFunc func(book *AddressBook) ([]any, error)

// DeploymentStep describes one contract creation.
type DeploymentStep struct {
	Name     string
	Contract string
	Args     ArgsFunc
	// DependsOn lists the steps whose addresses Args reads.
	DependsOn []string
	GasPrice  *big.Int
}

// WiringStep is a post-deploy configuration call: Target.Method(Arg), where
// Target and Arg are deployment step names.
type WiringStep struct {
	Name   string
	Target string
	Method string
	// Getter, when the target ABI has it, returns the currently configured
	// address. A match skips the call.
	Getter string
	Arg    string
	// GasPrice nil means the node's suggested price.
	GasPrice *big.Int
}

// Plan is the static, ordered deployment graph shared by Run and
// RunFromExisting.
type Plan struct {
	Steps  []DeploymentStep
	Wiring []WiringStep
}

// PlanConfig holds the inputs of the Nouns plan.
type PlanConfig struct {
	EASAddress common.Address

	MyNounsGasPrice        *big.Int
	TokenizedNounGasPrice  *big.Int
	FractionalNounGasPrice *big.Int
	WiringGasPrice         *big.Int
}

// NewPlan builds the MyNouns -> TokenizedNoun -> FractionalNoun plan:
//
//	MyNouns()
//	TokenizedNoun(eas, MyNouns)
//	FractionalNoun(TokenizedNoun)
//	TokenizedNoun.setFractionalNounContract(FractionalNoun)
func NewPlan(cfg PlanConfig) (*Plan, error) {
	if cfg.EASAddress == (common.Address{}) {
		return nil, fmt.Errorf("eas address is required")
	}

	eas := cfg.EASAddress
	plan := &Plan{
		Steps: []DeploymentStep{
			{
				Name:     StepMyNouns,
				Contract: "MyNouns",
				Args:     func(*AddressBook) ([]any, error) { return nil, nil },
				GasPrice: cfg.MyNounsGasPrice,
			},
			{
				Name:      StepTokenizedNoun,
				Contract:  "TokenizedNoun",
				DependsOn: []string{StepMyNouns},
				Args: func(book *AddressBook) ([]any, error) {
					myNouns, err := book.Get(StepMyNouns)
					if err != nil {
						return nil, err
					}
					return []any{eas, myNouns}, nil
				},
				GasPrice: cfg.TokenizedNounGasPrice,
			},
			{
				Name:      StepFractionalNoun,
				Contract:  "FractionalNoun",
				DependsOn: []string{StepTokenizedNoun},
				Args: func(book *AddressBook) ([]any, error) {
					tokenized, err := book.Get(StepTokenizedNoun)
					if err != nil {
						return nil, err
					}
					return []any{tokenized}, nil
				},
				GasPrice: cfg.FractionalNounGasPrice,
			},
		},
		Wiring: []WiringStep{
			{
				Name:     WireFractionalNoun,
				Target:   StepTokenizedNoun,
				Method:   "setFractionalNounContract",
				Getter:   "fractionalNounContract",
				Arg:      StepFractionalNoun,
				GasPrice: cfg.WiringGasPrice,
			},
		},
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate checks that names are unique and every reference points at an
// earlier deployment step.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for _, step := range p.Steps {
		if step.Name == "" || step.Contract == "" {
			return fmt.Errorf("step %q: name and contract are required", step.Name)
		}
		if step.Args == nil {
			return fmt.Errorf("step %q: no argument binding", step.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("duplicate step %q", step.Name)
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %q depends on %q which is not an earlier step", step.Name, dep)
			}
		}
		seen[step.Name] = true
	}

	wired := make(map[string]bool, len(p.Wiring))
	for _, w := range p.Wiring {
		if w.Name == "" || w.Method == "" {
			return fmt.Errorf("wiring %q: name and method are required", w.Name)
		}
		if wired[w.Name] || seen[w.Name] {
			return fmt.Errorf("duplicate step %q", w.Name)
		}
		if !seen[w.Target] {
			return fmt.Errorf("wiring %q targets unknown step %q", w.Name, w.Target)
		}
		if !seen[w.Arg] {
			return fmt.Errorf("wiring %q passes unknown step %q", w.Name, w.Arg)
		}
		wired[w.Name] = true
	}
	return nil
}

// Step returns the deployment step called name.
func (p *Plan) Step(name string) (DeploymentStep, bool) {
	i := slices.IndexFunc(p.Steps, func(s DeploymentStep) bool { return s.Name == name })
	if i < 0 {
		return DeploymentStep{}, false
	}
	return p.Steps[i], true
}

// Names returns the deployment step names in order.
func (p *Plan) Names() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name
	}
	return names
}

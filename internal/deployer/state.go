package deployer

import (
	"fmt"
	"slices"
	"strings"

	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
)

// Stage represents the run stage for progress tracking.
type Stage string

const (
	StageNotStarted              Stage = "not_started"
	StageDeployingMyNouns        Stage = "deploying_my_nouns"
	StageDeployingTokenizedNoun  Stage = "deploying_tokenized_noun"
	StageDeployingFractionalNoun Stage = "deploying_fractional_noun"
	StageWiring                  Stage = "wiring"
	StageVerifying               Stage = "verifying"
	StageDone                    Stage = "done"
	StageAborted                 Stage = "aborted"
)

const deployingPrefix = "deploying_"

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// DeployingStage returns the stage in which step is deployed.
func DeployingStage(step string) Stage {
	return Stage(deployingPrefix + step)
}

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageAborted
}

// StateMachine tracks a run's progress through the plan's stages. Moves are
// forward-only; aborting is allowed only while deploying or wiring.
type StateMachine struct {
	order   []Stage
	current int
	aborted bool
}

// NewStateMachine builds the stage sequence for plan.
func NewStateMachine(plan *Plan) *StateMachine {
	order := make([]Stage, 0, len(plan.Steps)+4)
	order = append(order, StageNotStarted)
	for _, step := range plan.Steps {
		order = append(order, DeployingStage(step.Name))
	}
	order = append(order, StageWiring, StageVerifying, StageDone)
	return &StateMachine{order: order}
}

// Current returns the current stage.
func (m *StateMachine) Current() Stage {
	if m.aborted {
		return StageAborted
	}
	return m.order[m.current]
}

// Progress returns the fraction of stages completed, in [0, 1].
func (m *StateMachine) Progress() float64 {
	return float64(m.current) / float64(len(m.order)-1)
}

// Advance moves to a later stage.
func (m *StateMachine) Advance(to Stage) error {
	from := m.Current()
	if from.Terminal() {
		return fmt.Errorf("%s -> %s: %w", from, to, deployerrors.ErrInvalidTransition)
	}
	i := slices.Index(m.order, to)
	if i <= m.current {
		return fmt.Errorf("%s -> %s: %w", from, to, deployerrors.ErrInvalidTransition)
	}
	m.current = i
	return nil
}

// Abort moves to StageAborted.
func (m *StateMachine) Abort() error {
	from := m.Current()
	if from != StageWiring && !strings.HasPrefix(string(from), deployingPrefix) {
		return fmt.Errorf("%s -> %s: %w", from, StageAborted, deployerrors.ErrInvalidTransition)
	}
	m.aborted = true
	return nil
}

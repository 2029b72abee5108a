package solver

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"sbt/pomdp"
)

// Agent interleaves planning and execution: it improves the policy at the
// current belief, acts, observes, and advances the belief root.
type Agent struct {
	solver        *Solver
	currentBelief *BeliefNode
}

func NewAgent(s *Solver) *Agent {
	return &Agent{solver: s, currentBelief: s.tree.Root()}
}

func (a *Agent) Solver() *Solver {
	return a.solver
}

func (a *Agent) CurrentBelief() *BeliefNode {
	return a.currentBelief
}

// PreferredAction is the greedy recommendation at the current belief.
func (a *Agent) PreferredAction() pomdp.Action {
	return a.currentBelief.BestAction()
}

// UpdateBelief advances the current belief along an executed action and the
// observation it produced.
func (a *Agent) UpdateBelief(action pomdp.Action, obs pomdp.Observation) {
	a.currentBelief = a.solver.tree.CreateOrGetChild(a.currentBelief, action, obs)
}

// SimResult records one simulated run.
type SimResult struct {
	DiscountedReturn float64
	ActualSteps      int
	Terminated       bool

	States       []pomdp.State
	Actions      []pomdp.Action
	Observations []pomdp.Observation
	Rewards      []float64

	ChangeTime  time.Duration
	ImproveTime time.Duration
}

// RunSim executes up to nSteps of the environment, improving the policy
// before every step and applying scheduled model changes. changeTimes must be
// sorted ascending.
func (a *Agent) RunSim(nSteps int, changeTimes []int) (*SimResult, error) {
	s := a.solver
	params := s.model.Params()

	result := &SimResult{ActualSteps: nSteps}
	state := s.model.SampleInitialState()
	result.States = append(result.States, state.Clone())

	a.currentBelief = s.tree.Root()
	if a.currentBelief.NParticles() == 0 {
		s.GeneratePolicy(params.MaxTrials, params.MaximumDepth)
	}
	currentDiscount := 1.0
	changeIdx := 0

	for timeStep := 0; timeStep < nSteps; timeStep++ {
		s.pool.CreateOrGetInfo(state)

		if changeIdx < len(changeTimes) && timeStep == changeTimes[changeIdx] {
			changeStart := time.Now()
			log.Info().Int("time", timeStep).Msg("model changing")
			s.model.Update(changeTimes[changeIdx], s.pool)
			if info := s.pool.GetInfo(state); info != nil &&
				info.ChangeFlags().Has(pomdp.ChangeDeleted) {
				return result, fmt.Errorf("current simulation state deleted at time %d", timeStep)
			}
			for _, past := range result.States {
				if info := s.pool.GetInfo(past); info != nil &&
					info.ChangeFlags().Has(pomdp.ChangeDeleted) {
					log.Warn().Stringer("state", past).
						Msg("simulation history includes a deleted state")
				}
			}
			s.ApplyChanges()
			s.pool.ResetAffectedStates()
			result.ChangeTime += time.Since(changeStart)
			changeIdx++
		}

		improveStart := time.Now()
		if err := s.Improve(a.currentBelief, params.MaxTrials, params.MaximumDepth); err != nil {
			return result, err
		}
		result.ImproveTime += time.Since(improveStart)

		step, err := a.SimulateStep(state)
		if err != nil {
			return result, err
		}
		state = step.NextState.Clone()

		result.Actions = append(result.Actions, step.Action.Clone())
		result.Observations = append(result.Observations, step.Observation.Clone())
		result.States = append(result.States, step.NextState.Clone())
		result.Rewards = append(result.Rewards, step.Reward)
		result.DiscountedReturn += currentDiscount * step.Reward
		currentDiscount *= params.Discount

		if step.IsTerminal {
			result.ActualSteps = timeStep + 1
			result.Terminated = true
			break
		}

		next := a.currentBelief.Child(step.Action, step.Observation)
		if next == nil || next.NParticles() == 0 {
			next, err = a.addChild(a.currentBelief, step.Action, step.Observation, timeStep)
			if err != nil {
				return result, err
			}
		}
		a.currentBelief = next
	}
	return result, nil
}

// SimulateStep executes one real step: it picks the best known action at the
// current belief (or the first untried one when nothing has been tried) and
// steps the model from the true state.
func (a *Agent) SimulateStep(currentState pomdp.State) (pomdp.StepResult, error) {
	node := a.currentBelief
	particle, err := node.SampleAParticle(a.solver.rng)
	if err != nil {
		return pomdp.StepResult{}, fmt.Errorf("simulate step: %w", err)
	}
	log.Debug().Stringer("particle", particle.State()).Msg("sampled belief particle")

	action := node.BestAction()
	if action == nil {
		action = node.NextActionToTry()
	}
	if action == nil {
		return pomdp.StepResult{}, fmt.Errorf("simulate step: no action available at node %d", node.id)
	}
	step := a.solver.model.GenerateStep(currentState, action)
	log.Info().
		Stringer("action", step.Action).
		Float64("reward", step.Reward).
		Stringer("observation", step.Observation).
		Msg("step")
	return step, nil
}

// addChild replenishes a depleted child belief: it generates particles from
// the model, preferring the prior-aware generator, and registers each as a
// fresh single-entry history sequence.
func (a *Agent) addChild(node *BeliefNode, action pomdp.Action, obs pomdp.Observation, timeStep int) (*BeliefNode, error) {
	s := a.solver
	log.Warn().Int("time", timeStep).Msg("replenishing particles due to depletion")
	next := s.tree.CreateOrGetChild(node, action, obs)

	prior := make([]pomdp.State, 0, node.NParticles())
	for _, particle := range node.particles {
		prior = append(prior, particle.State())
	}

	particles := s.model.GenerateParticles(prior, action, obs)
	if len(particles) == 0 {
		log.Warn().Msg("prior belief incompatible with observation; ignoring prior")
		particles = s.model.GenerateParticlesIgnorePrior(action, obs)
	}
	if len(particles) == 0 {
		return nil, fmt.Errorf("add child: failed to generate particles at time %d", timeStep)
	}

	discount := math.Pow(s.model.Params().Discount, float64(timeStep+1))
	for _, state := range particles {
		info := s.pool.CreateOrGetInfo(state)
		seq := s.histories.NewSequence(timeStep + 1)
		entry := seq.AddEntry(info, discount)
		entry.registerNode(next)
		s.backup(seq)
	}
	return next, nil
}

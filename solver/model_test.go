package solver

import (
	"fmt"
	"testing"

	"golang.org/x/exp/rand"

	"sbt/pomdp"
)

// The chain model walks deterministically from state 0 toward a terminal
// state. Action 1 pays double. It keeps core tests independent of any real
// problem's stochasticity.

type chainState int

func (s chainState) Hash() uint64 {
	return uint64(s)
}

func (s chainState) Equals(other pomdp.State) bool {
	o, ok := other.(chainState)
	return ok && s == o
}

func (s chainState) Clone() pomdp.State {
	return s
}

func (s chainState) DistanceTo(other pomdp.State) float64 {
	d := float64(s - other.(chainState))
	if d < 0 {
		return -d
	}
	return d
}

func (s chainState) Coordinates() []float64 {
	return []float64{float64(s)}
}

func (s chainState) String() string {
	return fmt.Sprintf("s%d", int(s))
}

type chainAction int

func (a chainAction) Hash() uint64 {
	return uint64(a)
}

func (a chainAction) Equals(other pomdp.Action) bool {
	o, ok := other.(chainAction)
	return ok && a == o
}

func (a chainAction) Clone() pomdp.Action {
	return a
}

func (a chainAction) String() string {
	return fmt.Sprintf("a%d", int(a))
}

type chainObs int

func (o chainObs) Hash() uint64 {
	return uint64(o)
}

func (o chainObs) Equals(other pomdp.Observation) bool {
	ob, ok := other.(chainObs)
	return ok && o == ob
}

func (o chainObs) Clone() pomdp.Observation {
	return o
}

func (o chainObs) DistanceTo(other pomdp.Observation) float64 {
	d := float64(o - other.(chainObs))
	if d < 0 {
		return -d
	}
	return d
}

func (o chainObs) String() string {
	return fmt.Sprintf("o%d", int(o))
}

type chainModel struct {
	length int
	params pomdp.Params
}

func newChainModel(length int) *chainModel {
	return &chainModel{
		length: length,
		params: pomdp.Params{
			Discount:                    0.5,
			UCBCoefficient:              2,
			HeuristicExploreCoefficient: 0.5,
			MaxTrials:                   10,
			MaximumDepth:                10,
			NParticles:                  10,
			MaxNNComparisons:            5,
			MaxNNDistance:               0,
			MinValue:                    -10,
			MaxValue:                    10,
		},
	}
}

func (m *chainModel) Params() pomdp.Params {
	return m.params
}

func (m *chainModel) SampleInitialState() pomdp.State {
	return chainState(0)
}

func (m *chainModel) IsTerminal(state pomdp.State) bool {
	return int(state.(chainState)) >= m.length
}

func (m *chainModel) GenerateStep(state pomdp.State, action pomdp.Action) pomdp.StepResult {
	next := chainState(int(state.(chainState)) + 1)
	reward := 1.0
	if action.(chainAction) == 1 {
		reward = 2.0
	}
	return pomdp.StepResult{
		Action:      action,
		NextState:   next,
		Observation: chainObs(next),
		Reward:      reward,
		IsTerminal:  int(next) >= m.length,
	}
}

func (m *chainModel) HeuristicValue(state pomdp.State) float64 {
	return 0
}

func (m *chainModel) DefaultValue() float64 {
	return 0
}

func (m *chainModel) GenerateParticles(prior []pomdp.State, action pomdp.Action, obs pomdp.Observation) []pomdp.State {
	if len(prior) == 0 {
		return nil
	}
	return []pomdp.State{chainState(int(obs.(chainObs)))}
}

func (m *chainModel) GenerateParticlesIgnorePrior(action pomdp.Action, obs pomdp.Observation) []pomdp.State {
	return []pomdp.State{chainState(int(obs.(chainObs)))}
}

func (m *chainModel) LoadChanges(path string) ([]int, error) {
	return nil, nil
}

func (m *chainModel) Update(time int, pool pomdp.StatePool) {}

func chainActions() []pomdp.Action {
	return []pomdp.Action{chainAction(0), chainAction(1)}
}

func newChainSolver(length int, mutate func(*pomdp.Params)) *Solver {
	model := newChainModel(length)
	if mutate != nil {
		mutate(&model.params)
	}
	rng := rand.New(rand.NewSource(1))
	return New(rng, model,
		WithActionPool(NewEnumeratedActionPool(chainActions(), false)),
		WithCollector(NewCollector()),
	)
}

// seedRootParticle registers a fresh depth-zero particle at the root.
func seedRootParticle(s *Solver, state pomdp.State) *HistoryEntry {
	info := s.pool.CreateOrGetInfo(state)
	seq := s.histories.NewSequence(0)
	entry := seq.AddEntry(info, 1)
	entry.registerNode(s.tree.Root())
	return entry
}

// actionStats snapshots every node's per-action totals and counts.
func actionStats(t *testing.T, s *Solver) map[int]map[string][2]float64 {
	t.Helper()
	stats := make(map[int]map[string][2]float64)
	for _, node := range s.tree.allNodes {
		perAction := make(map[string][2]float64)
		node.actions.Visit(func(entry *ActionEntry) {
			perAction[entry.action.String()] = [2]float64{float64(entry.visitCount), entry.totalQ}
		})
		stats[node.id] = perAction
	}
	return stats
}

// Package solver implements an online POMDP solver: a sample-based belief
// tree grown by UCB search with adaptive rollout heuristics, updated
// incrementally when the model changes mid-run.
package solver

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/rand"

	"sbt/index"
	"sbt/pomdp"
)

// Option configures a Solver at construction.
type Option func(s *Solver)

// WithActionPool sets the factory for per-node action mappings. Required.
func WithActionPool(pool ActionPool) Option {
	return func(s *Solver) {
		s.actionPool = pool
	}
}

// WithObservationPool sets the factory for observation mappings. Defaults to
// the discrete exact-match pool.
func WithObservationPool(pool ObservationPool) Option {
	return func(s *Solver) {
		s.observationPool = pool
	}
}

// WithStateIndex attaches a spatial index to the state pool so that model
// changes can locate affected states with range queries.
func WithStateIndex(idx index.StateIndex) Option {
	return func(s *Solver) {
		s.stateIndex = idx
	}
}

// WithHistoryCorrector overrides the history corrector used during change
// propagation. Defaults to the generic replay corrector.
func WithHistoryCorrector(corrector HistoryCorrector) Option {
	return func(s *Solver) {
		s.corrector = corrector
	}
}

// WithCollector attaches a search statistics collector.
func WithCollector(stats Collector) Option {
	return func(s *Solver) {
		s.stats = stats
	}
}

// Solver grows and maintains the belief tree for one model. All randomness
// flows through the single generator supplied at construction; with a fixed
// seed, runs are reproducible.
type Solver struct {
	rng   *rand.Rand
	model pomdp.Model

	actionPool      ActionPool
	observationPool ObservationPool
	stateIndex      index.StateIndex
	corrector       HistoryCorrector
	stats           Collector

	pool      *StatePool
	histories *Histories
	tree      *BeliefTree

	lastRolloutMode      RolloutMode
	heuristicExploreCoef float64
	timeUsedMs           [nRolloutModes]float64
	heuristicWeight      [nRolloutModes]float64
	heuristicProbability [nRolloutModes]float64
	heuristicUseCount    [nRolloutModes]int64
}

// New builds a solver for the given model. The action pool is required; the
// observation pool defaults to discrete exact matching.
func New(rng *rand.Rand, model pomdp.Model, opts ...Option) *Solver {
	s := &Solver{
		rng:                  rng,
		model:                model,
		observationPool:      NewDiscreteObservationPool(),
		stats:                NewNopCollector(),
		lastRolloutMode:      RolloutRandHeuristic,
		heuristicExploreCoef: model.Params().HeuristicExploreCoefficient,
		timeUsedMs:           [nRolloutModes]float64{1, 1},
		heuristicWeight:      [nRolloutModes]float64{1, 1},
		heuristicProbability: [nRolloutModes]float64{0.5, 0.5},
		heuristicUseCount:    [nRolloutModes]int64{1, 1},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.actionPool == nil {
		panic("solver: must provide an action pool")
	}
	s.pool = NewStatePool(s.stateIndex)
	s.histories = NewHistories()
	s.tree = NewBeliefTree(s.actionPool, s.observationPool, rng)
	if s.corrector == nil {
		s.corrector = NewReplayCorrector(model, s.pool)
	}
	return s
}

func (s *Solver) Model() pomdp.Model {
	return s.model
}

func (s *Solver) Pool() *StatePool {
	return s.pool
}

func (s *Solver) Histories() *Histories {
	return s.histories
}

// Policy exposes the belief tree.
func (s *Solver) Policy() *BeliefTree {
	return s.tree
}

// HeuristicProbabilities returns the current rollout-heuristic mixture.
func (s *Solver) HeuristicProbabilities() [nRolloutModes]float64 {
	return s.heuristicProbability
}

// GeneratePolicy seeds the root belief: each trial samples an initial state
// from the model and searches from the root at depth zero.
func (s *Solver) GeneratePolicy(maxTrials, maximumDepth int) {
	discount := s.model.Params().Discount
	for i := 0; i < maxTrials; i++ {
		info := s.pool.CreateOrGetInfo(s.model.SampleInitialState())
		s.singleSearch(s.tree.Root(), info, 0, discount, maximumDepth)
	}
}

// Improve runs up to maxTrials search trials from the given belief node,
// each starting at a particle sampled uniformly from its particle set.
func (s *Solver) Improve(startNode *BeliefNode, maxTrials, maximumDepth int) error {
	if startNode.NParticles() == 0 {
		return fmt.Errorf("improve: %w", ErrEmptyBelief)
	}
	s.stats.Start()
	discount := s.model.Params().Discount
	depth := startNode.particles[0].absoluteDepth()

	samples := make([]*StateInfo, maxTrials)
	for i := range samples {
		samples[i] = startNode.particles[s.rng.Intn(startNode.NParticles())].stateInfo
	}
	for _, info := range samples {
		s.singleSearch(startNode, info, depth, discount, maximumDepth)
		s.stats.AddTrial()
	}
	return nil
}

// CompleteImprove finalizes and returns the statistics of the last Improve.
func (s *Solver) CompleteImprove() ImproveMetric {
	return s.stats.Complete(s.tree.NNodes())
}

// singleSearch starts a fresh history sequence at the given node and state
// and extends it with continueSearch.
func (s *Solver) singleSearch(node *BeliefNode, info *StateInfo, startDepth int, discount float64, maximumDepth int) {
	seq := s.histories.NewSequence(startDepth)
	entry := seq.AddEntry(info, math.Pow(discount, float64(startDepth)))
	entry.registerNode(node)
	s.continueSearch(seq, discount, maximumDepth)
}

// continueSearch is the UCB-plus-rollout descent. It extends the sequence
// from its last entry until a rollout, a terminal step, or the depth bound,
// then backs the sequence up. One history entry is created per iteration.
func (s *Solver) continueSearch(seq *HistorySequence, discountFactor float64, maximumDepth int) {
	entry := seq.Last()
	node := entry.owningNode
	currentDiscount := entry.discount

	rootNode := seq.Entry(0).owningNode
	initialRootQ := rootNode.BestMeanQ()

	rolloutUsed := false
	done := false

	currentDepth := entry.absoluteDepth() + 1
	for !done && currentDepth <= maximumDepth {
		currentDepth++
		var result pomdp.StepResult
		qValue := 0.0
		if node.HasActionToTry() {
			result, qValue = s.rolloutAction(node, entry.State(), currentDiscount, discountFactor)
			rolloutUsed = true
			done = true
		} else {
			action := node.SearchAction(s.model.Params().UCBCoefficient)
			if action == nil {
				break
			}
			result = s.model.GenerateStep(entry.State(), action)
			done = result.IsTerminal
		}
		seq.isTerminal = result.IsTerminal
		entry.reward = result.Reward
		entry.action = result.Action.Clone()
		entry.observation = result.Observation.Clone()
		if result.TransitionParameters != nil {
			entry.transitionParameters = result.TransitionParameters.Clone()
		}

		nextInfo := s.pool.CreateOrGetInfo(result.NextState)
		currentDiscount *= discountFactor
		newEntry := seq.AddEntry(nextInfo, currentDiscount)
		node = s.tree.CreateOrGetChild(node, result.Action, result.Observation)
		newEntry.registerNode(node)
		if rolloutUsed {
			newEntry.totalDiscountedReward = qValue
		}
		entry = newEntry
	}
	s.backup(seq)
	if rolloutUsed {
		s.updateHeuristicProbabilities(rootNode.BestMeanQ() - initialRootQ)
	}
}

// backup propagates discounted returns from the sequence tail into the action
// statistics of every belief node it visited. Already backed-up entries
// contribute only the delta against their previous total.
func (s *Solver) backup(seq *HistorySequence) {
	entries := seq.entries
	last := entries[len(entries)-1]
	var total float64
	if last.action == nil {
		total = last.totalDiscountedReward
	} else {
		last.totalDiscountedReward = last.discount * last.reward
		total = last.totalDiscountedReward
	}
	for i := len(entries) - 2; i >= 0; i-- {
		entry := entries[i]
		if entry.hasBeenBackedUp {
			previous := entry.totalDiscountedReward
			total = entry.discount*entry.reward + total
			entry.totalDiscountedReward = total
			entry.owningNode.UpdateQValue(entry.action, total-previous, 0)
		} else {
			total = entry.discount*entry.reward + total
			entry.totalDiscountedReward = total
			entry.owningNode.UpdateQValue(entry.action, total, +1)
			entry.hasBeenBackedUp = true
		}
	}
}

// undoBackup subtracts a sequence's previously backed-up totals so that the
// sequence can be revised. Exact inverse of backup.
func (s *Solver) undoBackup(seq *HistorySequence) {
	entries := seq.entries
	for i := len(entries) - 2; i >= 0; i-- {
		entry := entries[i]
		if !entry.hasBeenBackedUp {
			log.Error().Int("sequence", seq.id).Int("entry", entry.entryID).
				Msg("backup not yet done; cannot undo")
			continue
		}
		entry.owningNode.UpdateQValue(entry.action, -entry.totalDiscountedReward, -1)
		entry.hasBeenBackedUp = false
	}
}

// rolloutAction evaluates a leaf: it takes the node's next untried action,
// steps the model once, then estimates the remaining value with one of the
// two competing heuristics. The returned q is already discounted to the
// leaf's depth.
func (s *Solver) rolloutAction(node *BeliefNode, state pomdp.State, startDiscount, discountFactor float64) (pomdp.StepResult, float64) {
	action := node.NextActionToTry()
	result := s.model.GenerateStep(state, action)
	qValue := 0.0

	mode := RolloutPolicy
	if s.rng.Float64() < s.heuristicProbability[RolloutRandHeuristic] {
		mode = RolloutRandHeuristic
	}

	var elapsed time.Duration
	if mode == RolloutPolicy {
		start := time.Now()
		nn := s.getNNBelNode(node)
		if nn == nil {
			// No acceptable neighbor; fall back to the state heuristic.
			log.Warn().Int("node", node.id).
				Msg("no nearest-neighbor belief in range; using the random heuristic")
			mode = RolloutRandHeuristic
		} else {
			if !result.IsTerminal {
				curr := nn.Child(action, result.Observation)
				qValue = s.rolloutPolicyValue(curr, result.NextState, discountFactor)
				qValue *= startDiscount * discountFactor
			}
			elapsed = time.Since(start)
		}
	}
	if mode == RolloutRandHeuristic {
		start := time.Now()
		if !result.IsTerminal {
			qValue = s.model.HeuristicValue(result.NextState)
			qValue *= startDiscount * discountFactor
		}
		elapsed = time.Since(start)
	}

	s.lastRolloutMode = mode
	s.timeUsedMs[mode] += float64(elapsed) / float64(time.Millisecond)
	s.heuristicUseCount[mode]++
	s.stats.AddRollout(mode, elapsed)
	return result, qValue
}

// rolloutPolicyValue descends a previously explored subtree greedily,
// accumulating rewards until the policy runs out of information.
func (s *Solver) rolloutPolicyValue(node *BeliefNode, state pomdp.State, discountFactor float64) float64 {
	if node == nil || node.NParticles() == 0 {
		return 0
	}
	action := node.BestAction()
	if action == nil {
		return 0
	}
	result := s.model.GenerateStep(state, action)
	next := node.Child(action, result.Observation)
	qValue := result.Reward
	if !result.IsTerminal {
		qValue += discountFactor * s.rolloutPolicyValue(next, result.NextState, discountFactor)
	}
	return qValue
}

// getNNBelNode finds an approximate nearest neighbor of b in belief space.
// At most MaxNNComparisons nodes are scanned, skipping b itself and nodes
// whose particle set has not grown since b's last scan. Nil when nothing lies
// within MaxNNDistance; a nonpositive threshold disables the lookup.
func (s *Solver) getNNBelNode(b *BeliefNode) *BeliefNode {
	params := s.model.Params()
	if params.MaxNNDistance <= 0 {
		return nil
	}
	minDist := math.Inf(1)
	nn := b.nnCache
	tried := 0
	for _, node := range s.tree.allNodes {
		if tried >= params.MaxNNComparisons {
			break
		}
		if node != b && b.nnComparisonTime < node.lastParticleTime {
			if d := b.DistL1Independent(node); d < minDist {
				minDist = d
				nn = node
			}
		}
		tried++
	}
	b.nnComparisonTime = s.tree.now()
	b.nnCache = nn
	if minDist > params.MaxNNDistance {
		return nil
	}
	return nn
}

// updateHeuristicProbabilities rewards the heuristic used in the last rollout
// in proportion to the root-value improvement it produced per unit of compute
// time, keeping an exploration floor of half the explore coefficient.
func (s *Solver) updateHeuristicProbabilities(improvement float64) {
	if improvement < 0 {
		improvement = 0
	}
	maxValue := s.model.Params().MaxValue
	if maxValue == 0 {
		maxValue = 1
	}
	mode := s.lastRolloutMode
	s.heuristicWeight[mode] *= math.Exp(
		s.heuristicExploreCoef * (improvement / maxValue) /
			(2 * s.heuristicProbability[mode]))

	totalWeight := 0.0
	for i := 0; i < nRolloutModes; i++ {
		totalWeight += s.heuristicWeight[i]
	}
	totalP := 0.0
	for i := 0; i < nRolloutModes; i++ {
		s.heuristicProbability[i] = ((1-s.heuristicExploreCoef)*s.heuristicWeight[i]/totalWeight +
			s.heuristicExploreCoef/2) *
			float64(s.heuristicUseCount[i]) / s.timeUsedMs[i]
		totalP += s.heuristicProbability[i]
	}
	for i := 0; i < nRolloutModes; i++ {
		s.heuristicProbability[i] /= totalP
	}
}

package solver

import (
	"errors"
	"time"

	"golang.org/x/exp/rand"

	"sbt/pomdp"
)

// ErrEmptyBelief is returned when a belief node without particles is asked to
// sample one.
var ErrEmptyBelief = errors.New("solver: belief node has no particles")

// BeliefNode approximates a belief as the multiset of history entries that
// reach it. It owns the action statistics used by UCB selection and a cache
// for nearest-neighbor lookups in belief space.
type BeliefNode struct {
	id   int
	tree *BeliefTree

	particles []*HistoryEntry
	actions   *ActionMapping

	creationTime     float64
	lastParticleTime float64
	// nnComparisonTime is the clock value of the last nearest-neighbor scan
	// seeded from this node; nodes untouched since then are skipped.
	nnComparisonTime float64
	nnCache          *BeliefNode
}

func (n *BeliefNode) ID() int {
	return n.id
}

func (n *BeliefNode) NParticles() int {
	return len(n.particles)
}

func (n *BeliefNode) Particles() []*HistoryEntry {
	return n.particles
}

// ActionMapping exposes the node's action statistics.
func (n *BeliefNode) ActionMapping() *ActionMapping {
	return n.actions
}

func (n *BeliefNode) addParticle(entry *HistoryEntry) {
	n.particles = append(n.particles, entry)
	n.lastParticleTime = n.tree.now()
}

func (n *BeliefNode) removeParticle(entry *HistoryEntry) {
	for i, p := range n.particles {
		if p == entry {
			n.particles = append(n.particles[:i], n.particles[i+1:]...)
			return
		}
	}
}

// SampleAParticle draws a particle uniformly at random.
func (n *BeliefNode) SampleAParticle(rng *rand.Rand) (*HistoryEntry, error) {
	if len(n.particles) == 0 {
		return nil, ErrEmptyBelief
	}
	return n.particles[rng.Intn(len(n.particles))], nil
}

func (n *BeliefNode) HasActionToTry() bool {
	return n.actions.HasActionToTry()
}

func (n *BeliefNode) NextActionToTry() pomdp.Action {
	return n.actions.NextActionToTry()
}

// SearchAction picks the next action under UCB with the given exploration
// coefficient.
func (n *BeliefNode) SearchAction(ucbCoefficient float64) pomdp.Action {
	return n.actions.SearchAction(ucbCoefficient)
}

// BestAction is the greedy recommendation: highest mean q, no exploration
// bonus. Nil when no action has been tried.
func (n *BeliefNode) BestAction() pomdp.Action {
	return n.actions.BestAction()
}

func (n *BeliefNode) BestMeanQ() float64 {
	return n.actions.BestMeanQ()
}

// UpdateQValue folds a backup delta into one action's statistics.
func (n *BeliefNode) UpdateQValue(action pomdp.Action, deltaTotal float64, deltaCount int64) {
	n.actions.UpdateQValue(action, deltaTotal, deltaCount)
}

// Child resolves the belief node reached by taking action and observing obs,
// without creating it. Nil when the edge was never explored.
func (n *BeliefNode) Child(action pomdp.Action, obs pomdp.Observation) *BeliefNode {
	entry := n.actions.Entry(action)
	if entry == nil {
		return nil
	}
	return entry.children.Get(obs)
}

// DistL1Independent estimates the distance between two beliefs as the mean
// state distance over all particle pairs. It is not a metric.
func (n *BeliefNode) DistL1Independent(other *BeliefNode) float64 {
	if len(n.particles) == 0 || len(other.particles) == 0 {
		return 0
	}
	total := 0.0
	for _, p1 := range n.particles {
		for _, p2 := range other.particles {
			total += p1.State().DistanceTo(p2.State())
		}
	}
	return total / float64(len(n.particles)*len(other.particles))
}

// BeliefTree owns every belief node of a run and resolves (action,
// observation) edges between them.
type BeliefTree struct {
	root     *BeliefNode
	allNodes []*BeliefNode

	actionPool      ActionPool
	observationPool ObservationPool
	rng             *rand.Rand
	startTime       time.Time
}

// NewBeliefTree creates a tree holding only a root node.
func NewBeliefTree(actionPool ActionPool, observationPool ObservationPool, rng *rand.Rand) *BeliefTree {
	t := &BeliefTree{
		actionPool:      actionPool,
		observationPool: observationPool,
		rng:             rng,
		startTime:       time.Now(),
	}
	t.root = t.newNode()
	return t
}

func (t *BeliefTree) Root() *BeliefNode {
	return t.root
}

func (t *BeliefTree) NNodes() int {
	return len(t.allNodes)
}

// AllNodes returns the nodes in creation order.
func (t *BeliefTree) AllNodes() []*BeliefNode {
	return t.allNodes
}

// now returns seconds since the tree was created, from the monotonic clock.
func (t *BeliefTree) now() float64 {
	return time.Since(t.startTime).Seconds()
}

func (t *BeliefTree) newNode() *BeliefNode {
	node := &BeliefNode{
		id:           len(t.allNodes),
		tree:         t,
		creationTime: t.now(),
	}
	node.actions = t.actionPool.CreateActionMapping(t, t.rng)
	t.allNodes = append(t.allNodes, node)
	return node
}

// CreateOrGetChild resolves the child of parent along (action, obs), creating
// it on first use. Idempotent.
func (t *BeliefTree) CreateOrGetChild(parent *BeliefNode, action pomdp.Action, obs pomdp.Observation) *BeliefNode {
	entry := parent.actions.Entry(action)
	if entry == nil {
		panic("solver: unknown action " + action.String())
	}
	return entry.children.CreateOrGet(obs)
}

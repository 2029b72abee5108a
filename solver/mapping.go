package solver

import (
	"math"

	"golang.org/x/exp/rand"

	"sbt/pomdp"
)

// ActionPool builds the per-node action mapping. The mapping fixes the
// admissible action set of a belief node at construction time.
type ActionPool interface {
	CreateActionMapping(tree *BeliefTree, rng *rand.Rand) *ActionMapping
}

// ObservationPool builds the per-action-entry observation mapping, which
// resolves observations to child belief nodes.
type ObservationPool interface {
	CreateObservationMapping(tree *BeliefTree) ObservationMapping
}

// ObservationMapping maps observations to child belief nodes. Get is a pure
// lookup; CreateOrGet is idempotent and is the only mutating operation.
type ObservationMapping interface {
	Get(obs pomdp.Observation) *BeliefNode
	CreateOrGet(obs pomdp.Observation) *BeliefNode
	NChildren() int
	Visit(visit func(obs pomdp.Observation, child *BeliefNode))
}

// ActionEntry carries the statistics of one admissible action at a node.
type ActionEntry struct {
	action   pomdp.Action
	children ObservationMapping

	visitCount int64
	totalQ     float64
	meanQ      float64
	legal      bool
}

func (e *ActionEntry) Action() pomdp.Action {
	return e.action
}

func (e *ActionEntry) VisitCount() int64 {
	return e.visitCount
}

func (e *ActionEntry) MeanQ() float64 {
	return e.meanQ
}

func (e *ActionEntry) TotalQ() float64 {
	return e.totalQ
}

func (e *ActionEntry) Legal() bool {
	return e.legal
}

// Children exposes the entry's observation mapping.
func (e *ActionEntry) Children() ObservationMapping {
	return e.children
}

// ActionMapping is the enumerated action mapping: a fixed finite action set
// with per-action statistics and a queue of yet-untried actions.
type ActionMapping struct {
	entries     []*ActionEntry
	byHash      map[uint64][]*ActionEntry
	toTry       []int
	totalVisits int64
}

// EnumeratedActionPool produces action mappings over a fixed action set,
// optionally offering untried actions in a per-node shuffled order.
type EnumeratedActionPool struct {
	actions []pomdp.Action
	shuffle bool
}

// NewEnumeratedActionPool creates a pool over the given actions. When shuffle
// is set, each node draws its own untried-action order from the solver RNG.
func NewEnumeratedActionPool(actions []pomdp.Action, shuffle bool) *EnumeratedActionPool {
	if len(actions) == 0 {
		panic("solver: enumerated action pool needs at least one action")
	}
	return &EnumeratedActionPool{actions: actions, shuffle: shuffle}
}

func (p *EnumeratedActionPool) CreateActionMapping(tree *BeliefTree, rng *rand.Rand) *ActionMapping {
	m := &ActionMapping{
		entries: make([]*ActionEntry, len(p.actions)),
		byHash:  make(map[uint64][]*ActionEntry, len(p.actions)),
		toTry:   make([]int, len(p.actions)),
	}
	for i, action := range p.actions {
		entry := &ActionEntry{
			action:   action,
			children: tree.observationPool.CreateObservationMapping(tree),
			legal:    true,
		}
		m.entries[i] = entry
		m.byHash[action.Hash()] = append(m.byHash[action.Hash()], entry)
		m.toTry[i] = i
	}
	if p.shuffle {
		rng.Shuffle(len(m.toTry), func(i, j int) {
			m.toTry[i], m.toTry[j] = m.toTry[j], m.toTry[i]
		})
	}
	return m
}

// Entry resolves the statistics entry for an action, or nil if the action is
// not part of the enumerated set.
func (m *ActionMapping) Entry(action pomdp.Action) *ActionEntry {
	for _, entry := range m.byHash[action.Hash()] {
		if entry.action.Equals(action) {
			return entry
		}
	}
	return nil
}

func (m *ActionMapping) NEntries() int {
	return len(m.entries)
}

func (m *ActionMapping) TotalVisits() int64 {
	return m.totalVisits
}

// Visit walks the entries in declared action order.
func (m *ActionMapping) Visit(visit func(entry *ActionEntry)) {
	for _, entry := range m.entries {
		visit(entry)
	}
}

func (m *ActionMapping) HasActionToTry() bool {
	return len(m.toTry) > 0
}

// NextActionToTry pops the next untried action. Every action is offered
// exactly once before HasActionToTry turns false.
func (m *ActionMapping) NextActionToTry() pomdp.Action {
	if len(m.toTry) == 0 {
		return nil
	}
	i := m.toTry[0]
	m.toTry = m.toTry[1:]
	return m.entries[i].action
}

// SearchAction picks the UCB-maximizing legal tried action. Ties break toward
// the earlier action in declared order.
func (m *ActionMapping) SearchAction(ucbCoefficient float64) pomdp.Action {
	if m.totalVisits == 0 {
		return nil
	}
	logN := math.Log(float64(m.totalVisits))
	var best *ActionEntry
	bestScore := math.Inf(-1)
	for _, entry := range m.entries {
		if !entry.legal || entry.visitCount == 0 {
			continue
		}
		score := entry.meanQ + ucbCoefficient*math.Sqrt(logN/float64(entry.visitCount))
		if score > bestScore {
			bestScore = score
			best = entry
		}
	}
	if best == nil {
		return nil
	}
	return best.action
}

// BestAction picks the action with the highest mean q over legal tried
// actions, without any exploration bonus. Nil when none has been tried.
func (m *ActionMapping) BestAction() pomdp.Action {
	var best *ActionEntry
	bestQ := math.Inf(-1)
	for _, entry := range m.entries {
		if !entry.legal || entry.visitCount == 0 {
			continue
		}
		if entry.meanQ > bestQ {
			bestQ = entry.meanQ
			best = entry
		}
	}
	if best == nil {
		return nil
	}
	return best.action
}

// BestMeanQ returns the highest mean q over legal tried actions, or 0 when no
// action has been tried yet.
func (m *ActionMapping) BestMeanQ() float64 {
	best := m.BestAction()
	if best == nil {
		return 0
	}
	return m.Entry(best).meanQ
}

// UpdateQValue folds a total-reward delta and a visit-count delta into the
// statistics of one action.
func (m *ActionMapping) UpdateQValue(action pomdp.Action, deltaTotal float64, deltaCount int64) {
	entry := m.Entry(action)
	if entry == nil {
		panic("solver: q-value update for unknown action " + action.String())
	}
	entry.totalQ += deltaTotal
	entry.visitCount += deltaCount
	m.totalVisits += deltaCount
	if entry.visitCount > 0 {
		entry.meanQ = entry.totalQ / float64(entry.visitCount)
	} else {
		entry.meanQ = 0
	}
}

// DiscreteObservationPool builds exact-match observation mappings keyed by
// observation hash.
type DiscreteObservationPool struct{}

func NewDiscreteObservationPool() *DiscreteObservationPool {
	return &DiscreteObservationPool{}
}

func (p *DiscreteObservationPool) CreateObservationMapping(tree *BeliefTree) ObservationMapping {
	return &discreteObservationMapping{
		tree:   tree,
		byHash: make(map[uint64][]*obsChild),
	}
}

type obsChild struct {
	obs   pomdp.Observation
	child *BeliefNode
}

type discreteObservationMapping struct {
	tree     *BeliefTree
	byHash   map[uint64][]*obsChild
	children []*obsChild
}

func (m *discreteObservationMapping) Get(obs pomdp.Observation) *BeliefNode {
	for _, oc := range m.byHash[obs.Hash()] {
		if oc.obs.Equals(obs) {
			return oc.child
		}
	}
	return nil
}

func (m *discreteObservationMapping) CreateOrGet(obs pomdp.Observation) *BeliefNode {
	if child := m.Get(obs); child != nil {
		return child
	}
	oc := &obsChild{obs: obs.Clone(), child: m.tree.newNode()}
	m.byHash[obs.Hash()] = append(m.byHash[obs.Hash()], oc)
	m.children = append(m.children, oc)
	return oc.child
}

func (m *discreteObservationMapping) NChildren() int {
	return len(m.children)
}

func (m *discreteObservationMapping) Visit(visit func(obs pomdp.Observation, child *BeliefNode)) {
	for _, oc := range m.children {
		visit(oc.obs, oc.child)
	}
}

// ApproximateObservationPool builds nearest-neighbor observation mappings: an
// incoming observation matches the first-created child whose representative
// observation lies within MaxDistance.
type ApproximateObservationPool struct {
	MaxDistance float64
}

func NewApproximateObservationPool(maxDistance float64) *ApproximateObservationPool {
	return &ApproximateObservationPool{MaxDistance: maxDistance}
}

func (p *ApproximateObservationPool) CreateObservationMapping(tree *BeliefTree) ObservationMapping {
	return &approximateObservationMapping{tree: tree, maxDistance: p.MaxDistance}
}

type approximateObservationMapping struct {
	tree        *BeliefTree
	maxDistance float64
	children    []*obsChild
}

func (m *approximateObservationMapping) Get(obs pomdp.Observation) *BeliefNode {
	// First-created child within range wins, for determinism.
	for _, oc := range m.children {
		if oc.obs.DistanceTo(obs) <= m.maxDistance {
			return oc.child
		}
	}
	return nil
}

func (m *approximateObservationMapping) CreateOrGet(obs pomdp.Observation) *BeliefNode {
	if child := m.Get(obs); child != nil {
		return child
	}
	oc := &obsChild{obs: obs.Clone(), child: m.tree.newNode()}
	m.children = append(m.children, oc)
	return oc.child
}

func (m *approximateObservationMapping) NChildren() int {
	return len(m.children)
}

func (m *approximateObservationMapping) Visit(visit func(obs pomdp.Observation, child *BeliefNode)) {
	for _, oc := range m.children {
		visit(oc.obs, oc.child)
	}
}

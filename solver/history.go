package solver

import (
	"sort"

	"sbt/pomdp"
)

// HistoryEntry is one step of a simulated trajectory: the state visited, the
// action taken from it, the resulting observation and reward, and the belief
// node the entry is a particle of. The last entry of a sequence has no action
// or observation.
type HistoryEntry struct {
	owningSequence *HistorySequence
	entryID        int

	stateInfo            *StateInfo
	action               pomdp.Action
	observation          pomdp.Observation
	transitionParameters pomdp.TransitionParameters

	discount              float64
	reward                float64
	totalDiscountedReward float64
	hasBeenBackedUp       bool

	changeFlags pomdp.ChangeFlags
	owningNode  *BeliefNode
}

func (e *HistoryEntry) ID() int {
	return e.entryID
}

func (e *HistoryEntry) Sequence() *HistorySequence {
	return e.owningSequence
}

func (e *HistoryEntry) State() pomdp.State {
	return e.stateInfo.state
}

func (e *HistoryEntry) StateInfo() *StateInfo {
	return e.stateInfo
}

func (e *HistoryEntry) Action() pomdp.Action {
	return e.action
}

func (e *HistoryEntry) Observation() pomdp.Observation {
	return e.observation
}

func (e *HistoryEntry) Discount() float64 {
	return e.discount
}

func (e *HistoryEntry) Reward() float64 {
	return e.reward
}

func (e *HistoryEntry) TotalDiscountedReward() float64 {
	return e.totalDiscountedReward
}

func (e *HistoryEntry) HasBeenBackedUp() bool {
	return e.hasBeenBackedUp
}

func (e *HistoryEntry) ChangeFlags() pomdp.ChangeFlags {
	return e.changeFlags
}

func (e *HistoryEntry) Node() *BeliefNode {
	return e.owningNode
}

// absoluteDepth is the entry's depth measured from the tree root.
func (e *HistoryEntry) absoluteDepth() int {
	return e.owningSequence.startDepth + e.entryID
}

// registerNode attaches the entry to a belief node as one of its particles.
func (e *HistoryEntry) registerNode(node *BeliefNode) {
	if e.owningNode != nil {
		e.owningNode.removeParticle(e)
	}
	e.owningNode = node
	node.addParticle(e)
}

// replaceStateInfo repoints the entry at a different interned state, keeping
// the pool back-references exact.
func (e *HistoryEntry) replaceStateInfo(info *StateInfo) {
	e.stateInfo.deregisterEntry(e)
	e.stateInfo = info
	info.registerEntry(e)
}

// HistorySequence is one simulated trajectory: an append-only run of entries
// starting at a fixed depth below the root belief.
type HistorySequence struct {
	id         int
	startDepth int
	entries    []*HistoryEntry

	isTerminal bool
	// invalidLinksStart is the index of the earliest entry whose link to its
	// belief node may be stale after a model change; -1 when all links hold.
	invalidLinksStart int
	changeFlags       pomdp.ChangeFlags
}

func (s *HistorySequence) ID() int {
	return s.id
}

func (s *HistorySequence) StartDepth() int {
	return s.startDepth
}

func (s *HistorySequence) Len() int {
	return len(s.entries)
}

func (s *HistorySequence) Entry(i int) *HistoryEntry {
	return s.entries[i]
}

func (s *HistorySequence) Last() *HistoryEntry {
	return s.entries[len(s.entries)-1]
}

func (s *HistorySequence) IsTerminal() bool {
	return s.isTerminal
}

// AddEntry appends an entry visiting the given state with the given
// accumulated discount and wires the state back-reference.
func (s *HistorySequence) AddEntry(info *StateInfo, discount float64) *HistoryEntry {
	entry := &HistoryEntry{
		owningSequence: s,
		entryID:        len(s.entries),
		stateInfo:      info,
		discount:       discount,
	}
	info.registerEntry(entry)
	s.entries = append(s.entries, entry)
	return entry
}

// setChangeFlags merges flags into one entry and the sequence aggregate.
func (s *HistorySequence) setChangeFlags(entryID int, flags pomdp.ChangeFlags) {
	s.entries[entryID].changeFlags |= flags
	s.changeFlags |= flags
}

func (s *HistorySequence) resetChangeFlags() {
	for _, entry := range s.entries {
		entry.changeFlags = pomdp.ChangeNone
	}
	s.changeFlags = pomdp.ChangeNone
}

// firstChangedEntry returns the index of the earliest flagged entry, or -1.
func (s *HistorySequence) firstChangedEntry() int {
	for i, entry := range s.entries {
		if entry.changeFlags != pomdp.ChangeNone {
			return i
		}
	}
	return -1
}

// Histories owns every history sequence created during a run.
type Histories struct {
	sequences map[int]*HistorySequence
	nextID    int
}

func NewHistories() *Histories {
	return &Histories{sequences: make(map[int]*HistorySequence)}
}

// NewSequence creates an empty sequence rooted at the given depth.
func (h *Histories) NewSequence(startDepth int) *HistorySequence {
	seq := &HistorySequence{
		id:                h.nextID,
		startDepth:        startDepth,
		invalidLinksStart: -1,
	}
	h.nextID++
	h.sequences[seq.id] = seq
	return seq
}

func (h *Histories) Get(id int) *HistorySequence {
	return h.sequences[id]
}

func (h *Histories) Len() int {
	return len(h.sequences)
}

// DeleteSequence removes a sequence and tears down every back-reference its
// entries hold into the state pool and the belief tree.
func (h *Histories) DeleteSequence(seq *HistorySequence) {
	for _, entry := range seq.entries {
		entry.stateInfo.deregisterEntry(entry)
		if entry.owningNode != nil {
			entry.owningNode.removeParticle(entry)
			entry.owningNode = nil
		}
	}
	seq.entries = nil
	delete(h.sequences, seq.id)
}

// sequencesByID returns all sequences in id order.
func (h *Histories) sequencesByID() []*HistorySequence {
	ids := make([]int, 0, len(h.sequences))
	for id := range h.sequences {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	seqs := make([]*HistorySequence, len(ids))
	for i, id := range ids {
		seqs[i] = h.sequences[id]
	}
	return seqs
}

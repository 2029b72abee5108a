package solver

import (
	"sort"

	"github.com/rs/zerolog/log"

	"sbt/pomdp"
)

// HistoryCorrector revises affected history sequences after a model change:
// it recomputes states, rewards, and observations from the earliest changed
// entry and marks where belief-node links became stale.
type HistoryCorrector interface {
	ReviseHistories(sequences []*HistorySequence)
}

// ApplyChanges walks every history entry visiting a flagged state, undoes
// their sequences' backups, drops sequences whose root state was deleted,
// revises the rest through the history corrector, and finally reattaches and
// regrows them.
func (s *Solver) ApplyChanges() {
	affected := make(map[int]*HistorySequence)
	for _, info := range s.pool.AffectedStates() {
		for _, entry := range info.entriesByOrder() {
			seq := entry.owningSequence
			seq.setChangeFlags(entry.entryID, info.changeFlags)
			if entry.changeFlags.Has(pomdp.ChangeDeleted) && entry.entryID > 0 {
				// The transition into a deleted state is itself invalid.
				seq.setChangeFlags(entry.entryID-1, pomdp.ChangeTransition)
			}
			if entry.changeFlags.Has(pomdp.ChangeObservationBefore) && entry.entryID > 0 {
				seq.setChangeFlags(entry.entryID-1, pomdp.ChangeObservation)
			}
			affected[seq.id] = seq
		}
	}
	if len(affected) == 0 {
		return
	}
	log.Debug().Int("sequences", len(affected)).Msg("updating affected histories")

	ids := make([]int, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	kept := make([]*HistorySequence, 0, len(ids))
	for _, id := range ids {
		seq := affected[id]
		s.undoBackup(seq)
		if seq.Entry(0).changeFlags.Has(pomdp.ChangeDeleted) {
			s.histories.DeleteSequence(seq)
		} else {
			kept = append(kept, seq)
		}
	}

	s.corrector.ReviseHistories(kept)

	params := s.model.Params()
	for _, seq := range kept {
		s.fixLinks(seq)
		seq.resetChangeFlags()
		if seq.isTerminal {
			s.backup(seq)
		} else {
			s.continueSearch(seq, params.Discount, params.MaximumDepth)
		}
	}
}

// fixLinks reattaches the sequence's entries to belief nodes from the first
// stale link onward, resolving edges through the tree.
func (s *Solver) fixLinks(seq *HistorySequence) {
	if seq.invalidLinksStart == -1 {
		return
	}
	for i := seq.invalidLinksStart; i+1 < len(seq.entries); i++ {
		entry := seq.entries[i]
		next := seq.entries[i+1]
		node := s.tree.CreateOrGetChild(entry.owningNode, entry.action, entry.observation)
		next.registerNode(node)
	}
	seq.invalidLinksStart = -1
}

// ReplayCorrector is the default history corrector: it re-simulates each
// affected sequence with the model's step function from the earliest flagged
// entry, re-interning the states it produces.
type ReplayCorrector struct {
	model pomdp.Model
	pool  *StatePool
}

func NewReplayCorrector(model pomdp.Model, pool *StatePool) *ReplayCorrector {
	return &ReplayCorrector{model: model, pool: pool}
}

func (c *ReplayCorrector) ReviseHistories(sequences []*HistorySequence) {
	for _, seq := range sequences {
		c.reviseSequence(seq)
	}
}

func (c *ReplayCorrector) reviseSequence(seq *HistorySequence) {
	first := seq.firstChangedEntry()
	if first == -1 {
		return
	}
	last := seq.Len() - 1
	if first >= last {
		// The final entry carries no outgoing step to revise.
		return
	}
	seq.isTerminal = false
	for i := first; i < last; i++ {
		entry := seq.entries[i]
		if entry.action == nil {
			break
		}
		result := c.model.GenerateStep(entry.State(), entry.action)
		entry.reward = result.Reward
		entry.observation = result.Observation.Clone()
		if result.TransitionParameters != nil {
			entry.transitionParameters = result.TransitionParameters.Clone()
		}
		seq.entries[i+1].replaceStateInfo(c.pool.CreateOrGetInfo(result.NextState))
		if result.IsTerminal {
			seq.truncateAfter(i + 1)
			seq.isTerminal = true
			break
		}
	}
	seq.invalidLinksStart = first
}

// truncateAfter drops every entry past entryID and clears the outgoing step
// of the new final entry, which is now terminal.
func (s *HistorySequence) truncateAfter(entryID int) {
	for _, entry := range s.entries[entryID+1:] {
		entry.stateInfo.deregisterEntry(entry)
		if entry.owningNode != nil {
			entry.owningNode.removeParticle(entry)
			entry.owningNode = nil
		}
	}
	s.entries = s.entries[:entryID+1]
	tail := s.entries[entryID]
	tail.action = nil
	tail.observation = nil
	tail.transitionParameters = nil
	tail.reward = 0
	tail.totalDiscountedReward = 0
	tail.hasBeenBackedUp = false
}

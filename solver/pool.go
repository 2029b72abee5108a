package solver

import (
	"sort"

	"sbt/index"
	"sbt/pomdp"
)

// StateInfo is the interned record for one distinct state. It carries the
// change flags set by the model during an update and back-references to every
// history entry visiting the state.
type StateInfo struct {
	id                   int
	state                pomdp.State
	changeFlags          pomdp.ChangeFlags
	usedInHistoryEntries map[*HistoryEntry]struct{}
}

func (si *StateInfo) ID() int {
	return si.id
}

func (si *StateInfo) State() pomdp.State {
	return si.state
}

func (si *StateInfo) ChangeFlags() pomdp.ChangeFlags {
	return si.changeFlags
}

// EntryCount returns the number of history entries referencing this state.
func (si *StateInfo) EntryCount() int {
	return len(si.usedInHistoryEntries)
}

func (si *StateInfo) registerEntry(entry *HistoryEntry) {
	si.usedInHistoryEntries[entry] = struct{}{}
}

func (si *StateInfo) deregisterEntry(entry *HistoryEntry) {
	delete(si.usedInHistoryEntries, entry)
}

// entriesByOrder returns the referencing entries ordered by sequence id and
// position, so that change propagation is deterministic.
func (si *StateInfo) entriesByOrder() []*HistoryEntry {
	entries := make([]*HistoryEntry, 0, len(si.usedInHistoryEntries))
	for entry := range si.usedInHistoryEntries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].owningSequence.id != entries[j].owningSequence.id {
			return entries[i].owningSequence.id < entries[j].owningSequence.id
		}
		return entries[i].entryID < entries[j].entryID
	})
	return entries
}

// StatePool interns states by equality and tracks which of them the model has
// flagged as affected by a change. An optional spatial index supports the
// range queries models use to locate affected states.
type StatePool struct {
	byHash   map[uint64][]*StateInfo
	byID     []*StateInfo
	index    index.StateIndex
	affected map[int]*StateInfo
}

// NewStatePool creates an empty pool. idx may be nil when no model change
// needs spatial lookups.
func NewStatePool(idx index.StateIndex) *StatePool {
	return &StatePool{
		byHash:   make(map[uint64][]*StateInfo),
		affected: make(map[int]*StateInfo),
		index:    idx,
	}
}

// CreateOrGetInfo interns the given state, returning the existing record when
// an equal state was seen before.
func (p *StatePool) CreateOrGetInfo(state pomdp.State) *StateInfo {
	if info := p.GetInfo(state); info != nil {
		return info
	}
	info := &StateInfo{
		id:                   len(p.byID),
		state:                state.Clone(),
		usedInHistoryEntries: make(map[*HistoryEntry]struct{}),
	}
	p.byID = append(p.byID, info)
	p.byHash[state.Hash()] = append(p.byHash[state.Hash()], info)
	if p.index != nil {
		p.index.Add(info.id, info.state.Coordinates())
	}
	return info
}

// GetInfo returns the interned record for state, or nil if it was never seen.
func (p *StatePool) GetInfo(state pomdp.State) *StateInfo {
	for _, info := range p.byHash[state.Hash()] {
		if info.state.Equals(state) {
			return info
		}
	}
	return nil
}

func (p *StatePool) NStates() int {
	return len(p.byID)
}

// MarkChanged merges flags into the interned record for state and adds it to
// the affected set. Unknown states are ignored.
func (p *StatePool) MarkChanged(state pomdp.State, flags pomdp.ChangeFlags) {
	info := p.GetInfo(state)
	if info == nil {
		return
	}
	info.changeFlags |= flags
	p.affected[info.id] = info
}

// VisitStatesInBox visits every interned state whose coordinates lie in the
// closed box [low, high]. Requires a spatial index.
func (p *StatePool) VisitStatesInBox(low, high []float64, visit func(pomdp.State)) {
	if p.index == nil {
		return
	}
	var ids []int
	p.index.BoxQuery(low, high, func(id int) {
		ids = append(ids, id)
	})
	sort.Ints(ids)
	for _, id := range ids {
		visit(p.byID[id].state)
	}
}

// VisitAllStates visits every interned state in interning order.
func (p *StatePool) VisitAllStates(visit func(pomdp.State)) {
	for _, info := range p.byID {
		visit(info.state)
	}
}

// AffectedStates returns the flagged records in id order.
func (p *StatePool) AffectedStates() []*StateInfo {
	ids := make([]int, 0, len(p.affected))
	for id := range p.affected {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	infos := make([]*StateInfo, len(ids))
	for i, id := range ids {
		infos[i] = p.affected[id]
	}
	return infos
}

// ResetAffectedStates clears the affected set and the flags on its members.
func (p *StatePool) ResetAffectedStates() {
	for _, info := range p.affected {
		info.changeFlags = pomdp.ChangeNone
	}
	p.affected = make(map[int]*StateInfo)
}

var _ pomdp.StatePool = (*StatePool)(nil)

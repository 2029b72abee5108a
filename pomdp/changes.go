package pomdp

import "strings"

// ChangeFlags mark how a model change affects an interned state or a history
// entry visiting it.
type ChangeFlags uint8

const (
	// ChangeDeleted marks a state that no longer exists under the new model.
	ChangeDeleted ChangeFlags = 1 << iota
	// ChangeTransition marks an entry whose outgoing transition may differ.
	ChangeTransition
	// ChangeReward marks an entry whose reward may differ.
	ChangeReward
	// ChangeObservation marks an entry whose emitted observation may differ.
	ChangeObservation
	// ChangeObservationBefore marks a state whose incoming observation may
	// differ; it propagates as ChangeObservation to the preceding entry.
	ChangeObservationBefore

	ChangeNone ChangeFlags = 0
)

// Has reports whether all bits of flag are set.
func (f ChangeFlags) Has(flag ChangeFlags) bool {
	return f&flag == flag
}

func (f ChangeFlags) String() string {
	if f == ChangeNone {
		return "NONE"
	}
	var parts []string
	for _, p := range []struct {
		flag ChangeFlags
		name string
	}{
		{ChangeDeleted, "DELETED"},
		{ChangeTransition, "TRANSITION"},
		{ChangeReward, "REWARD"},
		{ChangeObservation, "OBSERVATION"},
		{ChangeObservationBefore, "OBSERVATION_BEFORE"},
	} {
		if f.Has(p.flag) {
			parts = append(parts, p.name)
		}
	}
	return strings.Join(parts, "|")
}

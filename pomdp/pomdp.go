// Package pomdp defines the capability contracts between the solver and a
// concrete partially observable model. The solver treats the model as a black
// box: it samples states, steps the dynamics, and asks for heuristic values
// and replacement particles through these interfaces only.
package pomdp

// State is a hidden environment state. Implementations must be immutable once
// handed to the solver.
type State interface {
	// Hash returns a stable hash used for interning. States that are Equals
	// must share a hash.
	Hash() uint64
	Equals(other State) bool
	Clone() State
	// DistanceTo returns a nonnegative distance to another state of the same
	// model. It need not be a metric.
	DistanceTo(other State) float64
	// Coordinates projects the state into a fixed-dimension point for
	// spatial indexing.
	Coordinates() []float64
	String() string
}

// Action is an agent decision. Equal actions must share a hash.
type Action interface {
	Hash() uint64
	Equals(other Action) bool
	Clone() Action
	String() string
}

// Observation is a percept emitted by the model after a step.
type Observation interface {
	Hash() uint64
	Equals(other Observation) bool
	Clone() Observation
	// DistanceTo supports approximate observation matching; models with
	// purely discrete observations may return 0 for equal and 1 otherwise.
	DistanceTo(other Observation) float64
	String() string
}

// TransitionParameters carries model-specific intermediate results of a step,
// e.g. sampled opponent moves, so that a history can later be replayed.
type TransitionParameters interface {
	Clone() TransitionParameters
	String() string
}

// StepResult is the outcome of a single stochastic step of the model.
type StepResult struct {
	Action               Action
	TransitionParameters TransitionParameters
	NextState            State
	Observation          Observation
	Reward               float64
	IsTerminal           bool
}

// Params bundles the model constants the solver consumes.
type Params struct {
	// Discount is the POMDP discount factor, in (0, 1).
	Discount float64
	// UCBCoefficient scales the exploration bonus in action selection.
	UCBCoefficient float64
	// HeuristicExploreCoefficient is the exploration floor eta of the
	// adaptive rollout-heuristic mixing.
	HeuristicExploreCoefficient float64
	// MaxTrials bounds the number of search trials per Improve call.
	MaxTrials int
	// MaximumDepth bounds the absolute depth of any history entry.
	MaximumDepth int
	// NParticles is the target particle count when replenishing a belief.
	NParticles int
	// MaxNNComparisons bounds the nodes scanned per nearest-neighbor lookup.
	MaxNNComparisons int
	// MaxNNDistance is the largest belief distance accepted as a neighbor.
	// Zero disables the policy rollout entirely.
	MaxNNDistance float64
	// MinValue and MaxValue bound achievable q-values; MaxValue normalizes
	// the heuristic mixing update.
	MinValue float64
	MaxValue float64
}

// StatePool is the view of the solver's state pool a model sees while
// applying a change: it can locate interned states spatially and flag them.
type StatePool interface {
	// MarkChanged merges flags into the interned info for the given state,
	// if present, and records it as affected.
	MarkChanged(state State, flags ChangeFlags)
	// VisitStatesInBox calls visit for every interned state whose
	// coordinates fall inside the closed box [low, high].
	VisitStatesInBox(low, high []float64, visit func(State))
	// VisitAllStates calls visit for every interned state, in interning
	// order.
	VisitAllStates(visit func(State))
}

// Model is the black-box environment the solver plans against.
type Model interface {
	Params() Params

	SampleInitialState() State
	IsTerminal(state State) bool
	// GenerateStep samples one transition. Repeated calls with identical
	// inputs may differ.
	GenerateStep(state State, action Action) StepResult
	// HeuristicValue estimates the value of a state, used when a rollout
	// bottoms out without policy information.
	HeuristicValue(state State) float64
	// DefaultValue is a conservative lower bound for fresh particles.
	DefaultValue() float64

	// GenerateParticles proposes successor states consistent with taking
	// action and observing obs from a belief approximated by prior. An empty
	// result means the prior is incompatible with the observation.
	GenerateParticles(prior []State, action Action, obs Observation) []State
	// GenerateParticlesIgnorePrior proposes successor states consistent
	// with the action and observation alone.
	GenerateParticlesIgnorePrior(action Action, obs Observation) []State

	// LoadChanges parses a changes file and returns the sorted times at
	// which Update must be invoked.
	LoadChanges(path string) ([]int, error)
	// Update applies the change scheduled at time, inspecting the pool and
	// flagging every affected interned state.
	Update(time int, pool StatePool)
}

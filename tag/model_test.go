package tag

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"sbt/pomdp"
)

func testOptions() Options {
	return Options{
		Discount:                0.95,
		MoveCost:                1,
		TagReward:               10,
		FailedTagPenalty:        10,
		OpponentStayProbability: 0.2,
		NParticles:              30,
		MaxTrials:               20,
		MaximumDepth:            20,
		UCBCoefficient:          5,
		HeuristicExplore:        0.5,
		MaxNNComparisons:        5,
		MaxNNDistance:           0.5,
	}
}

func newTestModel(t *testing.T, mapText string) *Model {
	t.Helper()
	m, err := NewFromString(mapText, testOptions(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	return m
}

func TestNewFromStringParsesWalls(t *testing.T) {
	m := newTestModel(t, "..X\n...\nX..")

	require.Equal(t, 3, m.Rows())
	require.Equal(t, 3, m.Cols())
	require.False(t, m.isFloor(Cell{I: 0, J: 2}))
	require.False(t, m.isFloor(Cell{I: 2, J: 0}))
	require.True(t, m.isFloor(Cell{I: 1, J: 1}))
	require.False(t, m.isFloor(Cell{I: -1, J: 0}), "out of bounds is not floor")
	require.False(t, m.isFloor(Cell{I: 0, J: 3}), "out of bounds is not floor")
}

func TestGenerateStepMoves(t *testing.T) {
	m := newTestModel(t, "...\n...\n...")
	state := State{Robot: Cell{I: 1, J: 1}, Opponent: Cell{I: 0, J: 2}}

	result := m.GenerateStep(state, East)

	next := result.NextState.(State)
	require.Equal(t, Cell{I: 1, J: 2}, next.Robot)
	require.Equal(t, -m.opts.MoveCost, result.Reward)
	require.False(t, result.IsTerminal)
	obs := result.Observation.(Observation)
	require.Equal(t, next.Robot, obs.Robot)
	require.Equal(t, next.Robot == next.Opponent, obs.SeesOpponent)
}

func TestGenerateStepBlockedByWall(t *testing.T) {
	m := newTestModel(t, ".X.\n...\n...")
	state := State{Robot: Cell{I: 0, J: 0}, Opponent: Cell{I: 2, J: 2}}

	result := m.GenerateStep(state, East)

	require.Equal(t, Cell{I: 0, J: 0}, result.NextState.(State).Robot,
		"moving into a wall leaves the robot in place")
}

func TestGenerateStepTag(t *testing.T) {
	m := newTestModel(t, "...\n...\n...")

	t.Run("co-located tag succeeds and terminates", func(t *testing.T) {
		state := State{Robot: Cell{I: 1, J: 1}, Opponent: Cell{I: 1, J: 1}}
		result := m.GenerateStep(state, Tag)

		require.Equal(t, m.opts.TagReward, result.Reward)
		require.True(t, result.IsTerminal)
		require.True(t, result.NextState.(State).Tagged)
		require.True(t, m.IsTerminal(result.NextState))
	})

	t.Run("distant tag is penalized", func(t *testing.T) {
		state := State{Robot: Cell{I: 0, J: 0}, Opponent: Cell{I: 2, J: 2}}
		result := m.GenerateStep(state, Tag)

		require.Equal(t, -m.opts.FailedTagPenalty, result.Reward)
		require.False(t, result.IsTerminal)
		require.False(t, result.NextState.(State).Tagged)
	})
}

func TestOpponentNeverApproaches(t *testing.T) {
	m := newTestModel(t, ".....\n.....\n.....\n.....\n.....")
	robot := Cell{I: 0, J: 0}
	opponent := Cell{I: 2, J: 2}
	before := opponent.ManhattanDistance(robot)

	for i := 0; i < 200; i++ {
		next, _ := m.moveOpponent(robot, opponent)
		require.GreaterOrEqual(t, next.ManhattanDistance(robot), before,
			"the opponent flees or holds, never closes in")
	}
}

func TestHeuristicValue(t *testing.T) {
	m := newTestModel(t, ".....\n.....\n.....\n.....\n.....")

	require.Zero(t, m.HeuristicValue(State{Tagged: true}))

	colocated := State{Robot: Cell{I: 2, J: 2}, Opponent: Cell{I: 2, J: 2}}
	require.InDelta(t, m.opts.TagReward, m.HeuristicValue(colocated), 1e-12,
		"zero distance discounts nothing")

	near := State{Robot: Cell{I: 2, J: 2}, Opponent: Cell{I: 2, J: 3}}
	far := State{Robot: Cell{I: 0, J: 0}, Opponent: Cell{I: 4, J: 4}}
	require.Greater(t, m.HeuristicValue(near), m.HeuristicValue(far),
		"a closer opponent is worth more")
}

func TestParamsBounds(t *testing.T) {
	m := newTestModel(t, "...\n...")
	p := m.Params()

	require.Equal(t, m.opts.TagReward, p.MaxValue)
	require.InDelta(t, -m.opts.FailedTagPenalty/(1-m.opts.Discount), p.MinValue, 1e-12)
}

func TestGenerateParticlesConsistentWithObservation(t *testing.T) {
	m := newTestModel(t, ".....\n.....\n.....\n.....\n.....")
	prior := []pomdp.State{
		State{Robot: Cell{I: 1, J: 1}, Opponent: Cell{I: 3, J: 3}},
		State{Robot: Cell{I: 1, J: 1}, Opponent: Cell{I: 4, J: 2}},
	}
	obs := Observation{Robot: Cell{I: 1, J: 2}, SeesOpponent: false}

	particles := m.GenerateParticles(prior, East, obs)

	require.NotEmpty(t, particles)
	for _, p := range particles {
		state := p.(State)
		require.Equal(t, obs.Robot, state.Robot)
		require.NotEqual(t, state.Robot, state.Opponent)
	}
}

func TestGenerateParticlesImpossibleObservation(t *testing.T) {
	m := newTestModel(t, ".....\n.....\n.....\n.....\n.....")
	prior := []pomdp.State{
		State{Robot: Cell{I: 0, J: 0}, Opponent: Cell{I: 4, J: 4}},
	}
	obs := Observation{Robot: Cell{I: 3, J: 3}, SeesOpponent: false}

	require.Empty(t, m.GenerateParticles(prior, East, obs),
		"no prior particle can produce a distant robot observation in one step")

	fallback := m.GenerateParticlesIgnorePrior(East, obs)
	require.Len(t, fallback, m.opts.NParticles)
	for _, p := range fallback {
		state := p.(State)
		require.Equal(t, obs.Robot, state.Robot)
		require.NotEqual(t, state.Robot, state.Opponent)
	}
}

func TestGenerateParticlesIgnorePriorSeesOpponent(t *testing.T) {
	m := newTestModel(t, "...\n...\n...")
	obs := Observation{Robot: Cell{I: 1, J: 1}, SeesOpponent: true}

	for _, p := range m.GenerateParticlesIgnorePrior(Tag, obs) {
		state := p.(State)
		require.Equal(t, state.Robot, state.Opponent,
			"seeing the opponent pins it to the robot's cell")
	}
}

func TestSampleInitialStateOnFloor(t *testing.T) {
	m := newTestModel(t, ".X.\nX.X\n.X.")

	for i := 0; i < 100; i++ {
		s := m.SampleInitialState().(State)
		require.True(t, m.isFloor(s.Robot))
		require.True(t, m.isFloor(s.Opponent))
		require.False(t, s.Tagged)
	}
}

func TestStateIdentity(t *testing.T) {
	a := State{Robot: Cell{I: 1, J: 2}, Opponent: Cell{I: 3, J: 4}}
	b := State{Robot: Cell{I: 1, J: 2}, Opponent: Cell{I: 3, J: 4}}
	c := State{Robot: Cell{I: 1, J: 2}, Opponent: Cell{I: 3, J: 4}, Tagged: true}

	require.True(t, a.Equals(b))
	require.Equal(t, a.Hash(), b.Hash())
	require.False(t, a.Equals(c))
	require.Zero(t, a.DistanceTo(b))
	require.Equal(t, 1.0, a.DistanceTo(c))
	require.Equal(t, []float64{1, 2, 3, 4, 0}, a.Coordinates())
}

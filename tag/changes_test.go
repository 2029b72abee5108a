package tag

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sbt/index"
	"sbt/pomdp"
	"sbt/solver"
)

func writeChanges(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "changes.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadChangesParsesBlocks(t *testing.T) {
	m := newTestModel(t, ".....\n.....\n.....\n.....\n.....")
	path := writeChanges(t, "t 10 n 2\nADD Obstacle 0 1 1 2 2\nADD Obstacle 1 4 4 4 4\nt 3 n 1\nADD Obstacle 2 0 0 0 0\n")

	times, err := m.LoadChanges(path)

	require.NoError(t, err)
	require.Equal(t, []int{3, 10}, times, "change times come back sorted")
	require.Len(t, m.changes[10], 2)
	require.Len(t, m.changes[3], 1)
}

func TestLoadChangesSkipsUnknownOperations(t *testing.T) {
	m := newTestModel(t, "...\n...\n...")
	path := writeChanges(t, "t 1 n 2\nREMOVE Obstacle 0 0 0 0 0\nADD Obstacle 1 1 1 1 1\n")

	times, err := m.LoadChanges(path)

	require.NoError(t, err)
	require.Equal(t, []int{1}, times)
	require.Len(t, m.changes[1], 1, "unknown operations are skipped, not fatal")
}

func TestLoadChangesRejectsMalformedInput(t *testing.T) {
	m := newTestModel(t, "...\n...\n...")

	t.Run("bad header", func(t *testing.T) {
		path := writeChanges(t, "whenever 2\nADD Obstacle 0 0 0 0 0\n")
		_, err := m.LoadChanges(path)
		require.Error(t, err)
	})

	t.Run("truncated block", func(t *testing.T) {
		path := writeChanges(t, "t 1 n 3\nADD Obstacle 0 0 0 0 0\n")
		_, err := m.LoadChanges(path)
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := m.LoadChanges(filepath.Join(t.TempDir(), "nope.txt"))
		require.Error(t, err)
	})
}

func TestUpdateMarksAffectedStates(t *testing.T) {
	m := newTestModel(t, ".....\n.....\n.....\n.....\n.....")
	path := writeChanges(t, "t 2 n 1\nADD Obstacle 0 2 2 3 3\n")
	_, err := m.LoadChanges(path)
	require.NoError(t, err)

	pool := solver.NewStatePool(index.NewRTree(StateDims))
	inside := State{Robot: Cell{I: 2, J: 2}, Opponent: Cell{I: 0, J: 0}}
	opponentInside := State{Robot: Cell{I: 0, J: 0}, Opponent: Cell{I: 3, J: 3}}
	adjacent := State{Robot: Cell{I: 1, J: 2}, Opponent: Cell{I: 0, J: 0}}
	clear := State{Robot: Cell{I: 0, J: 0}, Opponent: Cell{I: 0, J: 4}}
	for _, s := range []State{inside, opponentInside, adjacent, clear} {
		pool.CreateOrGetInfo(s)
	}

	m.Update(2, pool)

	require.True(t, pool.GetInfo(inside).ChangeFlags().Has(pomdp.ChangeDeleted),
		"a robot inside the new obstacle no longer exists")
	require.True(t, pool.GetInfo(opponentInside).ChangeFlags().Has(pomdp.ChangeDeleted),
		"an opponent inside the new obstacle no longer exists")
	require.True(t, pool.GetInfo(adjacent).ChangeFlags().Has(pomdp.ChangeTransition),
		"a state bordering the obstacle has changed transitions")
	require.False(t, pool.GetInfo(adjacent).ChangeFlags().Has(pomdp.ChangeDeleted))
	require.Equal(t, pomdp.ChangeNone, pool.GetInfo(clear).ChangeFlags(),
		"states away from the obstacle are untouched")

	require.False(t, m.isFloor(Cell{I: 2, J: 3}), "the obstacle cells became walls")
	require.True(t, m.isFloor(Cell{I: 1, J: 2}))
}

func TestUpdateThenSolveAvoidsNewWalls(t *testing.T) {
	m := newTestModel(t, "...\n...\n...")
	path := writeChanges(t, "t 0 n 1\nADD Obstacle 0 1 1 1 1\n")
	_, err := m.LoadChanges(path)
	require.NoError(t, err)

	pool := solver.NewStatePool(index.NewRTree(StateDims))
	m.Update(0, pool)

	result := m.GenerateStep(State{Robot: Cell{I: 0, J: 1}, Opponent: Cell{I: 2, J: 2}}, South)
	require.Equal(t, Cell{I: 0, J: 1}, result.NextState.(State).Robot,
		"moves into a freshly added obstacle bounce off")
	for i := 0; i < 50; i++ {
		s := m.SampleInitialState().(State)
		require.NotEqual(t, Cell{I: 1, J: 1}, s.Robot)
		require.NotEqual(t, Cell{I: 1, J: 1}, s.Opponent)
	}
}

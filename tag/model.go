package tag

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strings"

	"golang.org/x/exp/rand"

	"sbt/pomdp"
)

// Options are the problem parameters, typically loaded from configuration.
type Options struct {
	Discount                float64
	MoveCost                float64
	TagReward               float64
	FailedTagPenalty        float64
	OpponentStayProbability float64

	NParticles       int
	MaxTrials        int
	MaximumDepth     int
	UCBCoefficient   float64
	HeuristicExplore float64
	MaxNNComparisons int
	MaxNNDistance    float64
}

var _ pomdp.Model = (*Model)(nil)

// Model is the Tag POMDP over a rectangular grid with walls.
type Model struct {
	rng  *rand.Rand
	opts Options

	rows, cols int
	walls      [][]bool
	floorCells []Cell

	changes map[int][]change
}

// NewFromFile parses a map file: a "rows cols" header, then one row per
// line with 'X' for walls.
func NewFromFile(path string, opts Options, rng *rand.Rand) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open map: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("map %s: missing header", path)
	}
	var rows, cols int
	if _, err := fmt.Sscanf(scanner.Text(), "%d %d", &rows, &cols); err != nil {
		return nil, fmt.Errorf("map %s: bad header %q: %w", path, scanner.Text(), err)
	}
	lines := make([]string, 0, rows)
	for scanner.Scan() && len(lines) < rows {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read map: %w", err)
	}
	if len(lines) < rows {
		return nil, fmt.Errorf("map %s: expected %d rows, got %d", path, rows, len(lines))
	}
	return newModel(rows, cols, lines, opts, rng)
}

// NewFromString builds a model from an inline map, one row per line.
func NewFromString(mapText string, opts Options, rng *rand.Rand) (*Model, error) {
	lines := strings.Split(strings.TrimSpace(mapText), "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty map")
	}
	cols := 0
	for _, line := range lines {
		if len(line) > cols {
			cols = len(line)
		}
	}
	return newModel(len(lines), cols, lines, opts, rng)
}

func newModel(rows, cols int, lines []string, opts Options, rng *rand.Rand) (*Model, error) {
	m := &Model{
		rng:     rng,
		opts:    opts,
		rows:    rows,
		cols:    cols,
		walls:   make([][]bool, rows),
		changes: make(map[int][]change),
	}
	for i := 0; i < rows; i++ {
		m.walls[i] = make([]bool, cols)
		for j := 0; j < cols; j++ {
			wall := j < len(lines[i]) && lines[i][j] == 'X'
			m.walls[i][j] = wall
			if !wall {
				m.floorCells = append(m.floorCells, Cell{I: i, J: j})
			}
		}
	}
	if len(m.floorCells) == 0 {
		return nil, fmt.Errorf("map has no floor cells")
	}
	return m, nil
}

func (m *Model) Rows() int { return m.rows }
func (m *Model) Cols() int { return m.cols }

func (m *Model) isFloor(c Cell) bool {
	return c.I >= 0 && c.I < m.rows && c.J >= 0 && c.J < m.cols && !m.walls[c.I][c.J]
}

func (m *Model) Params() pomdp.Params {
	return pomdp.Params{
		Discount:                    m.opts.Discount,
		UCBCoefficient:              m.opts.UCBCoefficient,
		HeuristicExploreCoefficient: m.opts.HeuristicExplore,
		MaxTrials:                   m.opts.MaxTrials,
		MaximumDepth:                m.opts.MaximumDepth,
		NParticles:                  m.opts.NParticles,
		MaxNNComparisons:            m.opts.MaxNNComparisons,
		MaxNNDistance:               m.opts.MaxNNDistance,
		MinValue:                    -m.opts.FailedTagPenalty / (1 - m.opts.Discount),
		MaxValue:                    m.opts.TagReward,
	}
}

// sampleFloorCell draws a uniformly random floor cell.
func (m *Model) sampleFloorCell() Cell {
	return m.floorCells[m.rng.Intn(len(m.floorCells))]
}

func (m *Model) SampleInitialState() pomdp.State {
	return State{Robot: m.sampleFloorCell(), Opponent: m.sampleFloorCell()}
}

func (m *Model) IsTerminal(state pomdp.State) bool {
	return state.(State).Tagged
}

func (m *Model) GenerateStep(state pomdp.State, action pomdp.Action) pomdp.StepResult {
	s := state.(State)
	a := action.(Action)

	next := s
	reward := 0.0
	params := StepParams{OpponentTo: s.Opponent}

	if a == Tag {
		if s.Robot == s.Opponent {
			next.Tagged = true
			reward = m.opts.TagReward
		} else {
			reward = -m.opts.FailedTagPenalty
		}
	} else {
		reward = -m.opts.MoveCost
		moved := m.movedCell(s.Robot, a)
		next.Robot = moved
	}

	if !next.Tagged {
		opponent, moved := m.moveOpponent(next.Robot, s.Opponent)
		next.Opponent = opponent
		params.OpponentMoved = moved
		params.OpponentTo = opponent
	}

	obs := Observation{Robot: next.Robot, SeesOpponent: next.Robot == next.Opponent}
	return pomdp.StepResult{
		Action:               a,
		TransitionParameters: params,
		NextState:            next,
		Observation:          obs,
		Reward:               reward,
		IsTerminal:           next.Tagged,
	}
}

// movedCell applies a move action, staying put on walls and map edges.
func (m *Model) movedCell(c Cell, a Action) Cell {
	di, dj := a.delta()
	moved := Cell{I: c.I + di, J: c.J + dj}
	if !m.isFloor(moved) {
		return c
	}
	return moved
}

// moveOpponent flees from the robot: with the stay probability the opponent
// holds still, otherwise it picks uniformly among neighboring floor cells
// that do not decrease its distance to the robot.
func (m *Model) moveOpponent(robot, opponent Cell) (Cell, bool) {
	if m.rng.Float64() < m.opts.OpponentStayProbability {
		return opponent, false
	}
	current := opponent.ManhattanDistance(robot)
	var candidates []Cell
	for _, a := range []Action{North, South, East, West} {
		di, dj := a.delta()
		c := Cell{I: opponent.I + di, J: opponent.J + dj}
		if m.isFloor(c) && c.ManhattanDistance(robot) >= current {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return opponent, false
	}
	return candidates[m.rng.Intn(len(candidates))], true
}

// HeuristicValue estimates the value of a state as the discounted cost of
// closing the expected pursuit distance, then tagging.
func (m *Model) HeuristicValue(state pomdp.State) float64 {
	s := state.(State)
	if s.Tagged {
		return 0
	}
	dist := s.Robot.ManhattanDistance(s.Opponent)
	nSteps := float64(dist) / m.opts.OpponentStayProbability
	finalDiscount := math.Pow(m.opts.Discount, nSteps)
	q := -m.opts.MoveCost * (1 - finalDiscount) / (1 - m.opts.Discount)
	return q + finalDiscount*m.opts.TagReward
}

func (m *Model) DefaultValue() float64 {
	return m.Params().MinValue
}

// GenerateParticles resamples successors of the prior particles and keeps
// those consistent with the observation.
func (m *Model) GenerateParticles(prior []pomdp.State, action pomdp.Action, obs pomdp.Observation) []pomdp.State {
	if len(prior) == 0 {
		return nil
	}
	target := m.opts.NParticles
	maxAttempts := target * 10
	var particles []pomdp.State
	for attempt := 0; attempt < maxAttempts && len(particles) < target; attempt++ {
		state := prior[m.rng.Intn(len(prior))]
		result := m.GenerateStep(state, action)
		if result.Observation.Equals(obs) {
			particles = append(particles, result.NextState)
		}
	}
	return particles
}

// GenerateParticlesIgnorePrior samples states directly consistent with the
// observation, assuming an uninformed prior.
func (m *Model) GenerateParticlesIgnorePrior(action pomdp.Action, obs pomdp.Observation) []pomdp.State {
	o := obs.(Observation)
	if !m.isFloor(o.Robot) {
		return nil
	}
	particles := make([]pomdp.State, 0, m.opts.NParticles)
	for i := 0; i < m.opts.NParticles; i++ {
		s := State{Robot: o.Robot}
		if o.SeesOpponent {
			s.Opponent = o.Robot
		} else {
			opponent := m.sampleFloorCell()
			for opponent == o.Robot && len(m.floorCells) > 1 {
				opponent = m.sampleFloorCell()
			}
			s.Opponent = opponent
		}
		particles = append(particles, s)
	}
	return particles
}

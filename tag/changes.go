package tag

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog/log"

	"sbt/pomdp"
)

// change is one parsed change operation: a rectangle of cells turning into
// walls at a scheduled time.
type change struct {
	op   string
	id   int
	rect [4]int // i0 j0 i1 j1, inclusive
}

// LoadChanges parses a changes file. Each block is a header line
// "t <time> n <nChanges>" followed by nChanges operation lines
// "ADD Obstacle <id> <i0> <j0> <i1> <j1>". Unknown operations are skipped
// with a warning. Returns the change times sorted ascending.
func (m *Model) LoadChanges(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open changes: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if text == "" {
			continue
		}
		var timeTag, countTag string
		var changeTime, nChanges int
		if _, err := fmt.Sscanf(text, "%s %d %s %d", &timeTag, &changeTime, &countTag, &nChanges); err != nil {
			return nil, fmt.Errorf("changes %s:%d: bad header %q: %w", path, line, text, err)
		}
		for i := 0; i < nChanges; i++ {
			if !scanner.Scan() {
				return nil, fmt.Errorf("changes %s: header at line %d promises %d operations, got %d", path, line, nChanges, i)
			}
			line++
			var op, kind string
			var ch change
			if _, err := fmt.Sscanf(scanner.Text(), "%s %s %d %d %d %d %d",
				&op, &kind, &ch.id, &ch.rect[0], &ch.rect[1], &ch.rect[2], &ch.rect[3]); err != nil {
				return nil, fmt.Errorf("changes %s:%d: bad operation %q: %w", path, line, scanner.Text(), err)
			}
			if op != "ADD" || kind != "Obstacle" {
				log.Warn().Str("operation", op+" "+kind).Int("line", line).
					Msg("skipping unknown change operation")
				continue
			}
			ch.op = op
			m.changes[changeTime] = append(m.changes[changeTime], ch)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}

	times := make([]int, 0, len(m.changes))
	for t := range m.changes {
		times = append(times, t)
	}
	sort.Ints(times)
	return times, nil
}

// Update applies the changes scheduled at the given time: the affected cells
// become walls, states inside them are flagged deleted, and states adjacent
// to them are flagged with changed transitions.
func (m *Model) Update(time int, pool pomdp.StatePool) {
	for _, ch := range m.changes[time] {
		i0, j0, i1, j1 := ch.rect[0], ch.rect[1], ch.rect[2], ch.rect[3]
		for i := i0; i <= i1 && i < m.rows; i++ {
			for j := j0; j <= j1 && j < m.cols; j++ {
				if i >= 0 && j >= 0 {
					m.walls[i][j] = true
				}
			}
		}
		m.rebuildFloorCells()

		inRect := func(c Cell) bool {
			return c.I >= i0 && c.I <= i1 && c.J >= j0 && c.J <= j1
		}
		// Deleted: either agent stands inside the new obstacle.
		m.visitRect(pool, i0, j0, i1, j1, func(s State) {
			pool.MarkChanged(s, pomdp.ChangeDeleted)
		})
		// Transitions bordering the obstacle now bounce off it.
		m.visitRect(pool, i0-1, j0-1, i1+1, j1+1, func(s State) {
			if !inRect(s.Robot) && !inRect(s.Opponent) {
				pool.MarkChanged(s, pomdp.ChangeTransition)
			}
		})
	}
}

// visitRect visits every interned state whose robot or opponent lies in the
// given cell rectangle.
func (m *Model) visitRect(pool pomdp.StatePool, i0, j0, i1, j1 int, visit func(State)) {
	maxI := float64(m.rows - 1)
	maxJ := float64(m.cols - 1)
	lo := []float64{float64(i0), float64(j0), 0, 0, 0}
	hi := []float64{float64(i1), float64(j1), maxI, maxJ, 1}
	pool.VisitStatesInBox(lo, hi, func(s pomdp.State) {
		visit(s.(State))
	})
	lo = []float64{0, 0, float64(i0), float64(j0), 0}
	hi = []float64{maxI, maxJ, float64(i1), float64(j1), 1}
	pool.VisitStatesInBox(lo, hi, func(s pomdp.State) {
		st := s.(State)
		// Already visited through the robot box.
		if st.Robot.I >= i0 && st.Robot.I <= i1 && st.Robot.J >= j0 && st.Robot.J <= j1 {
			return
		}
		visit(st)
	})
}

func (m *Model) rebuildFloorCells() {
	m.floorCells = m.floorCells[:0]
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			if !m.walls[i][j] {
				m.floorCells = append(m.floorCells, Cell{I: i, J: j})
			}
		}
	}
}

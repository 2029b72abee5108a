// Package trace writes per-run simulation traces as CSV files under a
// timestamped run directory.
package trace

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// StepRecord is one executed step of a simulation.
type StepRecord struct {
	Step        int
	Action      string
	Observation string
	Reward      float64
	Discount    float64
}

// RunRecord summarizes one simulation run.
type RunRecord struct {
	ID               string
	Seed             uint64
	Steps            int
	Terminated       bool
	DiscountedReturn float64
	ChangeTime       time.Duration
	ImproveTime      time.Duration
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Writer writes the records of one run.
type Writer struct {
	baseDir string
}

// NewWriter creates a run directory named by the current UTC timestamp under
// root.
func NewWriter(root string) (*Writer, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	baseDir := filepath.Join(root, timestamp)
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	return &Writer{baseDir: baseDir}, nil
}

func (w *Writer) BaseDir() string {
	return w.baseDir
}

// WriteRun appends the run summary to runs.csv, writing the header when the
// file is new.
func (w *Writer) WriteRun(run RunRecord) error {
	path := filepath.Join(w.baseDir, "runs.csv")
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open runs file: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	defer writer.Flush()

	if os.IsNotExist(statErr) {
		header := []string{"id", "seed", "steps", "terminated", "discounted_return", "change_ms", "improve_ms"}
		if err := writer.Write(header); err != nil {
			return fmt.Errorf("failed to write runs header: %w", err)
		}
	}
	record := []string{
		run.ID,
		strconv.FormatUint(run.Seed, 10),
		strconv.Itoa(run.Steps),
		strconv.FormatBool(run.Terminated),
		strconv.FormatFloat(run.DiscountedReturn, 'f', -1, 64),
		strconv.FormatInt(run.ChangeTime.Milliseconds(), 10),
		strconv.FormatInt(run.ImproveTime.Milliseconds(), 10),
	}
	if err := writer.Write(record); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	return writer.Error()
}

// WriteSteps writes one run's step records to <runID>_steps.csv.
func (w *Writer) WriteSteps(runID string, steps []StepRecord) error {
	path := filepath.Join(w.baseDir, runID+"_steps.csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create steps file: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	defer writer.Flush()

	header := []string{"step", "action", "observation", "reward", "discount"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write steps header: %w", err)
	}
	for _, s := range steps {
		record := []string{
			strconv.Itoa(s.Step),
			s.Action,
			s.Observation,
			strconv.FormatFloat(s.Reward, 'f', -1, 64),
			strconv.FormatFloat(s.Discount, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write step record: %w", err)
		}
	}
	return writer.Error()
}

// Package config loads the run configuration: problem parameters and the
// solver tuning knobs.
package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Problem holds the model parameters.
type Problem struct {
	Discount                float64 `yaml:"discount"`
	MapPath                 string  `yaml:"mapPath"`
	ChangesPath             string  `yaml:"changesPath"`
	MoveCost                float64 `yaml:"moveCost"`
	TagReward               float64 `yaml:"tagReward"`
	FailedTagPenalty        float64 `yaml:"failedTagPenalty"`
	OpponentStayProbability float64 `yaml:"opponentStayProbability"`
}

// SBT holds the solver tuning knobs.
type SBT struct {
	NParticles int `yaml:"nParticles"`
	MaxTrials  int `yaml:"maxTrials"`
	// MaxDistTry bounds the nodes scanned per nearest-neighbor lookup.
	MaxDistTry int `yaml:"maxDistTry"`
	// ExploreCoef is the UCB exploration coefficient.
	ExploreCoef float64 `yaml:"exploreCoef"`
	// HeuristicExploreCoef is the exploration floor of the rollout mixing.
	HeuristicExploreCoef float64 `yaml:"heuristicExploreCoef"`
	// DepthTh is the lowest accumulated discount worth searching below; it
	// determines the depth cutoff.
	DepthTh float64 `yaml:"depthTh"`
	// DistTh is the largest belief distance accepted as a nearest neighbor.
	DistTh float64 `yaml:"distTh"`
}

// Run holds simulation-level settings.
type Run struct {
	Seed   uint64 `yaml:"seed"`
	NSteps int    `yaml:"nSteps"`
	// TraceDir is where per-run CSV traces go; empty disables them.
	TraceDir string `yaml:"traceDir"`
}

type Config struct {
	Problem Problem `yaml:"problem"`
	SBT     SBT     `yaml:"sbt"`
	Run     Run     `yaml:"run"`
}

// Default returns a configuration with workable values for the Tag problem.
func Default() Config {
	return Config{
		Problem: Problem{
			Discount:                0.95,
			MoveCost:                1,
			TagReward:               10,
			FailedTagPenalty:        10,
			OpponentStayProbability: 0.2,
		},
		SBT: SBT{
			NParticles:           500,
			MaxTrials:            200,
			MaxDistTry:           10,
			ExploreCoef:          5,
			HeuristicExploreCoef: 0.5,
			DepthTh:              0.01,
			DistTh:               0.5,
		},
		Run: Run{
			Seed:   1,
			NSteps: 50,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Problem.Discount <= 0 || c.Problem.Discount >= 1 {
		return fmt.Errorf("problem.discount must be in (0, 1), got %v", c.Problem.Discount)
	}
	if c.Problem.OpponentStayProbability <= 0 || c.Problem.OpponentStayProbability > 1 {
		return fmt.Errorf("problem.opponentStayProbability must be in (0, 1], got %v", c.Problem.OpponentStayProbability)
	}
	if c.SBT.NParticles <= 0 {
		return fmt.Errorf("sbt.nParticles must be positive, got %d", c.SBT.NParticles)
	}
	if c.SBT.MaxTrials <= 0 {
		return fmt.Errorf("sbt.maxTrials must be positive, got %d", c.SBT.MaxTrials)
	}
	if c.SBT.DepthTh <= 0 || c.SBT.DepthTh >= 1 {
		return fmt.Errorf("sbt.depthTh must be in (0, 1), got %v", c.SBT.DepthTh)
	}
	if c.SBT.HeuristicExploreCoef < 0 || c.SBT.HeuristicExploreCoef > 1 {
		return fmt.Errorf("sbt.heuristicExploreCoef must be in [0, 1], got %v", c.SBT.HeuristicExploreCoef)
	}
	if c.Run.NSteps <= 0 {
		return fmt.Errorf("run.nSteps must be positive, got %d", c.Run.NSteps)
	}
	return nil
}

// MaximumDepth converts the discount threshold into an absolute depth bound:
// the smallest depth at which the accumulated discount is at or below DepthTh.
func (c Config) MaximumDepth() int {
	return int(math.Ceil(math.Log(c.SBT.DepthTh) / math.Log(c.Problem.Discount)))
}

package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"sbt/config"
	"sbt/index"
	"sbt/solver"
	"sbt/tag"
	"sbt/trace"
)

func main() {
	root := &cobra.Command{
		Use:           "sbt",
		Short:         "Online POMDP solver over sample-based belief trees",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(solveCmd())
	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func solveCmd() *cobra.Command {
	var (
		configPath string
		seed       uint64
		nSteps     int
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Plan and execute a Tag run, interleaving search and action",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSolve(configPath, seed, nSteps, verbose)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the run configuration")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "override the RNG seed")
	cmd.Flags().IntVar(&nSteps, "steps", 0, "override the number of simulation steps")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func runSolve(configPath string, seed uint64, nSteps int, verbose bool) error {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if seed != 0 {
		cfg.Run.Seed = seed
	}
	if nSteps != 0 {
		cfg.Run.NSteps = nSteps
	}

	rng := rand.New(rand.NewSource(cfg.Run.Seed))
	model, err := tag.NewFromFile(cfg.Problem.MapPath, tag.Options{
		Discount:                cfg.Problem.Discount,
		MoveCost:                cfg.Problem.MoveCost,
		TagReward:               cfg.Problem.TagReward,
		FailedTagPenalty:        cfg.Problem.FailedTagPenalty,
		OpponentStayProbability: cfg.Problem.OpponentStayProbability,
		NParticles:              cfg.SBT.NParticles,
		MaxTrials:               cfg.SBT.MaxTrials,
		MaximumDepth:            cfg.MaximumDepth(),
		UCBCoefficient:          cfg.SBT.ExploreCoef,
		HeuristicExplore:        cfg.SBT.HeuristicExploreCoef,
		MaxNNComparisons:        cfg.SBT.MaxDistTry,
		MaxNNDistance:           cfg.SBT.DistTh,
	}, rng)
	if err != nil {
		return err
	}

	var changeTimes []int
	if cfg.Problem.ChangesPath != "" {
		changeTimes, err = model.LoadChanges(cfg.Problem.ChangesPath)
		if err != nil {
			return err
		}
		log.Info().Ints("times", changeTimes).Msg("loaded model changes")
	}

	s := solver.New(rng, model,
		solver.WithActionPool(solver.NewEnumeratedActionPool(tag.AllActions(), false)),
		solver.WithStateIndex(index.NewRTree(tag.StateDims)),
		solver.WithCollector(solver.NewCollector()),
	)
	agent := solver.NewAgent(s)

	result, err := agent.RunSim(cfg.Run.NSteps, changeTimes)
	if err != nil {
		return err
	}
	log.Info().
		Int("steps", result.ActualSteps).
		Bool("terminated", result.Terminated).
		Float64("discountedReturn", result.DiscountedReturn).
		Dur("changeTime", result.ChangeTime).
		Dur("improveTime", result.ImproveTime).
		Msg("simulation finished")

	if cfg.Run.TraceDir != "" {
		if err := writeTraces(cfg, result); err != nil {
			return err
		}
	}
	fmt.Printf("discounted return: %.4f over %d steps\n", result.DiscountedReturn, result.ActualSteps)
	return nil
}

func writeTraces(cfg config.Config, result *solver.SimResult) error {
	writer, err := trace.NewWriter(cfg.Run.TraceDir)
	if err != nil {
		return err
	}
	runID := trace.NewRunID()
	steps := make([]trace.StepRecord, len(result.Actions))
	discount := 1.0
	for i := range result.Actions {
		steps[i] = trace.StepRecord{
			Step:        i,
			Action:      result.Actions[i].String(),
			Observation: result.Observations[i].String(),
			Reward:      result.Rewards[i],
			Discount:    discount,
		}
		discount *= cfg.Problem.Discount
	}
	if err := writer.WriteSteps(runID, steps); err != nil {
		return err
	}
	if err := writer.WriteRun(trace.RunRecord{
		ID:               runID,
		Seed:             cfg.Run.Seed,
		Steps:            result.ActualSteps,
		Terminated:       result.Terminated,
		DiscountedReturn: result.DiscountedReturn,
		ChangeTime:       result.ChangeTime,
		ImproveTime:      result.ImproveTime,
	}); err != nil {
		return err
	}
	log.Info().Str("dir", writer.BaseDir()).Str("run", runID).Msg("wrote traces")
	return nil
}

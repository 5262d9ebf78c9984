package main

import (
	"github.com/spf13/cobra"

	"github.com/nvr-ai/kuzushiji/benchmark"
)

var (
	benchScenarios string
	benchOut       string
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure classifier throughput on synthetic pages",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		set := benchmark.QuickScenarios()
		if benchScenarios != "" {
			var err error
			if set, err = benchmark.LoadScenarioSet(benchScenarios); err != nil {
				return err
			}
		}

		model, prof, err := loadModel(cfg, logger)
		if err != nil {
			return err
		}
		defer model.Close()
		defer prof.Stop()

		suite := benchmark.NewSuite(model, benchOut, logger)
		suite.AddScenarioSet(set)
		if err := suite.RunAllScenarios(cmd.Context()); err != nil {
			return err
		}
		prof.Report()
		return nil
	},
}

func init() {
	benchCmd.Flags().StringVarP(&benchScenarios, "scenarios", "s", "", "YAML scenario set (default: quick sweep)")
	benchCmd.Flags().StringVarP(&benchOut, "out", "o", "benchmark_results", "output directory")
	rootCmd.AddCommand(benchCmd)
}

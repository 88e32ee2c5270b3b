package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"bitfall.xyz/loopwire/internal/config"
	"bitfall.xyz/loopwire/internal/harness"
	"bitfall.xyz/loopwire/internal/log"
	"bitfall.xyz/loopwire/internal/metrics"
)

var (
	runTransmissions int
	runSizeKB        int
	runDropRate      int
	runSeed          int64
	runScenario      string
	runPlot          string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a transmission exchange and report statistics",
	Long: `Run generates seeded random transmissions, sends them through the
simulated network with concurrent senders and receivers, validates every
delivered payload byte for byte, and prints throughput and latency figures.

Exit code is 0 when every transmission was delivered intact, 2 when some
were lost or corrupted beyond recovery, and 1 on configuration errors.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("load config", err)
		}

		if runScenario != "" {
			sc, err := harness.LoadScenario(runScenario)
			if err != nil {
				exitWithError("load scenario", err)
			}
			sc.Apply(cfg)
		}
		applyRunFlags(cmd, cfg)
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			exitWithError("validate config", err)
		}

		log.Init(&cfg.Log)
		logger := log.GetLogger()

		if cfg.Metrics.Enabled {
			srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
			if err := srv.Start(); err != nil {
				exitWithError("start metrics server", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Stop(ctx); err != nil {
					logger.WithError(err).Warn("metrics server stop")
				}
			}()
		}

		stats, err := harness.Run(cfg)
		if err != nil {
			exitWithError("run", err)
		}
		stats.Print(os.Stdout)

		if runPlot != "" {
			cfg.Harness.Plot = runPlot
		}
		if cfg.Harness.Plot != "" {
			if err := stats.WriteLatencyHist(cfg.Harness.Plot); err != nil {
				logger.WithError(err).Warn("write latency plot")
			} else {
				logger.Infof("latency histogram written to %s", cfg.Harness.Plot)
			}
		}

		if !stats.AllValidated() {
			os.Exit(2)
		}
	},
}

// applyRunFlags overlays explicitly set command line flags on top of the
// loaded configuration and any scenario overrides.
func applyRunFlags(cmd *cobra.Command, cfg *config.GlobalConfig) {
	if cmd.Flags().Changed("transmissions") {
		cfg.Harness.Transmissions = runTransmissions
	}
	if cmd.Flags().Changed("size-kb") {
		cfg.Harness.MinKB = runSizeKB
		cfg.Harness.MaxKB = runSizeKB
	}
	if cmd.Flags().Changed("drop-rate") {
		cfg.Network.DropRatePct = runDropRate
	}
	if cmd.Flags().Changed("seed") {
		cfg.Harness.Seed = runSeed
		cfg.Network.Seed = runSeed
	}
}

func init() {
	runCmd.Flags().IntVarP(&runTransmissions, "transmissions", "n", 32,
		"number of transmissions to send")
	runCmd.Flags().IntVar(&runSizeKB, "size-kb", 0,
		"fixed transmission size in KB (overrides min/max)")
	runCmd.Flags().IntVar(&runDropRate, "drop-rate", 0,
		"packet drop rate percentage on the wire")
	runCmd.Flags().Int64Var(&runSeed, "seed", 0,
		"seed for payload generation and network perturbation")
	runCmd.Flags().StringVarP(&runScenario, "scenario", "s", "",
		"scenario YAML file overriding parts of the configuration")
	runCmd.Flags().StringVar(&runPlot, "plot", "",
		"write a delivery latency histogram to this image file")
	rootCmd.AddCommand(runCmd)
}

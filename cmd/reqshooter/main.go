// Command reqshooter is an HTTP/1.1 load generator: it opens many
// concurrent keep-alive connections to a single target, issues GET requests
// on each of them back to back (one in flight per connection at a time) for
// a fixed duration, and reports throughput and latency.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ilya-4real/req-shooter/internal/config"
	"github.com/ilya-4real/req-shooter/pool"
	"github.com/ilya-4real/req-shooter/report"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand builds the "reqshooter run <url>" command tree.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "reqshooter",
		Short:         "An HTTP/1.1 load generator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	return root
}

func newRunCommand() *cobra.Command {
	v := viper.New()

	runCmd := &cobra.Command{
		Use:   "run <url>",
		Short: "Run a load test against a single target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, v, args[0])
		},
	}

	if err := config.BindFlags(runCmd, v); err != nil {
		// Flag registration only fails on a programmer error (duplicate
		// or malformed flag definition); there is no sensible recovery.
		panic(fmt.Sprintf("reqshooter: binding flags: %v", err))
	}

	return runCmd
}

// runLoad resolves configuration, drives the thread pool, and prints the
// report. A non-nil return is always a configuration or worker-startup
// error per spec section 7; the run itself never fails mid-flight.
func runLoad(cmd *cobra.Command, v *viper.Viper, url string) error {
	cfg, err := config.Load(v, url)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	log := logger.With(zap.String("run_id", runID))

	log.Info("starting run",
		zap.String("target", cfg.Job.Endpoint.Addr()),
		zap.Int("workers", cfg.Workers),
		zap.Int("conns_per_worker", cfg.Job.ConnsPerWorker),
		zap.Int("duration_s", cfg.Job.DurationSeconds),
	)

	summary, err := pool.Run(cmd.Context(), log, cfg.Job, cfg.Workers)
	if err != nil {
		log.Error("run failed", zap.Error(err))
		return err
	}

	report.Write(os.Stdout, summary)
	return nil
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rca-engine/internal/model"
)

var (
	runReq        model.Request
	runComparison string
	runWait       time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single investigation and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Orchestrator.Start(ctx); err != nil {
			return eris.Wrap(err, "start orchestrator")
		}
		defer env.Orchestrator.Shutdown()

		req := runReq
		req.Comparison = model.Comparison(runComparison)

		run, created, err := env.Orchestrator.Submit(ctx, req, "cli")
		if err != nil {
			return eris.Wrap(err, "submit run")
		}

		zap.L().Info("run submitted",
			zap.String("run_id", run.ID),
			zap.Bool("created", created),
			zap.String("status", string(run.Status)),
		)

		final, err := waitForRun(ctx, env, run.ID, runWait)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(final)
	},
}

// waitForRun polls the store until the run reaches a terminal status or the
// wait budget runs out.
func waitForRun(ctx context.Context, env *engineEnv, runID string, wait time.Duration) (*model.Run, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		run, err := env.Store.GetRun(ctx, runID)
		if err != nil {
			return nil, eris.Wrap(err, "poll run")
		}
		if run.Status.Terminal() {
			return run, nil
		}
		if time.Now().After(deadline) {
			return nil, eris.Errorf("run %s still %s after %s", runID, run.Status, wait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func init() {
	runCmd.Flags().StringVar(&runReq.Period, "period", "", "fiscal period to investigate, YYYY-MM (required)")
	runCmd.Flags().StringVar(&runReq.Region, "region", "", "region filter")
	runCmd.Flags().StringVar(&runReq.BU, "bu", "", "business unit filter")
	runCmd.Flags().StringVar(&runReq.ProductLine, "product-line", "", "product line filter")
	runCmd.Flags().StringVar(&runReq.Segment, "segment", "", "customer segment filter")
	runCmd.Flags().StringVar(&runReq.Metric, "metric", "", "metric filter")
	runCmd.Flags().StringVar(&runComparison, "comparison", "", "baseline comparison: plan, prior, or both")
	runCmd.Flags().BoolVar(&runReq.FullSweep, "full-sweep", false, "sweep every catalog value of unset dimensions")
	runCmd.Flags().DurationVar(&runWait, "wait", 5*time.Minute, "how long to wait for completion")
	_ = runCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(runCmd)
}

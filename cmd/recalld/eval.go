package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidemarklabs/recalld/internal/eval"
	"github.com/tidemarklabs/recalld/internal/logging"
)

var (
	evalGolden  string
	evalOut     string
	evalCompare string
	evalHybrid  bool
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Run a retrieval quality evaluation against a running server",
	Long: `Eval replays a golden query set against /api/search (or
/api/search-hybrid with --hybrid), computes recall, precision, and MRR per
query, and writes a JSON report. With --compare it also diffs the new report
against a previous one.`,
	RunE: runEval,
}

func init() {
	evalCmd.Flags().StringVar(&evalGolden, "golden", "", "path to the golden query file (required)")
	evalCmd.Flags().StringVar(&evalOut, "out", "", "write the report to this path")
	evalCmd.Flags().StringVar(&evalCompare, "compare", "", "compare against a previous report")
	evalCmd.Flags().BoolVar(&evalHybrid, "hybrid", false, "evaluate hybrid search instead of semantic")
	_ = evalCmd.MarkFlagRequired("golden")
}

func runEval(cmd *cobra.Command, _ []string) error {
	logger, err := logging.NewLogger(&logging.Config{Level: "info", Format: "console"})
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	golden, err := eval.LoadGolden(evalGolden)
	if err != nil {
		return err
	}

	report, err := eval.NewRunner(nil, logger).Run(cmd.Context(), golden, evalHybrid)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Queries:    %d\n", report.QueryCount)
	fmt.Fprintf(out, "Recall:     %.3f\n", report.MeanRecall)
	fmt.Fprintf(out, "Precision:  %.3f\n", report.MeanPrecision)
	fmt.Fprintf(out, "MRR:        %.3f\n", report.MeanMRR)
	fmt.Fprintf(out, "Latency:    p50=%.0fms p95=%.0fms p99=%.0fms\n",
		report.Latency.P50, report.Latency.P95, report.Latency.P99)
	for category, recall := range report.CategoryRecall {
		fmt.Fprintf(out, "  %s recall: %.3f\n", category, recall)
	}

	if evalOut != "" {
		if err := eval.WriteReport(report, evalOut); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		fmt.Fprintf(out, "Report written to %s\n", evalOut)
	}

	if evalCompare != "" {
		previous, err := eval.LoadReport(evalCompare)
		if err != nil {
			return fmt.Errorf("loading comparison report: %w", err)
		}
		cmp := eval.Compare(previous, report)
		fmt.Fprintf(out, "\nvs %s:\n", evalCompare)
		fmt.Fprintf(out, "  recall     %+.3f\n", cmp.DeltaRecall)
		fmt.Fprintf(out, "  precision  %+.3f\n", cmp.DeltaPrecision)
		fmt.Fprintf(out, "  mrr        %+.3f\n", cmp.DeltaMRR)
		fmt.Fprintf(out, "  p50        %+.0fms\n", cmp.DeltaLatencyP50)
		if len(cmp.Improved) > 0 {
			fmt.Fprintf(out, "  improved:  %v\n", cmp.Improved)
		}
		if len(cmp.Degraded) > 0 {
			fmt.Fprintf(out, "  degraded:  %v\n", cmp.Degraded)
		}
	}
	return nil
}

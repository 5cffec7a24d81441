package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fractal-lba/promoloop/internal/evaluate"
	"github.com/fractal-lba/promoloop/internal/forecast"
	"github.com/fractal-lba/promoloop/internal/histdata"
	"github.com/fractal-lba/promoloop/internal/learning"
	"github.com/fractal-lba/promoloop/internal/optimize"
	"github.com/fractal-lba/promoloop/internal/postmortem"
	"github.com/fractal-lba/promoloop/internal/promo"
	"github.com/fractal-lba/promoloop/internal/promoctx"
	"github.com/fractal-lba/promoloop/internal/uplift"
	"github.com/fractal-lba/promoloop/internal/validate"
)

var (
	// Global flags
	salesFile string
	modelFile string
	geo       string
	asJSON    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "promoctl",
		Short: "Offline promo campaign analysis over local data files",
		Long: `promoctl runs the promo analysis pipeline against local JSON data files:
baseline forecasting, scenario evaluation, candidate optimization, model
fitting and post-mortem learning, without a running server.`,
	}

	rootCmd.PersistentFlags().StringVarP(&salesFile, "sales", "s", "", "Sales history file (JSON array of rows)")
	rootCmd.PersistentFlags().StringVarP(&modelFile, "model", "m", "", "Uplift model file (JSON)")
	rootCmd.PersistentFlags().StringVarP(&geo, "geo", "g", "", "Geo for calendar context (omit to skip contextual adjustments)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Emit raw JSON instead of a summary")

	rootCmd.AddCommand(baselineCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(optimizeCmd())
	rootCmd.AddCommand(fitCmd())
	rootCmd.AddCommand(postMortemCmd())
	rootCmd.AddCommand(learnCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// baselineCmd forecasts baseline sales for a date range
func baselineCmd() *cobra.Command {
	var fromDate, toDate string

	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Forecast no-promo baseline sales for a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			dr, err := parseRange(fromDate, toDate)
			if err != nil {
				return err
			}

			env, err := buildEnv(ctx)
			if err != nil {
				return err
			}
			baseline, err := env.forecaster.CalculateBaseline(ctx, dr, env.pctx(ctx, dr))
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(baseline)
			}

			fmt.Printf("=== Baseline %s .. %s ===\n", fromDate, toDate)
			fmt.Printf("Total sales:  %.2f\n", baseline.TotalSales)
			fmt.Printf("Total margin: %.2f\n", baseline.TotalMargin)
			fmt.Printf("Total units:  %.2f\n", baseline.TotalUnits)
			fmt.Printf("Days:         %d\n", len(baseline.Daily))
			return nil
		},
	}
	cmd.Flags().StringVar(&fromDate, "from", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toDate, "to", "", "End date (YYYY-MM-DD)")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

// evaluateCmd evaluates one scenario file and prints its KPI
func evaluateCmd() *cobra.Command {
	var scenarioFile string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a scenario file and print its KPI and validation report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			var sc promo.Scenario
			if err := readJSONFile(scenarioFile, &sc); err != nil {
				return fmt.Errorf("failed to load scenario: %w", err)
			}

			env, err := buildEnv(ctx)
			if err != nil {
				return err
			}
			baseline, err := env.forecaster.CalculateBaseline(ctx, sc.DateRange, env.pctx(ctx, sc.DateRange))
			if err != nil {
				return err
			}
			kpi, err := env.evaluator.EvaluateScenario(&sc, baseline, nil)
			if err != nil {
				return err
			}
			report, err := env.validator.ValidateScenario(&sc, kpi, baseline, nil)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(map[string]interface{}{"kpi": kpi, "validation": report})
			}

			fmt.Printf("=== Scenario %s ===\n", sc.ID)
			fmt.Printf("Sales:  %.2f (delta %+.2f)\n", kpi.TotalSales, kpi.VsBaseline.SalesDelta)
			fmt.Printf("Margin: %.2f (delta %+.2f)\n", kpi.TotalMargin, kpi.VsBaseline.MarginDelta)
			fmt.Printf("EBIT:   %.2f (delta %+.2f)\n", kpi.TotalEBIT, kpi.VsBaseline.EBITDelta)
			fmt.Printf("Status: %s (score %.2f)\n", report.Status, report.OverallScore)
			for _, issue := range report.Issues {
				fmt.Printf("  [%s] %s: %s\n", issue.Severity, issue.Type, issue.Message)
			}
			if kpi.LowConfidence {
				fmt.Printf("Low confidence: fallback buckets %s\n", strings.Join(kpi.FallbackBuckets, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scenarioFile, "scenario", "", "Scenario file (JSON)")
	cmd.MarkFlagRequired("scenario")
	return cmd
}

// optimizeCmd generates and ranks candidates for a brief file
func optimizeCmd() *cobra.Command {
	var briefFile string
	var top int

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Generate, evaluate and rank candidate scenarios for a brief",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			var req struct {
				promo.Brief
				Constraints *promo.Constraints `json:"constraints,omitempty"`
				Objectives  promo.Objectives   `json:"objectives,omitempty"`
			}
			if err := readJSONFile(briefFile, &req); err != nil {
				return fmt.Errorf("failed to load brief: %w", err)
			}

			env, err := buildEnv(ctx)
			if err != nil {
				return err
			}
			candidates, err := env.optimizer.GenerateCandidates(req.Brief, req.Constraints)
			if err != nil {
				return err
			}
			baseline, err := env.forecaster.CalculateBaseline(ctx, req.DateRange, env.pctx(ctx, req.DateRange))
			if err != nil {
				return err
			}
			ranked, err := env.optimizer.OptimizeScenarios(candidates, req.Objectives, req.Constraints, baseline, nil)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(ranked)
			}

			fmt.Printf("=== Ranked scenarios (%d candidates, %d survivors) ===\n", len(candidates), len(ranked.Scenarios))
			limit := top
			if limit <= 0 || limit > len(ranked.Scenarios) {
				limit = len(ranked.Scenarios)
			}
			for i := 0; i < limit; i++ {
				rs := ranked.Scenarios[i]
				marker := " "
				if rs.ParetoOptimal {
					marker = "*"
				}
				fmt.Printf("%s %2d. %-28s score=%.3f sales=%+.2f margin=%+.2f\n",
					marker, i+1, rs.Scenario.ID, rs.Score,
					rs.KPI.VsBaseline.SalesDelta, rs.KPI.VsBaseline.MarginDelta)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&briefFile, "brief", "", "Brief file (JSON)")
	cmd.Flags().IntVar(&top, "top", 10, "Number of ranked scenarios to print")
	cmd.MarkFlagRequired("brief")
	return cmd
}

// fitCmd fits a fresh uplift model from the sales history
func fitCmd() *cobra.Command {
	var fromDate, toDate, outFile string

	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a banded uplift model from promo history and write it out",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			dr, err := parseRange(fromDate, toDate)
			if err != nil {
				return err
			}

			env, err := buildEnv(ctx)
			if err != nil {
				return err
			}
			rows, err := env.store.GetAggregatedSales(ctx, dr, histdata.Filters{})
			if err != nil {
				return err
			}
			model, err := env.uplifter.BuildModel(rows, nil)
			if err != nil {
				return err
			}
			if err := writeJSONFile(outFile, model); err != nil {
				return err
			}
			fmt.Printf("Wrote model %s to %s\n", model.Version, outFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&fromDate, "from", "", "Start date of the training window (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toDate, "to", "", "End date of the training window (YYYY-MM-DD)")
	cmd.Flags().StringVar(&outFile, "out", "uplift-model.json", "Output model file")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

// postMortemCmd compares a finished campaign's forecast KPI against actuals
func postMortemCmd() *cobra.Command {
	var scenarioFile, kpiFile, actualsFile string

	cmd := &cobra.Command{
		Use:   "postmortem",
		Short: "Analyze a finished campaign against its forecast KPI",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sc promo.Scenario
			if err := readJSONFile(scenarioFile, &sc); err != nil {
				return fmt.Errorf("failed to load scenario: %w", err)
			}
			var kpi promo.ScenarioKPI
			if err := readJSONFile(kpiFile, &kpi); err != nil {
				return fmt.Errorf("failed to load forecast KPI: %w", err)
			}
			var actuals []promo.SalesRow
			if err := readJSONFile(actualsFile, &actuals); err != nil {
				return fmt.Errorf("failed to load actuals: %w", err)
			}

			analyzer := postmortem.NewEngine(postmortem.DefaultParams())
			report, err := analyzer.AnalyzePerformance(&sc, &kpi, actuals)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(report)
			}

			fmt.Printf("=== Post-mortem %s ===\n", sc.ID)
			for metric, errPct := range report.VsForecast {
				fmt.Printf("%-24s %+.1f%%\n", metric, errPct)
			}
			for _, insight := range report.Insights {
				fmt.Printf("insight: %s\n", insight)
			}
			for _, l := range report.LearningPoints {
				fmt.Printf("learning: %s\n", l)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scenarioFile, "scenario", "", "Scenario file (JSON)")
	cmd.Flags().StringVar(&kpiFile, "kpi", "", "Forecast KPI file (JSON)")
	cmd.Flags().StringVar(&actualsFile, "actuals", "", "Actual sales rows file (JSON array)")
	cmd.MarkFlagRequired("scenario")
	cmd.MarkFlagRequired("kpi")
	cmd.MarkFlagRequired("actuals")
	return cmd
}

// learnCmd applies post-mortem feedback to the loaded model
func learnCmd() *cobra.Command {
	var pmFiles []string
	var outFile string

	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Apply post-mortem reports to the current uplift model",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			env, err := buildEnv(ctx)
			if err != nil {
				return err
			}
			current := env.uplifter.Holder().Current()
			if current == nil {
				return fmt.Errorf("no uplift model loaded, pass --model")
			}

			var reports []*promo.PostMortemReport
			for _, path := range pmFiles {
				var pm promo.PostMortemReport
				if err := readJSONFile(path, &pm); err != nil {
					return fmt.Errorf("failed to load post-mortem %s: %w", path, err)
				}
				reports = append(reports, &pm)
			}

			learner := learning.NewEngine(learning.DefaultParams())
			proposed, err := learner.UpdateUpliftModel(current, reports)
			if err != nil {
				return err
			}
			if err := writeJSONFile(outFile, proposed); err != nil {
				return err
			}
			fmt.Printf("Wrote model %s -> %s to %s\n", current.Version, proposed.Version, outFile)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&pmFiles, "postmortem", nil, "Post-mortem report files (JSON, repeatable)")
	cmd.Flags().StringVar(&outFile, "out", "uplift-model-learned.json", "Output model file")
	cmd.MarkFlagRequired("postmortem")
	return cmd
}

// env bundles the engines over a memory store built from the global flags.
type env struct {
	store      histdata.SalesStore
	assembler  *promoctx.Assembler
	forecaster *forecast.Engine
	uplifter   *uplift.Engine
	evaluator  *evaluate.Engine
	validator  *validate.Engine
	optimizer  *optimize.Engine
}

func buildEnv(ctx context.Context) (*env, error) {
	store := histdata.NewMemoryStore()
	if salesFile == "" {
		return nil, fmt.Errorf("no sales history, pass --sales")
	}
	n, err := store.LoadRowsFromFile(salesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load sales history: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Loaded %d sales rows from %s\n", n, salesFile)

	holder := uplift.NewModelHolder(nil)
	if modelFile != "" {
		var model promo.UpliftModel
		if err := readJSONFile(modelFile, &model); err != nil {
			return nil, fmt.Errorf("failed to load model: %w", err)
		}
		if _, err := holder.Swap(&model); err != nil {
			return nil, err
		}
	}

	uplifter := uplift.NewEngine(holder, uplift.DefaultParams())
	evaluator := evaluate.NewEngine(evaluate.DefaultParams(), uplifter)
	return &env{
		store:      store,
		assembler:  promoctx.NewAssembler(store),
		forecaster: forecast.NewEngine(store, forecast.DefaultParams()),
		uplifter:   uplifter,
		evaluator:  evaluator,
		validator:  validate.NewEngine(validate.DefaultRules(), evaluator),
		optimizer:  optimize.NewEngine(optimize.DefaultParams(), evaluator),
	}, nil
}

// pctx builds the calendar context when --geo is set, nil otherwise.
func (e *env) pctx(ctx context.Context, dr promo.DateRange) *promo.PromoContext {
	if geo == "" {
		return nil
	}
	pctx, err := e.assembler.BuildContext(ctx, geo, dr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: context assembly failed, continuing without: %v\n", err)
		return nil
	}
	return pctx
}

func parseRange(from, to string) (promo.DateRange, error) {
	start, err := time.Parse(promo.DateLayout, from)
	if err != nil {
		return promo.DateRange{}, fmt.Errorf("invalid --from date %q: %w", from, err)
	}
	end, err := time.Parse(promo.DateLayout, to)
	if err != nil {
		return promo.DateRange{}, fmt.Errorf("invalid --to date %q: %w", to, err)
	}
	dr := promo.DateRange{Start: start, End: end}
	return dr, dr.Validate()
}

func readJSONFile(path string, into interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}

func writeJSONFile(path string, payload interface{}) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func printJSON(payload interface{}) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

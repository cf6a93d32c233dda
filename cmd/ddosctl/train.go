package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ddosguard/internal/artifact"
	"github.com/jmerrifield20/ddosguard/internal/calibrate"
	"github.com/jmerrifield20/ddosguard/internal/dataset"
	"github.com/jmerrifield20/ddosguard/internal/detector"
	"github.com/jmerrifield20/ddosguard/internal/schema"
	"github.com/jmerrifield20/ddosguard/internal/scorer"
	"github.com/jmerrifield20/ddosguard/internal/trainer"
)

// ── train ────────────────────────────────────────────────────────────────────

var (
	trainData    string
	trainLabel   string
	trainSchema  string
	trainOut     string
	trainKind    string
	trainBanding string
	trainSeed    int64
	trainVal     float64
	trainTest    float64
	trainMaxCats int
	trainTrees   int
	trainEpochs  int
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a classifier from a labelled CSV and write a model artifact",
	Long: `train splits the dataset into stratified train, validation and test sets,
fits the preprocessing pipeline on the training rows only, fits the scorer,
picks the F2-optimal decision threshold on validation and reports held-out
test metrics. The resulting artifact is written atomically.

Defaults come from the "train" section of the config file; flags override:

  ddosctl train --data traffic.csv --out models/model.json --kind mlp`,
	RunE: runTrain,
}

func init() {
	f := trainCmd.Flags()
	f.StringVar(&trainData, "data", "", "Labelled CSV dataset")
	f.StringVar(&trainLabel, "label", dataset.DefaultLabelColumn, "Label column (1 = attack)")
	f.StringVar(&trainSchema, "schema", "", "Feature schema YAML (default built-in schema)")
	f.StringVar(&trainOut, "out", "models/model.json", "Artifact output path")
	f.StringVar(&trainKind, "kind", string(scorer.KindGBT), "Scorer kind: gbt or mlp")
	f.StringVar(&trainBanding, "banding", "", "Risk banding: standard or neural (default per kind)")
	f.Int64Var(&trainSeed, "seed", 42, "Random seed for splits and initialisation")
	f.Float64Var(&trainVal, "validation", 0.2, "Validation fraction")
	f.Float64Var(&trainTest, "test", 0.2, "Test fraction")
	f.IntVar(&trainMaxCats, "max-categories", 0, "Categories kept per column before \"other\" (default 10)")
	f.IntVar(&trainTrees, "trees", 0, "Boosting rounds (gbt)")
	f.IntVar(&trainEpochs, "epochs", 0, "Training epochs (mlp)")
	_ = trainCmd.MarkFlagRequired("data")
}

func trainConfig(cmd *cobra.Command) (trainer.Config, error) {
	cfg := trainer.DefaultConfig()
	if viper.IsSet("train") {
		if err := viper.UnmarshalKey("train", &cfg); err != nil {
			return cfg, fmt.Errorf("train config: %w", err)
		}
	}
	f := cmd.Flags()
	if f.Changed("kind") || viper.GetString("train.kind") == "" {
		k, err := scorer.ParseKind(trainKind)
		if err != nil {
			return cfg, err
		}
		cfg.Kind = k
	}
	if f.Changed("banding") {
		cfg.Banding = trainBanding
	}
	if f.Changed("seed") {
		cfg.Seed = trainSeed
	}
	if f.Changed("validation") {
		cfg.ValidationFraction = trainVal
	}
	if f.Changed("test") {
		cfg.TestFraction = trainTest
	}
	if trainMaxCats > 0 {
		cfg.MaxCategories = trainMaxCats
	}
	if trainTrees > 0 {
		cfg.GBT.Trees = trainTrees
	}
	if trainEpochs > 0 {
		cfg.MLP.Epochs = trainEpochs
	}
	return cfg, nil
}

func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		return schema.Default(), nil
	}
	return schema.Load(path)
}

func runTrain(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer logger.Sync() //nolint:errcheck

	cfg, err := trainConfig(cmd)
	if err != nil {
		return err
	}
	s, err := loadSchema(trainSchema)
	if err != nil {
		return err
	}
	ds, err := dataset.LoadCSVFile(trainData, trainLabel)
	if err != nil {
		return err
	}
	benign, attack := ds.Counts()
	logger.Info("dataset loaded",
		zap.String("path", trainData),
		zap.Int("benign", benign),
		zap.Int("attack", attack),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	res, err := trainer.Train(ctx, ds, s, cfg, logger)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	if err := artifact.Save(res.Artifact, trainOut); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return printJSON(out, map[string]any{
			"artifact":   trainOut,
			"model":      res.Artifact.Info(),
			"train_rows": res.TrainRows,
			"defaulted":  res.Defaulted,
		})
	}
	info := res.Artifact.Info()
	fmt.Fprintf(out, "✓ Model trained in %s\n\n", time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(out, "  Artifact:  %s\n", trainOut)
	fmt.Fprintf(out, "  ID:        %s\n", info.ID)
	fmt.Fprintf(out, "  Kind:      %s (%d features, %s banding)\n", info.Kind, info.Width, info.Banding)
	fmt.Fprintf(out, "  Threshold: %.4f\n", info.Threshold)
	fmt.Fprintf(out, "  Train:     %d rows\n\n", res.TrainRows)
	if err := printReports(out, map[string]calibrate.Report{
		"validation": res.Validation,
		"test":       res.Test,
	}); err != nil {
		return err
	}
	if len(res.Defaulted) > 0 {
		fmt.Fprintln(out, "\nLossy defaults while fitting:")
		printCounts(out, res.Defaulted)
	}
	return nil
}

// printReports tabulates evaluation reports, one column per named split.
func printReports(out io.Writer, reports map[string]calibrate.Report) error {
	names := make([]string, 0, len(reports))
	for n := range reports {
		names = append(names, n)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprint(w, "METRIC")
	for _, n := range names {
		fmt.Fprintf(w, "\t%s", n)
	}
	fmt.Fprintln(w)
	rows := []struct {
		name string
		get  func(calibrate.Report) string
	}{
		{"samples", func(r calibrate.Report) string { return fmt.Sprint(r.Samples) }},
		{"accuracy", func(r calibrate.Report) string { return fmt.Sprintf("%.4f", r.Accuracy) }},
		{"precision", func(r calibrate.Report) string { return fmt.Sprintf("%.4f", r.Precision) }},
		{"recall", func(r calibrate.Report) string { return fmt.Sprintf("%.4f", r.Recall) }},
		{"f1", func(r calibrate.Report) string { return fmt.Sprintf("%.4f", r.F1) }},
		{"f2", func(r calibrate.Report) string { return fmt.Sprintf("%.4f", r.F2) }},
		{"roc_auc", func(r calibrate.Report) string { return fmt.Sprintf("%.4f", r.ROCAUC) }},
		{"avg_precision", func(r calibrate.Report) string { return fmt.Sprintf("%.4f", r.AveragePrecision) }},
		{"tp/fp/tn/fn", func(r calibrate.Report) string {
			return fmt.Sprintf("%d/%d/%d/%d", r.TruePositives, r.FalsePositives, r.TrueNegatives, r.FalseNegatives)
		}},
	}
	for _, row := range rows {
		fmt.Fprint(w, row.name)
		for _, n := range names {
			fmt.Fprintf(w, "\t%s", row.get(reports[n]))
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

func printCounts(out io.Writer, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %-20s %d\n", k, counts[k])
	}
}

// ── evaluate ─────────────────────────────────────────────────────────────────

var (
	evalModel string
	evalData  string
	evalLabel string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score a labelled CSV with a model at its stored threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := detector.Load(evalModel)
		if err != nil {
			return err
		}
		defer m.Close()

		ds, err := dataset.LoadCSVFile(evalData, evalLabel)
		if err != nil {
			return err
		}
		report, err := trainer.Evaluate(m, ds)
		if err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), report)
		}
		return printReports(cmd.OutOrStdout(), map[string]calibrate.Report{evalData: report})
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalModel, "model", "models/model.json", "Model artifact")
	evaluateCmd.Flags().StringVar(&evalData, "data", "", "Labelled CSV dataset")
	evaluateCmd.Flags().StringVar(&evalLabel, "label", dataset.DefaultLabelColumn, "Label column (1 = attack)")
	_ = evaluateCmd.MarkFlagRequired("data")
}

// ── import-onnx ──────────────────────────────────────────────────────────────

var (
	onnxBase       string
	onnxData       string
	onnxLabel      string
	onnxOut        string
	onnxInput      string
	onnxOutput     string
	onnxOutputSize int
	onnxLogits     bool
)

var importONNXCmd = &cobra.Command{
	Use:   "import-onnx <model.onnx>",
	Short: "Wrap an externally trained ONNX graph into a model artifact",
	Long: `import-onnx reuses the schema and fitted preprocessing of a base artifact,
calibrates a threshold for the ONNX graph on a labelled validation CSV and
writes a new artifact with neural risk banding.

The onnxruntime shared library must be named by ` + scorer.SharedLibraryEnv + `.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		graph, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		base, err := artifact.Load(onnxBase)
		if err != nil {
			return err
		}
		ds, err := dataset.LoadCSVFile(onnxData, onnxLabel)
		if err != nil {
			return err
		}
		a, report, err := trainer.ImportONNX(base, graph, scorer.ONNXOptions{
			Input:      onnxInput,
			Output:     onnxOutput,
			OutputSize: onnxOutputSize,
			Logits:     onnxLogits,
		}, ds)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		if err := artifact.Save(a, onnxOut); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputFormat == "json" {
			return printJSON(out, map[string]any{"artifact": onnxOut, "model": a.Info()})
		}
		fmt.Fprintf(out, "✓ ONNX model imported to %s (threshold %.4f)\n\n", onnxOut, report.Threshold)
		return printReports(out, map[string]calibrate.Report{"validation": report})
	},
}

func init() {
	f := importONNXCmd.Flags()
	f.StringVar(&onnxBase, "base", "models/model.json", "Artifact whose schema and preprocessing the graph was trained on")
	f.StringVar(&onnxData, "data", "", "Labelled validation CSV")
	f.StringVar(&onnxLabel, "label", dataset.DefaultLabelColumn, "Label column (1 = attack)")
	f.StringVar(&onnxOut, "out", "models/model-onnx.json", "Artifact output path")
	f.StringVar(&onnxInput, "input", "input", "Graph input name")
	f.StringVar(&onnxOutput, "output", "output", "Graph output name")
	f.IntVar(&onnxOutputSize, "output-size", 1, "1 for an attack score, 2 for [benign, attack]")
	f.BoolVar(&onnxLogits, "logits", false, "Apply a sigmoid to the attack output")
	_ = importONNXCmd.MarkFlagRequired("data")
}

// ── generate ─────────────────────────────────────────────────────────────────

var (
	genRows   int
	genAttack float64
	genSeed   int64
	genOut    string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a synthetic labelled traffic CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		ds := dataset.Generate(dataset.GenerateConfig{
			Rows:           genRows,
			AttackFraction: genAttack,
			Seed:           genSeed,
		})

		out := cmd.OutOrStdout()
		if genOut != "-" {
			f, err := os.Create(genOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		if err := dataset.WriteCSV(out, dataset.Columns, ds, dataset.DefaultLabelColumn); err != nil {
			return err
		}
		if genOut != "-" {
			benign, attack := ds.Counts()
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d rows (%d benign, %d attack) to %s\n", ds.Len(), benign, attack, genOut)
		}
		return nil
	},
}

func init() {
	generateCmd.Flags().IntVar(&genRows, "rows", 1000, "Number of rows")
	generateCmd.Flags().Float64Var(&genAttack, "attack-fraction", 0.5, "Fraction of attack rows")
	generateCmd.Flags().Int64Var(&genSeed, "seed", 1, "Random seed")
	generateCmd.Flags().StringVar(&genOut, "out", "-", "Output CSV path (- for stdout)")
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/ddosguard/internal/artifact"
	"github.com/jmerrifield20/ddosguard/internal/calibrate"
	"github.com/jmerrifield20/ddosguard/internal/detector"
	"github.com/jmerrifield20/ddosguard/internal/schema"
	"github.com/jmerrifield20/ddosguard/pkg/client"
)

// ── predict ──────────────────────────────────────────────────────────────────

var predictModel string

// predictRow is one scored record in input order.
type predictRow struct {
	IsDDoS     *bool    `json:"is_ddos,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	RiskLevel  string   `json:"risk_level,omitempty"`
	Error      string   `json:"error,omitempty"`
	Missing    []string `json:"missing,omitempty"`
}

var predictCmd = &cobra.Command{
	Use:   "predict [records.json]",
	Short: "Score one or more feature records",
	Long: `predict reads a JSON object, or an array of objects, from the named file or
stdin and prints {is_ddos, confidence, risk_level} for each record.

Records are scored with a local artifact unless --server is given:

  echo '{"timestamp":"2024-01-01T03:00:00Z", ...}' | ddosctl predict
  ddosctl predict --server http://localhost:8080 batch.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPredict,
}

func init() {
	predictCmd.Flags().StringVar(&predictModel, "model", "models/model.json", "Model artifact for local scoring")
}

func runPredict(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	records, single, err := readRecords(in)
	if err != nil {
		return err
	}

	var rows []predictRow
	if serverURL != "" {
		rows, err = predictRemote(cmd.Context(), records)
	} else {
		rows, err = predictLocal(records)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		if single {
			return printJSON(out, rows[0])
		}
		return printJSON(out, rows)
	}
	return printPredictText(out, rows)
}

// readRecords accepts a single JSON object or an array of objects. Numbers
// are kept as json.Number so integers survive unchanged.
func readRecords(r io.Reader) (records []schema.Record, single bool, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, errors.New("no input records")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if data[0] == '[' {
		if err := dec.Decode(&records); err != nil {
			return nil, false, fmt.Errorf("decode records: %w", err)
		}
		if len(records) == 0 {
			return nil, false, errors.New("no input records")
		}
		return records, false, nil
	}
	var rec schema.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, false, fmt.Errorf("decode record: %w", err)
	}
	return []schema.Record{rec}, true, nil
}

func predictLocal(records []schema.Record) ([]predictRow, error) {
	m, err := detector.Load(predictModel)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	rows := make([]predictRow, len(records))
	for i, rec := range records {
		res, err := m.Predict(rec)
		if err != nil {
			rows[i] = predictRow{Error: err.Error()}
			var se *schema.SchemaError
			if errors.As(err, &se) {
				rows[i].Missing = se.Missing
			}
			continue
		}
		isDDoS := res.IsDDoS
		rows[i] = predictRow{IsDDoS: &isDDoS, Confidence: res.Confidence, RiskLevel: res.RiskLevel.String()}
	}
	return rows, nil
}

func predictRemote(ctx context.Context, records []schema.Record) ([]predictRow, error) {
	c, err := client.New(serverURL)
	if err != nil {
		return nil, err
	}
	batch := make([]map[string]any, len(records))
	for i, rec := range records {
		batch[i] = rec
	}
	items, err := c.PredictBatch(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	rows := make([]predictRow, len(items))
	for i, it := range items {
		rows[i] = predictRow(it)
	}
	return rows, nil
}

func printPredictText(out io.Writer, rows []predictRow) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tDDOS\tCONFIDENCE\tRISK\tERROR")
	for i, r := range rows {
		if r.Error != "" {
			fmt.Fprintf(w, "%d\t\t\t\t%s\n", i, r.Error)
			continue
		}
		fmt.Fprintf(w, "%d\t%t\t%.4f\t%s\t\n", i, *r.IsDDoS, r.Confidence, r.RiskLevel)
	}
	return w.Flush()
}

// ── inspect ──────────────────────────────────────────────────────────────────

var inspectCmd = &cobra.Command{
	Use:   "inspect [artifact.json]",
	Short: "Show a model artifact's metadata, or the served model's with --server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			info artifact.Info
			err  error
		)
		if serverURL != "" && len(args) == 0 {
			info, err = remoteInfo(cmd.Context())
		} else {
			path := "models/model.json"
			if len(args) == 1 {
				path = args[0]
			}
			var a *artifact.Artifact
			if a, err = artifact.Load(path); err == nil {
				info = a.Info()
			}
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputFormat == "json" {
			return printJSON(out, info)
		}
		fmt.Fprintf(out, "ID:          %s\n", info.ID)
		fmt.Fprintf(out, "Created:     %s\n", info.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(out, "Kind:        %s\n", info.Kind)
		fmt.Fprintf(out, "Features:    %d\n", info.Width)
		fmt.Fprintf(out, "Threshold:   %.4f\n", info.Threshold)
		fmt.Fprintf(out, "Banding:     %s\n", info.Banding)
		fmt.Fprintf(out, "Schema:      v%d (%s)\n", info.SchemaVersion, info.SchemaFingerprint)
		fmt.Fprintf(out, "Digest:      %s\n", info.Digest)

		reports := map[string]calibrate.Report{}
		if info.Validation != nil {
			reports["validation"] = *info.Validation
		}
		if info.Test != nil {
			reports["test"] = *info.Test
		}
		if len(reports) == 0 {
			return nil
		}
		fmt.Fprintln(out)
		return printReports(out, reports)
	},
}

// remoteInfo fetches the served model's summary. The API shares the
// artifact.Info wire shape, so the response decodes into it directly.
func remoteInfo(ctx context.Context) (artifact.Info, error) {
	var info artifact.Info
	c, err := client.New(serverURL)
	if err != nil {
		return info, err
	}
	mi, err := c.Model(ctx)
	if err != nil {
		return info, fmt.Errorf("model: %w", err)
	}
	data, err := json.Marshal(mi)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("decode model info: %w", err)
	}
	return info, nil
}

// ── schema ───────────────────────────────────────────────────────────────────

var schemaModel string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the feature schema (built-in, or a model's with --model)",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := schema.Default()
		if schemaModel != "" {
			a, err := artifact.Load(schemaModel)
			if err != nil {
				return err
			}
			s = a.Schema
		}
		out := cmd.OutOrStdout()
		if outputFormat == "json" {
			return printJSON(out, s)
		}
		data, err := s.YAML()
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	},
}

func init() {
	schemaCmd.Flags().StringVar(&schemaModel, "model", "", "Print the schema stored in this artifact")
}

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmerrifield20/ddosguard/internal/dataset"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("ddosctl %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestReadRecords(t *testing.T) {
	recs, single, err := readRecords(strings.NewReader(`{"content_length": 12}`))
	if err != nil {
		t.Fatalf("readRecords: %v", err)
	}
	if !single || len(recs) != 1 {
		t.Fatalf("expected one record, got %d (single=%v)", len(recs), single)
	}
	if n, ok := recs[0]["content_length"].(json.Number); !ok || n.String() != "12" {
		t.Errorf("expected json.Number 12, got %#v", recs[0]["content_length"])
	}

	recs, single, err = readRecords(strings.NewReader(` [{"a":1},{"a":2}] `))
	if err != nil || single || len(recs) != 2 {
		t.Fatalf("array: got %d records, single=%v, err=%v", len(recs), single, err)
	}

	for _, in := range []string{"", "[]", "{"} {
		if _, _, err := readRecords(strings.NewReader(in)); err == nil {
			t.Errorf("readRecords(%q): expected error", in)
		}
	}
}

func TestTrainPredictInspect(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "traffic.csv")
	model := filepath.Join(dir, "model.json")

	execute(t, "generate", "--rows", "400", "--seed", "3", "--out", data)
	execute(t, "train", "--data", data, "--out", model, "--trees", "20", "--format", "text")
	if _, err := os.Stat(model); err != nil {
		t.Fatalf("artifact not written: %v", err)
	}

	out := execute(t, "inspect", model, "--format", "json")
	var info struct {
		Kind      string  `json:"kind"`
		Threshold float64 `json:"threshold"`
		Banding   string  `json:"banding"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("inspect output: %v\n%s", err, out)
	}
	if info.Kind != "gbt" || info.Banding != "standard" {
		t.Errorf("unexpected model info: %+v", info)
	}

	ds := dataset.Generate(dataset.GenerateConfig{Rows: 2, Seed: 9})
	recPath := filepath.Join(dir, "records.json")
	raw, _ := json.Marshal(ds.Records)
	if err := os.WriteFile(recPath, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	out = execute(t, "predict", "--model", model, "--format", "json", recPath)
	var rows []predictRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("predict output: %v\n%s", err, out)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for i, r := range rows {
		if r.Error != "" || r.IsDDoS == nil {
			t.Errorf("row %d: %+v", i, r)
		}
		switch r.RiskLevel {
		case "Low", "Medium", "High", "Critical":
		default:
			t.Errorf("row %d: risk level %q", i, r.RiskLevel)
		}
	}

	out = execute(t, "evaluate", "--model", model, "--data", data, "--format", "json")
	if !strings.Contains(out, `"roc_auc"`) {
		t.Errorf("evaluate output missing metrics: %s", out)
	}
}

func TestSchema_yaml(t *testing.T) {
	out := execute(t, "schema", "--format", "text")
	if !strings.Contains(out, "timestamp_field: timestamp") {
		t.Errorf("unexpected schema output:\n%s", out)
	}
}

func TestUnknownFormat(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"version", "--format", "xml"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for unknown format")
	}
	outputFormat = "text"
}

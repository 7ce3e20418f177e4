package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/minerlink/minerlink/pkg/codec"
	"github.com/minerlink/minerlink/pkg/config"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/payload"
	"github.com/minerlink/minerlink/pkg/webapi"
)

func TestReadTableCSV(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []payload.Column
	}{
		{
			name:  "typed columns",
			input: "id,score,label\n1,0.5,yes\n2,1,no\n",
			want: []payload.Column{
				{Name: "id", Type: payload.TypeInteger, Values: []interface{}{int64(1), int64(2)}},
				{Name: "score", Type: payload.TypeReal, Values: []interface{}{0.5, 1.0}},
				{Name: "label", Type: payload.TypePolynominal, Values: []interface{}{"yes", "no"}},
			},
		},
		{
			name:  "empty cells are missing",
			input: "id,label\n1,\n,b\n",
			want: []payload.Column{
				{Name: "id", Type: payload.TypeInteger, Values: []interface{}{int64(1), nil}},
				{Name: "label", Type: payload.TypePolynominal, Values: []interface{}{nil, "b"}},
			},
		},
		{
			name:  "all empty column is nominal",
			input: "x,y\n,1\n",
			want: []payload.Column{
				{Name: "x", Type: payload.TypePolynominal, Values: []interface{}{nil}},
				{Name: "y", Type: payload.TypeInteger, Values: []interface{}{int64(1)}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, err := readTableCSV(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("readTableCSV() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, tbl.Columns); diff != "" {
				t.Errorf("columns mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadTableCSVRejectsEmpty(t *testing.T) {
	if _, err := readTableCSV(strings.NewReader("")); !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("readTableCSV(\"\") error = %v, want invalid argument", err)
	}
}

func TestLoadPayloadDetectsFormat(t *testing.T) {
	dir := t.TempDir()
	container, err := codec.Encode(payload.Object(map[string]interface{}{"k": "v"}))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	files := map[string][]byte{
		"table.csv":   []byte("a\n1\n"),
		"doc.json":    []byte(`{"threshold": 0.5}`),
		"model.bin":   {0x00, 0x01},
		"stored.json": container,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		file   string
		format string
		want   payload.Kind
	}{
		{"table.csv", formatAuto, payload.KindTabular},
		{"doc.json", formatAuto, payload.KindNativeObject},
		{"model.bin", formatAuto, payload.KindByteStream},
		{"stored.json", formatAuto, payload.KindNativeObject},
		{"table.csv", formatBytes, payload.KindByteStream},
	}
	for _, tt := range tests {
		t.Run(tt.file+"/"+tt.format, func(t *testing.T) {
			p, err := loadPayload(filepath.Join(dir, tt.file), tt.format)
			if err != nil {
				t.Fatalf("loadPayload() error = %v", err)
			}
			if p.Kind != tt.want {
				t.Errorf("kind = %s, want %s", p.Kind, tt.want)
			}
		})
	}

	if _, err := loadPayload(filepath.Join(dir, "missing.csv"), formatAuto); !errs.IsNotFound(err) {
		t.Errorf("missing file error = %v, want not found", err)
	}
	if _, err := loadPayload(filepath.Join(dir, "doc.json"), "xml"); !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("unknown format error = %v, want invalid argument", err)
	}
}

func TestPrintTable(t *testing.T) {
	tbl := payload.NewTable(
		payload.NewColumn("id", payload.TypeInteger, 1, 2, 3),
		payload.NewColumn("score", payload.TypeReal, 0.25, nil, 1.5),
	)
	if err := tbl.SetRole("id", payload.RoleID); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := printTable(&buf, tbl, 2); err != nil {
		t.Fatalf("printTable() error = %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "id (integer, id)") || !strings.Contains(lines[0], "score (real)") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[2], missingCell) {
		t.Errorf("second row %q does not show the missing value", lines[2])
	}
	if lines[3] != "... 1 more rows" {
		t.Errorf("last line = %q", lines[3])
	}
}

func TestWebapiConfig(t *testing.T) {
	churn := webapi.Config{URL: "https://scoring.example.com", Endpoint: "churn"}
	fraud := webapi.Config{URL: "https://scoring.example.com", Endpoint: "fraud"}

	one := &app{cfg: &config.Config{WebAPI: map[string]webapi.Config{"churn": churn}}}
	if got, err := webapiConfig(one, ""); err != nil || got != churn {
		t.Errorf("single endpoint = %+v, %v", got, err)
	}

	two := &app{cfg: &config.Config{WebAPI: map[string]webapi.Config{"churn": churn, "fraud": fraud}}}
	if got, err := webapiConfig(two, "fraud"); err != nil || got != fraud {
		t.Errorf("named endpoint = %+v, %v", got, err)
	}
	if _, err := webapiConfig(two, ""); !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("ambiguous endpoint error = %v", err)
	}
	if _, err := webapiConfig(two, "other"); !errs.IsNotFound(err) {
		t.Errorf("unknown endpoint error = %v", err)
	}
	if _, err := webapiConfig(&app{cfg: &config.Config{}}, ""); !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("no endpoint error = %v", err)
	}
}

// testConfig writes a configuration that stores below a temp directory and
// returns its path together with the directory.
func testConfig(t *testing.T) (string, string) {
	t.Helper()
	t.Setenv(config.EnvServerURL, "")
	t.Setenv(config.EnvToken, "")

	dir := t.TempDir()
	root := filepath.Join(dir, "checkout")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := "telemetry:\n" +
		"  logging:\n    level: error\n" +
		"  metrics:\n    enabled: false\n" +
		"filesystem:\n  root: " + root + "\n" +
		"journal:\n  path: " + filepath.Join(dir, "journal.db") + "\n"
	path := filepath.Join(dir, "minerlink.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWriteReadListDelete(t *testing.T) {
	cfg, dir := testConfig(t)
	csvPath := filepath.Join(dir, "scores.csv")
	if err := os.WriteFile(csvPath, []byte("id,label\n1,yes\n2,no\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	const loc = "repositorylocation:/data/scores"
	if _, err := execute(t, "-c", cfg, "write", loc, csvPath); err != nil {
		t.Fatalf("write error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "checkout", "data", "scores")); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}

	out, err := execute(t, "-c", cfg, "--json", "read", loc)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("read output is not json: %v\n%s", err, out)
	}
	want := []map[string]interface{}{
		{"id": float64(1), "label": "yes"},
		{"id": float64(2), "label": "no"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	out, err = execute(t, "-c", cfg, "list", "repositorylocation:/data")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if strings.TrimSpace(out) != loc {
		t.Errorf("list output = %q, want %q", out, loc)
	}

	saved := filepath.Join(dir, "copy.csv")
	if _, err := execute(t, "-c", cfg, "read", loc, "--out", saved); err != nil {
		t.Fatalf("read --out error = %v", err)
	}
	data, err := os.ReadFile(saved)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != "id,label\n1,yes\n2,no\n" {
		t.Errorf("saved csv = %q", got)
	}

	if _, err := execute(t, "-c", cfg, "delete", loc); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if _, err := execute(t, "-c", cfg, "read", loc); !errs.IsNotFound(err) {
		t.Errorf("read after delete error = %v, want not found", err)
	}
}

func TestRunNeedsExecutingBackend(t *testing.T) {
	cfg, _ := testConfig(t)
	_, err := execute(t, "-c", cfg, "--backend", "filesystem", "run", "repositorylocation:/processes/score")
	if !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("run error = %v, want invalid argument", err)
	}
}

func TestUnknownBackend(t *testing.T) {
	cfg, _ := testConfig(t)
	if _, err := execute(t, "-c", cfg, "--backend", "ftp", "list", "/"); !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("error = %v, want invalid argument", err)
	}
}

func TestJournalSweepEmpty(t *testing.T) {
	cfg, _ := testConfig(t)
	out, err := execute(t, "-c", cfg, "journal", "sweep", "--dry-run")
	if err != nil {
		t.Fatalf("sweep error = %v", err)
	}
	if !strings.Contains(out, "0 deleted, 0 failed, 0 skipped") {
		t.Errorf("sweep output = %q", out)
	}
}

func TestValidateReportsProblems(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("server:\n  url: ftp://nowhere\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "validate", bad)
	if err == nil {
		t.Fatal("validate accepted an ftp server url")
	}
	if !strings.Contains(out, "url") {
		t.Errorf("validate output %q does not name the field", out)
	}
}

package batch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/codec"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
	"github.com/minerlink/minerlink/pkg/payload"
)

// fakePlatform stands in for the launcher. It keeps a repository in memory
// and answers the three launcher commands by reading and writing exchange
// files the way the platform does.
type fakePlatform struct {
	t *testing.T

	mu      sync.Mutex
	repo    map[string]payload.Payload
	calls   [][]string
	results []payload.Payload
	lines   []string
	block   bool
	gotIn   []payload.Payload
	macros  []string
}

func newFakePlatform(t *testing.T) *fakePlatform {
	return &fakePlatform{
		t:     t,
		repo:  make(map[string]payload.Payload),
		lines: []string{"RAPIDMINER_VERSION=9.10.0", "INFO: ok", "EXIT_CODE=0"},
	}
}

func (f *fakePlatform) Run(ctx context.Context, name string, args []string, started func(), line func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	started()

	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}

	params := splitArgs(args)
	switch Command(first(params["-A"])) {
	case CommandReadResource:
		for i, in := range params["-I"] {
			p, ok := f.repo[in]
			if !ok {
				line("RAPIDMINER_VERSION=9.10.0")
				line("RAPIDMINER_ERROR_MSG_FIRST_LINE=Entry " + in + " does not exist")
				line("EXIT_CODE=1")
				return nil
			}
			dir := strings.TrimPrefix(params["-O"][i], "file:")
			if _, err := codec.WriteExchangeFile(dir, "result", p, "9.10.0"); err != nil {
				f.t.Errorf("writing result: %v", err)
			}
		}
	case CommandWriteResource:
		for i, in := range params["-I"] {
			p, err := codec.ReadExchangeFile(strings.TrimPrefix(in, "file:"))
			if err != nil {
				f.t.Errorf("reading input: %v", err)
				continue
			}
			f.repo[params["-O"][i]] = p
		}
	case CommandRunProcess:
		for _, in := range params["-I"] {
			p, err := codec.ReadExchangeFile(strings.TrimPrefix(in, "file:"))
			if err != nil {
				f.t.Errorf("reading input: %v", err)
				continue
			}
			f.gotIn = append(f.gotIn, p)
		}
		f.macros = params["-M"]
		dir := first(params["-D"])
		for i, p := range f.results {
			if _, err := codec.WriteExchangeFile(dir, "output"+string(rune('0'+i)), p, "9.10.0"); err != nil {
				f.t.Errorf("writing output: %v", err)
			}
		}
	}

	for _, l := range f.lines {
		line(l)
	}
	return nil
}

// splitArgs groups quoted launcher arguments by their two-letter prefix.
func splitArgs(args []string) map[string][]string {
	out := make(map[string][]string)
	for _, a := range args {
		a = strings.Trim(a, `"`)
		out[a[:2]] = append(out[a[:2]], a[2:])
	}
	return out
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func newTestBackend(t *testing.T, f *fakePlatform) *Backend {
	t.Helper()
	home := t.TempDir()
	if err := os.Mkdir(filepath.Join(home, "scripts"), 0o755); err != nil {
		t.Fatal(err)
	}
	b, err := New(Config{
		Home:       home,
		ScratchDir: t.TempDir(),
		GOOS:       "linux",
	}, nil, WithRunner(f))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b
}

func sampleTable() payload.Payload {
	return payload.Tabular(payload.NewTable(
		payload.NewColumn("a", payload.TypeInteger, 1, 2, 3),
		payload.NewColumn("b", payload.TypeNominal, "x", "y", nil),
	))
}

func mustEncode(t *testing.T, p payload.Payload) []byte {
	t.Helper()
	data, err := codec.Encode(p)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return data
}

func TestNewRequiresInstallation(t *testing.T) {
	_, err := New(Config{Home: t.TempDir()}, nil)
	if !errs.Is(err, errs.KindInvalidArgument) {
		t.Fatalf("New() error = %v, want InvalidArgument", err)
	}
	if !strings.Contains(err.Error(), "scripts") {
		t.Errorf("error should name the missing directory: %v", err)
	}
}

func TestStoreAndFetchThroughLauncher(t *testing.T) {
	f := newFakePlatform(t)
	b := newTestBackend(t, f)
	ctx := context.Background()
	loc := locator.RepositoryPath{Path: "/home/u/data"}

	if err := b.Store(ctx, loc, mustEncode(t, sampleTable())); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if _, ok := f.repo[loc.String()]; !ok {
		t.Fatalf("platform did not receive %s", loc)
	}

	data, err := b.Fetch(ctx, loc)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	p, err := codec.Decode(data, payload.KindTabular)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.Table.Rows() != 3 {
		t.Errorf("rows = %d, want 3", p.Table.Rows())
	}

	if len(f.calls) != 2 {
		t.Fatalf("launcher runs = %d, want 2", len(f.calls))
	}
	last := f.calls[1]
	if last[len(last)-1] != `"-AREAD_RESOURCE"` {
		t.Errorf("last argument = %s", last[len(last)-1])
	}
}

func TestFetchManyUsesOneRun(t *testing.T) {
	f := newFakePlatform(t)
	b := newTestBackend(t, f)
	f.repo["repositorylocation:/a"] = sampleTable()
	f.repo["repositorylocation:/b"] = payload.ByteStream([]byte("raw"))

	out, err := b.FetchMany(context.Background(), []locator.Locator{
		locator.RepositoryPath{Path: "/a"},
		locator.RepositoryPath{Path: "/b"},
	})
	if err != nil {
		t.Fatalf("FetchMany() error = %v", err)
	}
	if len(f.calls) != 1 {
		t.Errorf("launcher runs = %d, want 1", len(f.calls))
	}
	if len(out) != 2 {
		t.Fatalf("results = %d, want 2", len(out))
	}
	p, err := codec.Decode(out[1], payload.KindByteStream)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if string(p.Bytes) != "raw" {
		t.Errorf("bytes = %q", p.Bytes)
	}
}

func TestFetchMissingReportsPlatformError(t *testing.T) {
	f := newFakePlatform(t)
	b := newTestBackend(t, f)
	loc := locator.RepositoryPath{Path: "/missing"}

	_, err := b.Fetch(context.Background(), loc)
	if !errs.IsExecutionFailed(err) {
		t.Fatalf("Fetch() error = %v, want ExecutionFailed", err)
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("error should carry the platform message: %v", err)
	}

	ok, err := b.Exists(context.Background(), loc)
	if err != nil || ok {
		t.Errorf("Exists() = %v, %v; want false, nil", ok, err)
	}
}

func TestLocalExchangeFiles(t *testing.T) {
	f := newFakePlatform(t)
	b := newTestBackend(t, f)
	ctx := context.Background()
	dir := t.TempDir()
	loc := locator.LocalFile{Path: filepath.Join(dir, "input0"+codec.ExtTableData)}

	if err := b.Store(ctx, loc, mustEncode(t, sampleTable())); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if len(f.calls) != 0 {
		t.Error("local exchange files must not start the launcher")
	}
	if _, err := os.Stat(filepath.Join(dir, "input0"+codec.ExtTableMetadata)); err != nil {
		t.Errorf("metadata companion missing: %v", err)
	}

	data, err := b.Fetch(ctx, loc)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if k, _ := codec.Peek(data); k != payload.KindTabular {
		t.Errorf("kind = %s", k)
	}

	wrong := locator.LocalFile{Path: filepath.Join(dir, "input1"+codec.ExtObject)}
	if err := b.Store(ctx, wrong, mustEncode(t, sampleTable())); !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("Store() with mismatched extension error = %v", err)
	}

	children, err := b.List(ctx, locator.LocalFile{Path: dir})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(children) != 2 {
		t.Errorf("List() = %v, want data and metadata files", children)
	}

	if err := b.Delete(ctx, loc); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if ok, _ := b.Exists(ctx, locator.LocalFile{Path: filepath.Join(dir, "input0"+codec.ExtTableMetadata)}); ok {
		t.Error("Delete() left the metadata companion behind")
	}
	if err := b.Delete(ctx, loc); err != nil {
		t.Errorf("deleting twice error = %v", err)
	}
}

func TestRepositoryListIsUnsupported(t *testing.T) {
	b := newTestBackend(t, newFakePlatform(t))
	_, err := b.List(context.Background(), locator.RepositoryPath{Path: "/home"})
	if !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("List() error = %v, want InvalidArgument", err)
	}
}

func TestRunProcess(t *testing.T) {
	f := newFakePlatform(t)
	f.results = []payload.Payload{sampleTable(), payload.Object(map[string]interface{}{"score": 0.9})}
	b := newTestBackend(t, f)
	ctx := context.Background()

	job := backend.NewJob(locator.RepositoryPath{Path: "/home/u/score"}, "", map[string]string{"threshold": "0.5"})
	in, err := b.TempLocator(job, 0, payload.KindTabular)
	if err != nil {
		t.Fatalf("TempLocator() error = %v", err)
	}
	if !strings.HasSuffix(in.String(), "input0"+codec.ExtTableData) {
		t.Errorf("TempLocator() = %s", in)
	}
	if err := b.Store(ctx, in, mustEncode(t, sampleTable())); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	job.Inputs = []locator.Locator{in}

	if err := b.Submit(ctx, job); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	status, diag, err := b.Status(ctx, job)
	if err != nil || status != backend.StatusSucceeded || diag != "" {
		t.Fatalf("Status() = %s, %q, %v", status, diag, err)
	}
	if len(f.gotIn) != 1 || f.gotIn[0].Table.Rows() != 3 {
		t.Errorf("platform inputs = %+v", f.gotIn)
	}
	if diff := cmp.Diff([]string{"threshold=0.5"}, f.macros); diff != "" {
		t.Errorf("macros mismatch (-want +got):\n%s", diff)
	}

	outs, err := b.Outputs(ctx, job)
	if err != nil {
		t.Fatalf("Outputs() error = %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("Outputs() = %v, want 2", outs)
	}
	if !strings.HasSuffix(outs[0].String(), "output0"+codec.ExtTableData) ||
		!strings.HasSuffix(outs[1].String(), "output1"+codec.ExtObject) {
		t.Errorf("Outputs() order = %v", outs)
	}
	data, err := b.Fetch(ctx, outs[1])
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	var got map[string]float64
	p, _ := codec.Decode(data, payload.KindNativeObject)
	if err := codec.ObjectInto(p, &got); err != nil || got["score"] != 0.9 {
		t.Errorf("object = %v, %v", got, err)
	}

	dir := filepath.Dir(outs[0].(locator.LocalFile).Path)
	if err := b.Release(ctx, job); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("output directory survived Release: %v", err)
	}
	if _, _, err := b.Status(ctx, job); !errs.IsNotFound(err) {
		t.Errorf("Status() after Release error = %v", err)
	}
}

func TestRunProcessFailure(t *testing.T) {
	f := newFakePlatform(t)
	f.lines = []string{
		"RAPIDMINER_VERSION=9.10.0",
		"SEVERE: Process failed",
		"RAPIDMINER_ERROR_MSG_FIRST_LINE=Operator Score failed: label missing",
		"EXIT_CODE=1",
	}
	b := newTestBackend(t, f)
	job := backend.NewJob(locator.RepositoryPath{Path: "/p"}, "", nil)

	if err := b.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	status, diag, err := b.Status(context.Background(), job)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status != backend.StatusFailed {
		t.Errorf("status = %s, want failed", status)
	}
	if diag != "Error while executing studio: Operator Score failed: label missing" {
		t.Errorf("diagnostic = %q", diag)
	}
}

func TestRunProcessInterrupted(t *testing.T) {
	f := newFakePlatform(t)
	f.block = true
	b := newTestBackend(t, f)
	job := backend.NewJob(locator.RepositoryPath{Path: "/p"}, "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Submit(ctx, job)
	if !errs.Is(err, errs.KindTimeout) {
		t.Fatalf("Submit() error = %v, want Timeout", err)
	}
	if status, _, _ := b.Status(context.Background(), job); status != backend.StatusFailed {
		t.Errorf("status = %s, want failed", status)
	}
	if err := b.Release(context.Background(), job); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestByteStreamInputsGetTempDir(t *testing.T) {
	f := newFakePlatform(t)
	b := newTestBackend(t, f)
	ctx := context.Background()
	job := backend.NewJob(locator.RepositoryPath{Path: "/p"}, "", nil)

	in, err := b.TempLocator(job, 0, payload.KindByteStream)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Store(ctx, in, mustEncode(t, payload.ByteStream([]byte("zip")))); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	job.Inputs = []locator.Locator{in}
	if err := b.Submit(ctx, job); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	params := splitArgs(f.calls[0])
	if len(params["-T"]) != 1 {
		t.Errorf("launcher was not given a temp directory: %v", f.calls[0])
	}
	b.Release(ctx, job)
}

package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
)

// setupTestJournal opens a journal in a temp directory.
func setupTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "journal.db")}, nil)
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

type recordingDeleter struct {
	deleted []locator.Locator
	fail    map[string]error
}

func (d *recordingDeleter) Delete(ctx context.Context, loc locator.Locator) error {
	if err := d.fail[loc.String()]; err != nil {
		return err
	}
	d.deleted = append(d.deleted, loc)
	return nil
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), Config{}, nil); err == nil {
		t.Fatal("Open without path succeeded")
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := Open(ctx, Config{Path: path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	job := backend.NewJob(locator.RepositoryPath{Path: "/p"}, "", nil)
	if err := j.RecordJob(ctx, "remote", job); err != nil {
		t.Fatal(err)
	}
	j.Close()

	j, err = Open(ctx, Config{Path: path}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	if err := j.HealthCheck(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Job(ctx, job.ID); err != nil {
		t.Errorf("Job after reopen: %v", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	job := backend.NewJob(locator.RepositoryPath{Path: "/home/alice/score"}, "gpu", nil)
	if err := j.RecordJob(ctx, "remote", job); err != nil {
		t.Fatalf("RecordJob: %v", err)
	}
	for _, next := range []backend.JobStatus{backend.StatusSubmitted, backend.StatusRunning, backend.StatusFailed} {
		from := job.Status
		if err := job.Transition(next); err != nil {
			t.Fatal(err)
		}
		if next == backend.StatusFailed {
			job.Diagnostic = "operator failed"
		}
		if err := j.RecordTransition(ctx, "remote", job, from); err != nil {
			t.Fatalf("RecordTransition: %v", err)
		}
	}

	rec, err := j.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if rec.Status != backend.StatusFailed || rec.Diagnostic != "operator failed" || rec.Queue != "gpu" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Process != "repositorylocation:/home/alice/score" {
		t.Errorf("Process = %q", rec.Process)
	}
	if rec.FinishedAt == nil {
		t.Error("FinishedAt not recorded")
	}

	got, err := j.Transitions(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := [][2]backend.JobStatus{
		{"", backend.StatusSubmitted},
		{backend.StatusSubmitted, backend.StatusRunning},
		{backend.StatusRunning, backend.StatusFailed},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}

	failed, err := j.Jobs(ctx, backend.StatusFailed, 0)
	if err != nil || len(failed) != 1 {
		t.Errorf("Jobs(failed) = %v, %v", failed, err)
	}
	running, err := j.Jobs(ctx, backend.StatusRunning, 0)
	if err != nil || len(running) != 0 {
		t.Errorf("Jobs(running) = %v, %v", running, err)
	}

	if _, err := j.Job(ctx, "missing"); !errs.IsNotFound(err) {
		t.Errorf("Job(missing) error = %v", err)
	}
}

func TestTempTracking(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	job := backend.NewJob(locator.RepositoryPath{Path: "/p"}, "", nil)
	if err := j.RecordJob(ctx, "remote", job); err != nil {
		t.Fatal(err)
	}
	in0 := locator.RepositoryPath{Path: "/tmp/in0"}
	in1 := locator.RepositoryPath{Path: "/tmp/in1"}
	for _, loc := range []locator.Locator{in0, in1} {
		if err := j.RecordTemp(ctx, "remote", job, loc); err != nil {
			t.Fatalf("RecordTemp: %v", err)
		}
	}
	if err := j.RecordCleanup(ctx, job.ID, in0, nil); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordCleanup(ctx, job.ID, in1, errors.New("server unavailable")); err != nil {
		t.Fatal(err)
	}

	temps, err := j.Temps(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(temps) != 2 {
		t.Fatalf("Temps = %d records", len(temps))
	}
	if temps[0].State != TempDeleted || temps[1].State != TempFailed || temps[1].Error != "server unavailable" {
		t.Errorf("temps = %+v, %+v", temps[0], temps[1])
	}
	if temps[1].Attempts != 1 {
		t.Errorf("Attempts = %d", temps[1].Attempts)
	}
}

func TestSweep(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	job := backend.NewJob(locator.RepositoryPath{Path: "/p"}, "", nil)
	if err := j.RecordJob(ctx, "remote", job); err != nil {
		t.Fatal(err)
	}
	failed := locator.RepositoryPath{Path: "/tmp/failed"}
	fresh := locator.RepositoryPath{Path: "/tmp/fresh"}
	stubborn := locator.RepositoryPath{Path: "/tmp/stubborn"}
	other := locator.LocalFile{Path: "/scratch/x"}
	for _, loc := range []locator.Locator{failed, fresh, stubborn} {
		if err := j.RecordTemp(ctx, "remote", job, loc); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.RecordTemp(ctx, "batch", job, other); err != nil {
		t.Fatal(err)
	}
	for _, loc := range []locator.Locator{failed, stubborn, other} {
		if err := j.RecordCleanup(ctx, job.ID, loc, errors.New("boom")); err != nil {
			t.Fatal(err)
		}
	}

	d := &recordingDeleter{fail: map[string]error{stubborn.String(): errors.New("still locked")}}
	deleters := map[string]backend.Deleter{"remote": d}

	report, err := j.Sweep(ctx, deleters, SweepOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(d.deleted) != 0 || len(report.Deleted) != 2 {
		t.Errorf("dry run deleted %v, reported %v", d.deleted, report.Deleted)
	}

	report, err = j.Sweep(ctx, deleters, SweepOptions{StaleAfter: time.Hour})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if diff := cmp.Diff([]string{failed.String()}, report.Deleted); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
	if _, ok := report.Failed[stubborn.String()]; !ok || len(report.Failed) != 1 {
		t.Errorf("Failed = %v", report.Failed)
	}
	if diff := cmp.Diff([]string{other.String()}, report.Skipped); diff != "" {
		t.Errorf("skipped mismatch (-want +got):\n%s", diff)
	}

	temps, _ := j.Temps(ctx, job.ID)
	states := map[string]string{}
	for _, tr := range temps {
		states[tr.Locator] = tr.State
	}
	want := map[string]string{
		failed.String():   TempDeleted,
		fresh.String():    TempStaged,
		stubborn.String(): TempFailed,
		other.String():    TempFailed,
	}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

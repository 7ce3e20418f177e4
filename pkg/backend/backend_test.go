package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
)

func TestJobTransitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		ok       bool
	}{
		{"", StatusSubmitted, true},
		{"", StatusRunning, false},
		{StatusSubmitted, StatusRunning, true},
		{StatusSubmitted, StatusFailed, true},
		{StatusSubmitted, StatusSubmitted, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusSubmitted, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusCancelled, StatusRunning, false},
		{StatusFailed, StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			job := &Job{ID: "j", Status: tt.from}
			err := job.Transition(tt.to)
			if (err == nil) != tt.ok {
				t.Fatalf("Transition() error = %v, want ok=%v", err, tt.ok)
			}
			if tt.ok && job.Status != tt.to {
				t.Errorf("Status = %s, want %s", job.Status, tt.to)
			}
		})
	}
}

func TestJobTimestamps(t *testing.T) {
	job := NewJob(locator.RepositoryPath{Path: "/p"}, "DEFAULT", nil)
	if job.ID == "" || job.Macros == nil {
		t.Fatalf("NewJob() = %+v", job)
	}
	if err := job.Transition(StatusSubmitted); err != nil {
		t.Fatal(err)
	}
	if job.SubmittedAt.IsZero() {
		t.Error("SubmittedAt not set")
	}
	if err := job.Transition(StatusSucceeded); err != nil {
		t.Fatal(err)
	}
	if job.FinishedAt.IsZero() {
		t.Error("FinishedAt not set")
	}
	if err := job.Transition("paused"); err == nil {
		t.Error("expected unknown status to be rejected")
	}
}

func TestFromFSError(t *testing.T) {
	loc := locator.RepositoryPath{Path: "/home/a/data"}
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"not exist", fmt.Errorf("open: %w", fs.ErrNotExist), errs.KindNotFound},
		{"permission", &fs.PathError{Op: "open", Path: "x", Err: fs.ErrPermission}, errs.KindPermissionDenied},
		{"deadline", context.DeadlineExceeded, errs.KindTimeout},
		{"other", errors.New("disk on fire"), errs.KindInternal},
		{"already classified", errs.New(errs.KindSizeLimitExceeded, "too big"), errs.KindSizeLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromFSError(tt.err, loc, "fetch")
			if errs.KindOf(got) != tt.want {
				t.Errorf("kind = %s, want %s", errs.KindOf(got), tt.want)
			}
		})
	}

	if FromFSError(nil, loc, "fetch") != nil {
		t.Error("nil error should stay nil")
	}
	if ErrorKind(errors.New("x")) != "unclassified" {
		t.Error("unclassified errors need a label")
	}
}

type countingBackend struct {
	calls  int
	stores int
}

func (c *countingBackend) Name() string { return "counting" }
func (c *countingBackend) Fetch(ctx context.Context, loc locator.Locator) ([]byte, error) {
	c.calls++
	return []byte(loc.String()), nil
}
func (c *countingBackend) Store(context.Context, locator.Locator, []byte) error {
	c.stores++
	return nil
}
func (c *countingBackend) Exists(context.Context, locator.Locator) (bool, error) {
	return true, nil
}
func (c *countingBackend) List(context.Context, locator.Locator) ([]locator.Locator, error) {
	return nil, nil
}

type batchingBackend struct {
	countingBackend
	batches int
}

func (b *batchingBackend) StoreMany(ctx context.Context, locs []locator.Locator, data [][]byte) error {
	b.batches++
	return nil
}

func (b *batchingBackend) FetchMany(ctx context.Context, locs []locator.Locator) ([][]byte, error) {
	b.batches++
	out := make([][]byte, len(locs))
	for i, l := range locs {
		out[i] = []byte(l.String())
	}
	return out, nil
}

func TestFetchAll(t *testing.T) {
	locs := []locator.Locator{locator.RepositoryPath{Path: "/a"}, locator.RepositoryPath{Path: "/b"}}

	plain := &countingBackend{}
	got, err := FetchAll(context.Background(), plain, locs)
	if err != nil || len(got) != 2 || plain.calls != 2 {
		t.Fatalf("FetchAll plain = %q, %v, calls=%d", got, err, plain.calls)
	}

	batched := &batchingBackend{}
	got, err = FetchAll(context.Background(), batched, locs)
	if err != nil || len(got) != 2 || batched.batches != 1 || batched.calls != 0 {
		t.Fatalf("FetchAll batched = %q, %v, batches=%d calls=%d", got, err, batched.batches, batched.calls)
	}
	if string(got[1]) != "repositorylocation:/b" {
		t.Errorf("order not preserved: %q", got)
	}
}

func TestStoreAll(t *testing.T) {
	ctx := context.Background()
	locs := []locator.Locator{locator.RepositoryPath{Path: "/a"}, locator.RepositoryPath{Path: "/b"}}
	data := [][]byte{[]byte("a"), []byte("b")}

	plain := &countingBackend{}
	if err := StoreAll(ctx, plain, locs, data); err != nil || plain.stores != 2 {
		t.Fatalf("StoreAll plain = %v, stores=%d", err, plain.stores)
	}

	batched := &batchingBackend{}
	if err := StoreAll(ctx, batched, locs, data); err != nil || batched.batches != 1 || batched.stores != 0 {
		t.Fatalf("StoreAll batched = %v, batches=%d stores=%d", err, batched.batches, batched.stores)
	}

	if err := StoreAll(ctx, plain, locs, data[:1]); !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("mismatched lengths error = %v", err)
	}
}

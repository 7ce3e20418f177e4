package locator

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    Locator
		wantErr bool
	}{
		{input: "file:/tmp/data.csv", want: LocalFile{Path: "/tmp/data.csv"}},
		{input: "repositorylocation:/home/alice/data", want: RepositoryPath{Path: "/home/alice/data"}},
		{input: "/home/alice/data", want: RepositoryPath{Path: "/home/alice/data"}},
		{input: "git://churn.git/processes/train.rmp", want: ProjectPath{Project: "churn", Path: "processes/train.rmp"}},
		{input: "", wantErr: true},
		{input: "file:", wantErr: true},
		{input: "git://nodotgit/path", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %#v, want %#v", tt.input, got, tt.want)
			}
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	locs := []Locator{
		LocalFile{Path: "/var/data/in.fo"},
		RepositoryPath{Path: "/home/bob/tmp/abc"},
		ProjectPath{Project: "sales", Path: "data/q1"},
	}
	for _, l := range locs {
		back, err := Parse(l.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", l.String(), err)
		}
		if back != l {
			t.Errorf("round trip of %#v gave %#v", l, back)
		}
	}
}

func TestStructuralEquality(t *testing.T) {
	a := Locator(ProjectPath{Project: "p", Path: "x"})
	b := Locator(ProjectPath{Project: "p", Path: "x"})
	if a != b {
		t.Error("identical project paths should compare equal")
	}
	if Locator(RepositoryPath{Path: "x"}) == Locator(LocalFile{Path: "x"}) {
		t.Error("different variants with the same path should not compare equal")
	}
}

func TestJoin(t *testing.T) {
	if got := (RepositoryPath{Path: "/home/a/tmp/"}).Join("f1"); got.Path != "/home/a/tmp/f1" {
		t.Errorf("Join() = %q", got.Path)
	}
	if got := (RepositoryPath{Path: "/home/a/tmp"}).Join("/f1"); got.Path != "/home/a/tmp/f1" {
		t.Errorf("Join() = %q", got.Path)
	}
	if got := (ProjectPath{Project: "p", Path: "data"}).Join("t1"); got.Path != "data/t1" {
		t.Errorf("Join() = %q", got.Path)
	}
}

func TestVisitorDispatch(t *testing.T) {
	var seen []string
	v := Funcs{
		LocalFile:      func(LocalFile) error { seen = append(seen, "file"); return nil },
		RepositoryPath: func(RepositoryPath) error { seen = append(seen, "repo"); return nil },
	}

	for _, l := range []Locator{LocalFile{Path: "a"}, RepositoryPath{Path: "b"}} {
		if err := l.Accept(v); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}
	if len(seen) != 2 || seen[0] != "file" || seen[1] != "repo" {
		t.Errorf("unexpected dispatch order %v", seen)
	}

	err := ProjectPath{Project: "p", Path: "c"}.Accept(v)
	if err == nil {
		t.Fatal("expected error for unhandled project variant")
	}
	if errors.Unwrap(err) != nil {
		t.Errorf("unexpected wrapped error %v", err)
	}
}

func TestBase(t *testing.T) {
	if got := Base(ProjectPath{Project: "p", Path: "a/b/c.rmp"}); got != "c.rmp" {
		t.Errorf("Base() = %q", got)
	}
	if got := Base(LocalFile{Path: "/x/y"}); got != "y" {
		t.Errorf("Base() = %q", got)
	}
}

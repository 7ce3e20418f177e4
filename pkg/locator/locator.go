// Package locator identifies resources independently of the backend that
// stores them. A Locator is one of three closed variants: a file on the
// local disk, a path in a platform repository, or a path inside a
// versioned project.
package locator

import (
	"fmt"
	"path"
	"strings"
)

// String form prefixes.
const (
	filePrefix       = "file:"
	repositoryPrefix = "repositorylocation:"
	projectPrefix    = "git://"
	projectSuffix    = ".git"
)

// Locator is a sealed union. Only the types in this package implement it.
type Locator interface {
	// String returns the canonical string form understood by the platform.
	String() string

	// Accept dispatches to the visitor method for the concrete variant.
	Accept(v Visitor) error

	sealed()
}

// Visitor handles every Locator variant. Adding a variant adds a method,
// which breaks every implementation until it is handled.
type Visitor interface {
	VisitLocalFile(LocalFile) error
	VisitRepositoryPath(RepositoryPath) error
	VisitProjectPath(ProjectPath) error
}

// LocalFile is a file on the local file system.
type LocalFile struct {
	Path string
}

// RepositoryPath is an absolute path in a platform repository.
type RepositoryPath struct {
	Path string
}

// ProjectPath is a path relative to the root of a versioned project.
type ProjectPath struct {
	Project string
	Path    string
}

func (LocalFile) sealed()      {}
func (RepositoryPath) sealed() {}
func (ProjectPath) sealed()    {}

func (l LocalFile) String() string {
	return filePrefix + l.Path
}

func (r RepositoryPath) String() string {
	return repositoryPrefix + r.Path
}

// String returns the project form git://<project>.git/<path>.
func (p ProjectPath) String() string {
	return projectPrefix + p.Project + projectSuffix + "/" + strings.TrimPrefix(p.Path, "/")
}

func (l LocalFile) Accept(v Visitor) error      { return v.VisitLocalFile(l) }
func (r RepositoryPath) Accept(v Visitor) error { return v.VisitRepositoryPath(r) }
func (p ProjectPath) Accept(v Visitor) error    { return v.VisitProjectPath(p) }

// Join returns a repository path with child appended.
func (r RepositoryPath) Join(child string) RepositoryPath {
	if strings.HasSuffix(r.Path, "/") {
		return RepositoryPath{Path: r.Path + strings.TrimPrefix(child, "/")}
	}
	return RepositoryPath{Path: r.Path + "/" + strings.TrimPrefix(child, "/")}
}

// Join returns a project path with child appended.
func (p ProjectPath) Join(child string) ProjectPath {
	return ProjectPath{Project: p.Project, Path: path.Join(p.Path, child)}
}

// Base returns the last element of the locator path.
func Base(l Locator) string {
	switch v := l.(type) {
	case LocalFile:
		return path.Base(v.Path)
	case RepositoryPath:
		return path.Base(v.Path)
	case ProjectPath:
		return path.Base(v.Path)
	}
	return ""
}

// Parse reads the string form of a locator. A string without a known
// prefix is a repository path.
func Parse(s string) (Locator, error) {
	switch {
	case s == "":
		return nil, fmt.Errorf("empty locator")
	case strings.HasPrefix(s, filePrefix):
		p := strings.TrimPrefix(s, filePrefix)
		if p == "" {
			return nil, fmt.Errorf("locator %q has an empty file path", s)
		}
		return LocalFile{Path: p}, nil
	case strings.HasPrefix(s, repositoryPrefix):
		p := strings.TrimPrefix(s, repositoryPrefix)
		if p == "" {
			return nil, fmt.Errorf("locator %q has an empty repository path", s)
		}
		return RepositoryPath{Path: p}, nil
	case strings.HasPrefix(s, projectPrefix):
		rest := strings.TrimPrefix(s, projectPrefix)
		idx := strings.Index(rest, projectSuffix+"/")
		if idx <= 0 {
			return nil, fmt.Errorf("locator %q is not of the form git://<project>.git/<path>", s)
		}
		return ProjectPath{Project: rest[:idx], Path: rest[idx+len(projectSuffix)+1:]}, nil
	default:
		return RepositoryPath{Path: s}, nil
	}
}

// Funcs adapts three functions to the Visitor interface.
type Funcs struct {
	LocalFile      func(LocalFile) error
	RepositoryPath func(RepositoryPath) error
	ProjectPath    func(ProjectPath) error
}

func (f Funcs) VisitLocalFile(l LocalFile) error {
	if f.LocalFile == nil {
		return fmt.Errorf("local file locators are not supported")
	}
	return f.LocalFile(l)
}

func (f Funcs) VisitRepositoryPath(r RepositoryPath) error {
	if f.RepositoryPath == nil {
		return fmt.Errorf("repository locators are not supported")
	}
	return f.RepositoryPath(r)
}

func (f Funcs) VisitProjectPath(p ProjectPath) error {
	if f.ProjectPath == nil {
		return fmt.Errorf("project locators are not supported")
	}
	return f.ProjectPath(p)
}

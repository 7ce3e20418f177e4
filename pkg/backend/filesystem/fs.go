package filesystem

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
)

// FS is the file system a Backend reads and writes. Names are slash
// separated and relative to the implementation's root. Implementations
// report missing files with fs.ErrNotExist and refused access with
// fs.ErrPermission.
//
// The SFTP file system in pkg/transports/ssh satisfies this interface.
type FS interface {
	ReadFile(ctx context.Context, name string) ([]byte, error)
	WriteFile(ctx context.Context, name string, data []byte) error
	MkdirAll(ctx context.Context, dir string) error
	Stat(ctx context.Context, name string) (fs.FileInfo, error)
	ReadDir(ctx context.Context, dir string) ([]fs.FileInfo, error)
	Remove(ctx context.Context, name string) error
}

// OSFS is the local file system below Root.
type OSFS struct {
	Root string
}

// NewOSFS returns a local file system rooted at root.
func NewOSFS(root string) *OSFS {
	return &OSFS{Root: root}
}

func (o *OSFS) resolve(name string) string {
	return filepath.Join(o.Root, filepath.FromSlash(path.Clean("/"+name)))
}

func (o *OSFS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	return os.ReadFile(o.resolve(name))
}

// WriteFile writes through a temporary file renamed into place, so readers
// never see a partial resource.
func (o *OSFS) WriteFile(ctx context.Context, name string, data []byte) error {
	target := o.resolve(name)
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func (o *OSFS) MkdirAll(ctx context.Context, dir string) error {
	return os.MkdirAll(o.resolve(dir), 0o755)
}

func (o *OSFS) Stat(ctx context.Context, name string) (fs.FileInfo, error) {
	return os.Stat(o.resolve(name))
}

func (o *OSFS) ReadDir(ctx context.Context, dir string) ([]fs.FileInfo, error) {
	entries, err := os.ReadDir(o.resolve(dir))
	if err != nil {
		return nil, err
	}
	infos := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// removed between the listing and the stat
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

func (o *OSFS) Remove(ctx context.Context, name string) error {
	return os.Remove(o.resolve(name))
}

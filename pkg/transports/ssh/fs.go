package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
)

// FS is a file system rooted at Config.Root on the remote host. Names are
// slash separated and always resolved below the root. Missing files report
// fs.ErrNotExist and refused access fs.ErrPermission.
type FS struct {
	client *Client
	root   string
}

// NewFS returns a file system backed by client's SFTP session.
func NewFS(client *Client) *FS {
	root := client.config.Root
	if root == "" {
		root = "/"
	}
	return &FS{client: client, root: root}
}

// Root returns the remote directory names are resolved under.
func (f *FS) Root() string {
	return f.root
}

func (f *FS) resolve(name string) string {
	return path.Join(f.root, path.Clean("/"+name))
}

// ReadFile returns the whole content of name.
func (f *FS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	client, err := f.client.SFTP()
	if err != nil {
		return nil, err
	}

	file, err := client.Open(f.resolve(name))
	if err != nil {
		return nil, normalise(err)
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, file); err != nil {
		return nil, normalise(err)
	}
	return buf.Bytes(), nil
}

// WriteFile creates or truncates name and writes data to it. Missing parent
// directories are created.
func (f *FS) WriteFile(ctx context.Context, name string, data []byte) error {
	client, err := f.client.SFTP()
	if err != nil {
		return err
	}

	target := f.resolve(name)
	if err := client.MkdirAll(path.Dir(target)); err != nil {
		return normalise(err)
	}

	file, err := client.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return normalise(err)
	}

	if _, err := copyWithContext(ctx, file, bytes.NewReader(data)); err != nil {
		_ = file.Close()
		_ = client.Remove(target)
		return normalise(err)
	}
	return normalise(file.Close())
}

// MkdirAll creates dir and any missing parents.
func (f *FS) MkdirAll(ctx context.Context, dir string) error {
	client, err := f.client.SFTP()
	if err != nil {
		return err
	}
	return normalise(client.MkdirAll(f.resolve(dir)))
}

// Stat describes name.
func (f *FS) Stat(ctx context.Context, name string) (fs.FileInfo, error) {
	client, err := f.client.SFTP()
	if err != nil {
		return nil, err
	}
	info, err := client.Stat(f.resolve(name))
	return info, normalise(err)
}

// ReadDir lists dir sorted by name.
func (f *FS) ReadDir(ctx context.Context, dir string) ([]fs.FileInfo, error) {
	client, err := f.client.SFTP()
	if err != nil {
		return nil, err
	}
	entries, err := client.ReadDir(f.resolve(dir))
	if err != nil {
		return nil, normalise(err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

// Remove deletes a file or an empty directory.
func (f *FS) Remove(ctx context.Context, name string) error {
	client, err := f.client.SFTP()
	if err != nil {
		return err
	}
	return normalise(client.Remove(f.resolve(name)))
}

// normalise maps SFTP status errors onto the io/fs sentinels.
func normalise(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return err
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %v", fs.ErrNotExist, err)
	case os.IsPermission(err):
		return fmt.Errorf("%w: %v", fs.ErrPermission, err)
	}
	return &TransportError{Op: "sftp", Err: err}
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}

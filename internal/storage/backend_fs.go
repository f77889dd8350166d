package storage

import (
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/trajcache/trajcache/pkg/errors"
	"github.com/trajcache/trajcache/pkg/types"
)

const tmpSuffix = ".tmp"

// FSBackend stores objects as files in a billy filesystem
type FSBackend struct {
	fs billy.Filesystem
}

// NewFSBackend wraps an existing billy filesystem
func NewFSBackend(fs billy.Filesystem) *FSBackend {
	return &FSBackend{fs: fs}
}

// NewOSBackend returns a backend rooted at dir on the local disk
func NewOSBackend(dir string) (*FSBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewError(errors.ErrCodeTransientIO, "failed to create storage directory").
			WithComponent("storage").
			WithOperation("open").
			WithDetail("directory", dir).
			WithCause(err)
	}
	return &FSBackend{fs: osfs.New(dir)}, nil
}

// NewMemoryBackend returns a backend that keeps everything in memory
func NewMemoryBackend() *FSBackend {
	return &FSBackend{fs: memfs.New()}
}

// Filesystem exposes the underlying billy filesystem
func (b *FSBackend) Filesystem() billy.Filesystem {
	return b.fs
}

// Put writes data to a temporary file and renames it over name
func (b *FSBackend) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = cleanName(name)

	if dir := path.Dir(name); dir != "." {
		if err := b.fs.MkdirAll(dir, 0o755); err != nil {
			return ioError("put", name, err)
		}
	}

	tmp := name + tmpSuffix
	if err := util.WriteFile(b.fs, tmp, data, 0o644); err != nil {
		_ = b.fs.Remove(tmp)
		return ioError("put", name, err)
	}
	if err := b.fs.Rename(tmp, name); err != nil {
		_ = b.fs.Remove(tmp)
		return ioError("put", name, err)
	}
	return nil
}

// Get reads the whole object
func (b *FSBackend) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = cleanName(name)

	f, err := b.fs.Open(name)
	if err != nil {
		return nil, translateFSError("get", name, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, ioError("get", name, err)
	}
	return data, nil
}

// Delete removes the object
func (b *FSBackend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = cleanName(name)

	if err := b.fs.Remove(name); err != nil {
		return translateFSError("delete", name, err)
	}
	return nil
}

// Stat returns object metadata
func (b *FSBackend) Stat(ctx context.Context, name string) (types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.ObjectInfo{}, err
	}
	name = cleanName(name)

	info, err := b.fs.Stat(name)
	if err != nil {
		return types.ObjectInfo{}, translateFSError("stat", name, err)
	}
	return types.ObjectInfo{Name: name, Size: info.Size(), LastModified: info.ModTime()}, nil
}

// List walks the directory that contains prefix and returns matching files sorted by name
func (b *FSBackend) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := prefix
	if !strings.HasSuffix(root, "/") {
		root = path.Dir(root)
	}
	root = cleanName(root)

	var objects []types.ObjectInfo
	if err := b.walk(root, prefix, &objects); err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

func (b *FSBackend) walk(dir, prefix string, out *[]types.ObjectInfo) error {
	infos, err := b.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ioError("list", dir, err)
	}

	for _, info := range infos {
		name := info.Name()
		if dir != "." && dir != "" {
			name = path.Join(dir, name)
		}
		if info.IsDir() {
			if err := b.walk(name, prefix, out); err != nil {
				return err
			}
			continue
		}
		if strings.HasSuffix(name, tmpSuffix) || !strings.HasPrefix(name, prefix) {
			continue
		}
		*out = append(*out, types.ObjectInfo{Name: name, Size: info.Size(), LastModified: info.ModTime()})
	}
	return nil
}

// HealthCheck writes and removes a probe object
func (b *FSBackend) HealthCheck(ctx context.Context) error {
	const probe = ".health"
	if err := b.Put(ctx, probe, []byte("ok")); err != nil {
		return err
	}
	return b.Delete(ctx, probe)
}

func cleanName(name string) string {
	name = path.Clean("/" + name)
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return "."
	}
	return name
}

func translateFSError(operation, name string, err error) error {
	if os.IsNotExist(err) {
		return errors.NewError(errors.ErrCodeNotFound, "object not found").
			WithComponent("storage").
			WithOperation(operation).
			WithDetail("name", name).
			WithCause(err)
	}
	return ioError(operation, name, err)
}

func ioError(operation, name string, err error) error {
	return errors.NewError(errors.ErrCodeTransientIO, "filesystem operation failed").
		WithComponent("storage").
		WithOperation(operation).
		WithDetail("name", name).
		WithCause(err)
}

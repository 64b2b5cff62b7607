package storage

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// LocalClient stores objects as files under a root directory. Individual top-level
// prefixes can be redirected to their own directories (uploads, temp, outputs).
type LocalClient struct {
	fs   afero.Fs
	root string
	dirs map[string]string
	now  func() time.Time
}

// NewLocalClient creates a LocalClient rooted at root. dirs maps a top-level prefix
// such as "uploads" to the directory that holds it.
func NewLocalClient(fs afero.Fs, root string, dirs map[string]string) *LocalClient {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	overrides := make(map[string]string, len(dirs))
	for prefix, dir := range dirs {
		if dir != "" {
			overrides[strings.Trim(prefix, "/")] = dir
		}
	}
	return &LocalClient{fs: fs, root: root, dirs: overrides, now: time.Now}
}

func (c *LocalClient) Backend() Backend {
	return BackendLocal
}

// Resolve maps a logical path to its location on disk.
func (c *LocalClient) Resolve(p string) (string, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	top, rest := cleaned, ""
	if i := strings.IndexByte(cleaned, '/'); i >= 0 {
		top, rest = cleaned[:i], cleaned[i+1:]
	}
	if dir, ok := c.dirs[top]; ok {
		return filepath.Join(dir, filepath.FromSlash(rest)), nil
	}
	return filepath.Join(c.root, filepath.FromSlash(cleaned)), nil
}

func (c *LocalClient) Put(ctx context.Context, p string, r io.Reader, contentType string) (StoredObject, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return StoredObject{}, err
	}
	dest, err := c.Resolve(cleaned)
	if err != nil {
		return StoredObject{}, err
	}
	dir := filepath.Dir(dest)
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return StoredObject{}, errors.Wrapf(err, "create directory for %s", cleaned)
	}

	tmp, err := afero.TempFile(c.fs, dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return StoredObject{}, errors.Wrapf(err, "create temporary file for %s", cleaned)
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	closeErr := tmp.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = c.fs.Remove(tmpName)
		return StoredObject{}, errors.Wrapf(copyErr, "write %s", cleaned)
	}

	if err := c.fs.Rename(tmpName, dest); err != nil {
		_ = c.fs.Remove(tmpName)
		return StoredObject{}, errors.Wrapf(err, "commit %s", cleaned)
	}

	return StoredObject{
		Path:        cleaned,
		Backend:     BackendLocal,
		Size:        n,
		ContentType: contentType,
		CreatedAt:   c.now(),
	}, nil
}

func (c *LocalClient) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	src, err := c.Resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := c.fs.Open(src)
	if err != nil {
		return nil, localError(p, err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, errors.Wrapf(ErrNotFound, "%s is a directory", p)
	}
	return f, nil
}

func (c *LocalClient) Delete(ctx context.Context, p string) error {
	target, err := c.Resolve(p)
	if err != nil {
		return err
	}
	if err := c.fs.Remove(target); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete %s", p)
	}
	return nil
}

func (c *LocalClient) Exists(ctx context.Context, p string) (bool, error) {
	target, err := c.Resolve(p)
	if err != nil {
		return false, err
	}
	info, err := c.fs.Stat(target)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "stat %s", p)
	}
	return !info.IsDir(), nil
}

func (c *LocalClient) Stat(ctx context.Context, p string) (ObjectInfo, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return ObjectInfo{}, err
	}
	target, err := c.Resolve(cleaned)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := c.fs.Stat(target)
	if err != nil {
		return ObjectInfo{}, localError(cleaned, err)
	}
	if info.IsDir() {
		return ObjectInfo{}, errors.Wrapf(ErrNotFound, "%s is a directory", cleaned)
	}
	return ObjectInfo{
		Key:         cleaned,
		Size:        info.Size(),
		ContentType: c.detect(target),
		Updated:     info.ModTime(),
	}, nil
}

func (c *LocalClient) detect(target string) string {
	f, err := c.fs.Open(target)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

// List returns every file under prefix, keyed by logical path.
func (c *LocalClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := c.walk(ctx, prefix, func(key, _ string, info os.FileInfo) error {
		out = append(out, ObjectInfo{Key: key, Size: info.Size(), Updated: info.ModTime()})
		return nil
	})
	return out, err
}

// DeletePrefix removes the whole subtree under prefix.
func (c *LocalClient) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	norm, err := normalizePrefix(prefix)
	if err != nil {
		return 0, err
	}
	dir, err := c.Resolve(norm)
	if err != nil {
		return 0, err
	}

	count := 0
	err = c.walk(ctx, norm, func(string, string, os.FileInfo) error {
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := c.fs.RemoveAll(dir); err != nil {
		return 0, errors.Wrapf(err, "delete prefix %s", norm)
	}
	return count, nil
}

// PurgeOlderThan deletes files under prefix last modified before cutoff, then prunes
// directories left empty. Local disks have no lifecycle engine, so this runs inline.
func (c *LocalClient) PurgeOlderThan(ctx context.Context, prefix string, cutoff time.Time) (int, error) {
	norm, err := normalizePrefix(prefix)
	if err != nil {
		return 0, err
	}

	var dirs []string
	removed := 0
	err = c.walk(ctx, norm, func(key, full string, info os.FileInfo) error {
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := c.fs.Remove(full); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", key).Msg("storage: purge could not remove file")
			return nil
		}
		removed++
		dirs = append(dirs, filepath.Dir(full))
		return nil
	})
	if err != nil {
		return removed, err
	}

	base, _ := c.Resolve(norm)
	c.pruneEmptyDirs(base, dirs)
	return removed, nil
}

func (c *LocalClient) pruneEmptyDirs(base string, dirs []string) {
	// Deepest first so parents empty out before they are checked.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		for dir != base && strings.HasPrefix(dir, base) {
			empty, err := afero.IsEmpty(c.fs, dir)
			if err != nil || !empty {
				break
			}
			if err := c.fs.Remove(dir); err != nil {
				break
			}
			dir = filepath.Dir(dir)
		}
	}
}

// walk visits regular files under prefix. Temporary upload files are skipped.
func (c *LocalClient) walk(ctx context.Context, prefix string, fn func(key, full string, info os.FileInfo) error) error {
	norm, err := normalizePrefix(prefix)
	if err != nil {
		return err
	}
	base, err := c.Resolve(norm)
	if err != nil {
		return err
	}
	if ok, _ := afero.DirExists(c.fs, base); !ok {
		return nil
	}

	logicalBase := strings.TrimSuffix(norm, "/")
	return afero.Walk(c.fs, base, func(full string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || isTempName(info.Name()) {
			return nil
		}
		rel, err := filepath.Rel(base, full)
		if err != nil {
			return err
		}
		return fn(path.Join(logicalBase, filepath.ToSlash(rel)), full, info)
	})
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-")
}

func localError(p string, err error) error {
	switch {
	case os.IsNotExist(err):
		return errors.Wrapf(ErrNotFound, "%s", p)
	case os.IsPermission(err):
		return errors.Wrapf(ErrObjectUnreadable, "%s: %v", p, err)
	default:
		return errors.Wrapf(err, "%s", p)
	}
}

// contextReader stops a copy as soon as ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

var _ ObjectStore = (*LocalClient)(nil)

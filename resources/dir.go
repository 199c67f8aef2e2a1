package resources

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/toolwire/toolwire/mcp"
)

// DirProvider serves file:// resources rooted at a directory. Reads are
// constrained to the resolved root so symlinks cannot escape it. It
// implements Watcher via fsnotify so streaming transports can push update
// notifications for changed files.
type DirProvider struct {
	root string // absolute, symlink-evaluated
	log  *slog.Logger
}

// DirOption configures a DirProvider.
type DirOption func(*DirProvider)

// WithDirLogger sets the logger used for watch diagnostics.
func WithDirLogger(log *slog.Logger) DirOption {
	return func(p *DirProvider) {
		if log != nil {
			p.log = log
		}
	}
}

// NewDirProvider constructs a provider rooted at dir.
func NewDirProvider(dir string, opts ...DirOption) (*DirProvider, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", real)
	}
	p := &DirProvider{root: real, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// URI returns the file:// URI for a path relative to the root.
func (p *DirProvider) URI(rel string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(p.root, rel))}
	return u.String()
}

// CanHandle implements Provider: file:// URIs under the root.
func (p *DirProvider) CanHandle(uri string) bool {
	_, err := p.resolve(uri)
	return err == nil
}

// resolve maps a file:// URI to an on-disk path, rejecting escapes from the
// root. The path is symlink-evaluated so a link inside the root cannot point
// reads outside of it.
func (p *DirProvider) resolve(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	clean := filepath.Clean(filepath.FromSlash(u.Path))
	if !p.contains(clean) {
		return "", fmt.Errorf("%w: outside root: %s", ErrNotFound, uri)
	}
	real, err := filepath.EvalSymlinks(clean)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	if !p.contains(real) {
		return "", fmt.Errorf("%w: outside root: %s", ErrNotFound, uri)
	}
	return real, nil
}

// contains reports whether path sits under the root.
func (p *DirProvider) contains(path string) bool {
	rel, err := filepath.Rel(p.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// List implements Provider by walking the root.
func (p *DirProvider) List(ctx context.Context) ([]mcp.Resource, error) {
	var out []mcp.Resource
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != p.root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		out = append(out, mcp.Resource{
			URI:      (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(),
			Name:     filepath.ToSlash(rel),
			MimeType: mimeTypeOf(path),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Read implements Provider. Text files are returned inline; anything not
// valid UTF-8 is base64-encoded as a blob.
func (p *DirProvider) Read(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	path, err := p.resolve(uri)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return nil, err
	}
	contents := mcp.ResourceContents{URI: uri, MimeType: mimeTypeOf(path)}
	if utf8.Valid(b) {
		contents.Text = string(b)
	} else {
		contents.Blob = base64.StdEncoding.EncodeToString(b)
	}
	return []mcp.ResourceContents{contents}, nil
}

// Watch implements Watcher using fsnotify. New subdirectories are added to
// the watch as they appear.
func (p *DirProvider) Watch(ctx context.Context, onUpdate func(uri string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Close()

	addDirs := func(root string) error {
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // ignore races with deletions
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != root {
					return filepath.SkipDir
				}
				return w.Add(path)
			}
			return nil
		})
	}
	if err := addDirs(p.root); err != nil {
		return fmt.Errorf("watch root: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addDirs(ev.Name)
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				onUpdate((&url.URL{Scheme: "file", Path: filepath.ToSlash(ev.Name)}).String())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.log.Debug("resources.dir.watch_error", slog.String("err", err.Error()))
		}
	}
}

func mimeTypeOf(path string) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

var (
	_ Provider = (*DirProvider)(nil)
	_ Watcher  = (*DirProvider)(nil)
)

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/engine"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/pathindex"
)

// Scan runs one reconciliation pass over every path known locally or
// bound remotely. Per-path failures are collected; the returned error is a
// *multierror.Error when any path failed.
func (c *Client) Scan(ctx context.Context) error {
	entries, err := c.docs.Entries(ctx, c.prefix)
	if err != nil {
		return fmt.Errorf("list bindings: %w", err)
	}
	bound := make(map[string]pathindex.Entry, len(entries))
	for _, en := range entries {
		bound[en.Path] = en
	}

	var result *multierror.Error
	local, err := c.walk(ctx)
	if err != nil {
		result = multierror.Append(result, err)
	}

	for _, path := range c.paths(bound, local) {
		en, isBound := bound[path]
		data, onDisk := local[path]
		if err := c.reconcilePath(ctx, path, en, isBound, data, onDisk); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.syncWatches(bound)
	return result.ErrorOrNil()
}

func (c *Client) paths(bound map[string]pathindex.Entry, local map[string][]byte) []string {
	set := make(map[string]struct{}, len(bound)+len(local)+len(c.files))
	for p := range bound {
		set[p] = struct{}{}
	}
	for p := range local {
		set[p] = struct{}{}
	}
	for p := range c.files {
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// reconcilePath settles one path. A nil data with onDisk set means the
// file exists but could not be read this pass.
func (c *Client) reconcilePath(ctx context.Context, path string, en pathindex.Entry, isBound bool, data []byte, onDisk bool) error {
	if onDisk && data == nil {
		return nil
	}
	st := c.files[path]
	if isBound && st != nil && st.id != en.ID {
		// Rebound to another document.
		delete(c.files, path)
		st = nil
	}

	switch {
	case isBound && !c.synced(path):
		return nil

	case isBound && onDisk:
		h := ir.ContentHash(data)
		if st == nil {
			content, err := c.docs.Content(ctx, en.ID)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			switch content {
			case string(data):
				c.files[path] = &fileState{id: en.ID, hash: h}
				return nil
			case en.Kind.DefaultContent():
				return c.pushLocal(ctx, path, en.ID, data)
			}
			// Both sides have content and nothing says which is newer:
			// the shared document wins.
			return c.writeLocal(ctx, path, en.ID, content)
		}
		if h != st.hash {
			return c.pushLocal(ctx, path, en.ID, data)
		}
		if st.rejected {
			return nil
		}
		// Catch up on changes whose notification was missed.
		content, err := c.docs.Content(ctx, en.ID)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return c.writeLocal(ctx, path, en.ID, content)

	case isBound && !onDisk:
		if st != nil {
			err := c.docs.Unbind(ctx, path)
			if err != nil && !engine.IsNotBound(err) {
				return fmt.Errorf("%s: %w", path, err)
			}
			delete(c.files, path)
			c.log.Info("local file removed, path unbound", "path", path, "doc", en.ID)
			return nil
		}
		content, err := c.docs.Content(ctx, en.ID)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return c.writeLocal(ctx, path, en.ID, content)

	case !isBound && onDisk:
		if st != nil && st.hash == ir.ContentHash(data) {
			return c.removeLocal(ctx, path)
		}
		delete(c.files, path)
		kind := ir.KindForName(path)
		id, err := c.docs.CreateAt(ctx, path, kind)
		if err != nil {
			return fmt.Errorf("%s: create and bind: %w", path, err)
		}
		c.log.Info("local file bound", "path", path, "doc", id, "kind", kind)
		return c.pushLocal(ctx, path, id, data)

	default:
		delete(c.files, path)
		return nil
	}
}

func (c *Client) synced(path string) bool {
	st, ok := c.docs.PathState(path)
	return ok && st == engine.Synced
}

// pushLocal makes the document's content equal to the file's.
func (c *Client) pushLocal(ctx context.Context, path string, id ir.DocID, data []byte) error {
	st := &fileState{id: id, hash: ir.ContentHash(data)}
	c.files[path] = st
	if err := c.docs.Replace(ctx, id, string(data)); err != nil {
		if errors.Is(err, crdt.ErrDecode) {
			st.rejected = true
			return engine.NewDecodeError(id, path, err)
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	c.log.Debug("local change pushed", "path", path, "doc", id, "bytes", len(data))
	return nil
}

// writeLocal writes content to the file at path unless the file holds
// edits not pushed yet.
func (c *Client) writeLocal(ctx context.Context, path string, id ir.DocID, content string) error {
	h := ir.ContentHash([]byte(content))
	st := c.files[path]
	if st != nil && st.hash == h {
		return nil
	}
	full := c.localPath(path)
	if st != nil {
		cur, err := afero.ReadFile(c.fs, full)
		if err == nil && ir.ContentHash(cur) != st.hash {
			c.log.Debug("remote change deferred, file has local edits", "path", path)
			return nil
		}
	}

	err := c.retry(ctx, func() error {
		if err := c.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		return afero.WriteFile(c.fs, full, []byte(content), 0o644)
	})
	if err != nil {
		return engine.NewExternalIOError(path, err)
	}
	c.files[path] = &fileState{id: id, hash: h}
	c.log.Debug("remote change written", "path", path, "doc", id, "bytes", len(content))
	return nil
}

func (c *Client) removeLocal(ctx context.Context, path string) error {
	err := c.retry(ctx, func() error {
		return c.fs.Remove(c.localPath(path))
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return engine.NewExternalIOError(path, err)
	}
	delete(c.files, path)
	c.log.Info("path unbound remotely, file removed", "path", path)
	return nil
}

func (c *Client) localPath(path string) string {
	return filepath.Join(c.cfg.Dir, filepath.FromSlash(pathindex.Rel(path, c.prefix)))
}

// walk reads every regular file under the directory, keyed by index path.
// Files that exist but cannot be read map to nil.
func (c *Client) walk(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	var result *multierror.Error

	if err := c.fs.MkdirAll(c.cfg.Dir, 0o755); err != nil {
		return out, engine.NewExternalIOError(c.prefix, err)
	}
	err := afero.Walk(c.fs, c.cfg.Dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			result = multierror.Append(result, engine.NewExternalIOError(p, err))
			return nil
		}
		if p == c.cfg.Dir {
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(c.cfg.Dir, p)
		if err != nil {
			return nil
		}
		path, err := pathindex.Normalize(pathindex.Join(c.prefix, filepath.ToSlash(rel)))
		if err != nil {
			result = multierror.Append(result, engine.NewExternalIOError(rel, err))
			return nil
		}

		var data []byte
		err = c.retry(ctx, func() error {
			var rerr error
			data, rerr = afero.ReadFile(c.fs, p)
			return rerr
		})
		if err != nil {
			result = multierror.Append(result, engine.NewExternalIOError(path, err))
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			data = nil
		} else if data == nil {
			data = []byte{}
		}
		out[path] = data
		return nil
	})
	if err != nil {
		result = multierror.Append(result, engine.NewExternalIOError(c.prefix, err))
	}
	return out, result.ErrorOrNil()
}

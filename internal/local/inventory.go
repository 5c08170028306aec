// Package local enumerates files already present on the ingestion host.
package local

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
)

// Inventory walks directory trees on an afero filesystem.
type Inventory struct {
	fs     afero.Fs
	logger *slog.Logger
}

func NewInventory(fs afero.Fs, logger *slog.Logger) *Inventory {
	return &Inventory{fs: fs, logger: logger}
}

// Fs returns the filesystem the inventory reads from.
func (i *Inventory) Fs() afero.Fs { return i.fs }

// List returns the absolute path of every regular file under roots, sorted
// and without duplicates. A missing root contributes nothing. A symbolic
// link to a regular file is listed under its own path; links to directories
// are never descended into, which keeps traversal free of cycles.
func (i *Inventory) List(ctx context.Context, roots ...string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		if _, err := i.fs.Stat(abs); err != nil {
			if os.IsNotExist(err) {
				i.logger.Debug("root does not exist", "root", abs)
				continue
			}
			return nil, err
		}
		abs = i.resolveRoot(abs)

		err = afero.Walk(i.fs, abs, func(path string, info os.FileInfo, err error) error {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if err != nil {
				i.logger.Warn("skipping unreadable entry", "path", path, "error", err)
				return nil
			}
			if info.IsDir() {
				return nil
			}
			if info.Mode()&os.ModeSymlink != 0 {
				target, err := i.fs.Stat(path)
				if err != nil || !target.Mode().IsRegular() {
					i.logger.Debug("skipping symlink", "path", path, "error", err)
					return nil
				}
			} else if !info.Mode().IsRegular() {
				return nil
			}
			if _, ok := seen[path]; ok {
				return nil
			}
			seen[path] = struct{}{}
			out = append(out, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	slices.Sort(out)
	return out, nil
}

// resolveRoot follows a symlinked root on the OS filesystem. Links below the
// root are still never followed.
func (i *Inventory) resolveRoot(abs string) string {
	lst, ok := i.fs.(afero.Lstater)
	if !ok {
		return abs
	}
	info, _, err := lst.LstatIfPossible(abs)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return abs
	}
	if _, isOS := i.fs.(*afero.OsFs); !isOS {
		return abs
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs
	}
	return resolved
}

// Expand resolves an explicit list of files and directories into the files
// whose names end in suffix. Directories are walked; entries that do not
// exist are logged and dropped. Order follows entries, duplicates removed.
func (i *Inventory) Expand(ctx context.Context, entries []string, suffix string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, entry := range entries {
		abs, err := filepath.Abs(entry)
		if err != nil {
			return nil, err
		}
		info, err := i.fs.Stat(abs)
		if err != nil {
			i.logger.Warn("ignoring missing source entry", "path", abs, "error", err)
			continue
		}
		if !info.IsDir() {
			if strings.HasSuffix(abs, suffix) {
				add(abs)
			} else {
				i.logger.Warn("ignoring source entry without expected suffix", "path", abs, "suffix", suffix)
			}
			continue
		}
		files, err := i.List(ctx, abs)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if strings.HasSuffix(f, suffix) {
				add(f)
			}
		}
	}
	return out, nil
}

// SplitList splits a comma and/or whitespace separated list of paths.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

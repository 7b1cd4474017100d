// Copyright 2025 The TagFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tagfs implements the filesystem operations over the tag
// database and backing directory. Each operation corresponds to one
// kernel filesystem callback; the fuse glue only translates types.
package tagfs

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"tagfs.dev/go/internal/bitarr"
	"tagfs.dev/go/internal/query"
	"tagfs.dev/go/internal/realdir"
	"tagfs.dev/go/internal/tagconfig"
	"tagfs.dev/go/internal/tagdb"
)

// FS is the mount context: the database, the backing directory and the
// lock serializing access to them.
//
// One readers-writer lock guards the whole database. Operations that
// only read take the read side; anything that inserts, removes, renames
// or flips tag bits takes the write side. The lock is the innermost
// lock in the process; no callback holds anything else while acquiring
// it.
type FS struct {
	mu   sync.RWMutex
	db   *tagdb.DB
	dir  *realdir.Dir
	side *os.File
	stat unix.Stat_t
	log  *slog.Logger
	cfg  tagconfig.Flags
}

// New opens the backing directory at path, loads the sidecar and
// validates the pair. A repaired load backs up the on-disk sidecar
// under a timestamped name before returning.
func New(path string, cfg tagconfig.Flags, logger *slog.Logger) (*FS, error) {
	dir, err := realdir.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := dir.Stat()
	if err != nil {
		dir.Close()
		return nil, fmt.Errorf("cannot stat backing directory: %w", err)
	}
	side, err := dir.OpenSidecar(tagdb.SidecarName)
	if err != nil {
		dir.Close()
		return nil, err
	}
	// Parse and integrity-check diagnostics go to stderr whatever the
	// log sink is.
	db, err := tagdb.Open(side, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		side.Close()
		dir.Close()
		return nil, err
	}

	switch v, err := db.Check(dir); v {
	case tagdb.Fatal:
		side.Close()
		dir.Close()
		return nil, err
	case tagdb.Repaired:
		backup, err := tagdb.BackupSidecar(dir, time.Now())
		if err != nil {
			side.Close()
			dir.Close()
			return nil, fmt.Errorf("cannot back up repaired sidecar: %w", err)
		}
		logger.Warn("tag database repaired", "backup", backup)
	}

	return &FS{
		db:   db,
		dir:  dir,
		side: side,
		stat: stat,
		log:  logger,
		cfg:  cfg,
	}, nil
}

// Dir returns the backing directory handle.
func (fs *FS) Dir() *realdir.Dir { return fs.dir }

// DB returns the tag database. Callers must not touch it while the
// filesystem serves callbacks; it exists for tests.
func (fs *FS) DB() *tagdb.DB { return fs.db }

// DirStat returns the cached stat of the backing directory, used as the
// attributes of every virtual tag directory.
func (fs *FS) DirStat() unix.Stat_t { return fs.stat }

// Destroy flushes the sidecar and releases the mount's resources.
func (fs *FS) Destroy() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := fs.db.Flush(fs.side)
	if err != nil {
		fs.log.Error("cannot flush tag database", "err", err)
	}
	if cerr := fs.side.Close(); err == nil {
		err = cerr
	}
	if cerr := fs.dir.Close(); err == nil {
		err = cerr
	}
	return err
}

// FlushSidecar rewrites the sidecar without shutting down.
func (fs *FS) FlushSidecar() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.db.Flush(fs.side)
}

// exists reports whether name resolves to an entry or a real backing
// file, without creating anything.
func (fs *FS) exists(name string) bool {
	_, err := query.Lookup(fs.db, fs.dir, name, query.CheckAll)
	return err == nil
}

// Resolve reports what kind of object the path names.
func (fs *FS) Resolve(path string) (tagdb.Kind, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	kind, _, _, err := query.Resolve(fs.db, fs.dir, path)
	return kind, err
}

// GetAttr resolves the path and stats it: tag directories (including
// the root) carry the backing directory's attributes, files the backing
// file's.
func (fs *FS) GetAttr(path string) (unix.Stat_t, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	kind, _, fname, err := query.Resolve(fs.db, fs.dir, path)
	if err != nil {
		return unix.Stat_t{}, err
	}
	if kind == tagdb.KindTag {
		return fs.stat, nil
	}
	st, serr := fs.dir.StatName(fname)
	if serr != nil {
		return unix.Stat_t{}, fmt.Errorf("cannot stat %q: %w", fname, serr)
	}
	return st, nil
}

// Dirent is one directory listing entry.
type Dirent struct {
	Name string
	Dir  bool
}

// evalDir evaluates every component of path, the trailing one
// included, as a query token.
func (fs *FS) evalDir(path string) (pos, neg bitarr.Arr, err error) {
	var tokens []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			tokens = append(tokens, c)
		}
	}
	pos = bitarr.New(fs.db.Cap())
	neg = bitarr.New(fs.db.Cap())
	if err := query.Eval(fs.db, fs.dir, tokens, pos, neg); err != nil {
		return nil, nil, err
	}
	return pos, neg, nil
}

// ReadDir lists the virtual directory named by path. Every component of
// path is a query token. Real files matching the query are listed under
// their own name; tags not fixed by the query are listed by name if a
// listed file carries them and in the dotted form otherwise, plus the
// negated form when configured.
func (fs *FS) ReadDir(path string) ([]Dirent, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	n := fs.db.Cap()
	pos, neg, err := fs.evalDir(path)
	if err != nil {
		return nil, err
	}
	anyPos := pos.Any(n, true)

	names, err := fs.dir.List()
	if err != nil {
		return nil, fmt.Errorf("cannot list backing directory: %w", err)
	}

	var out []Dirent
	// dirmask collects every tag carried by a listed file, so that the
	// tag loop below can tell live subdirectories from dotted ones.
	dirmask := bitarr.New(n)
	for _, name := range names {
		if tagdb.Reserved(name) {
			continue
		}
		if e := fs.db.Get(name); e != nil {
			if e.Kind() != tagdb.KindFile {
				continue
			}
			if !e.Tags().Match(n, pos, neg) {
				continue
			}
			dirmask.OrAssign(n, e.Tags())
		} else if anyPos {
			// An untagged real file matches purely negative queries only.
			continue
		}
		out = append(out, Dirent{Name: name})
	}

	fs.db.ForEach(func(e *tagdb.Entry) bool {
		if e.Kind() != tagdb.KindTag {
			return true
		}
		id := e.TagID()
		if neg.Get(id) || (anyPos && pos.Get(id)) {
			return true
		}
		if dirmask.Get(id) {
			out = append(out, Dirent{Name: e.Name(), Dir: true})
		} else {
			out = append(out, Dirent{Name: "." + e.Name(), Dir: true})
		}
		if fs.cfg.ListNegatedTags {
			out = append(out, Dirent{Name: "-" + e.Name(), Dir: true})
		}
		return true
	})
	return out, nil
}

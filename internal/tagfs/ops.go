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

package tagfs

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"tagfs.dev/go/internal/bitarr"
	"tagfs.dev/go/internal/query"
	"tagfs.dev/go/internal/tagdb"
)

// Mknod creates a real file in the backing directory and, when the path
// has a query part, a file entry carrying the path's positive tags. A
// file created at the root gets no entry. If creating the real file
// fails the entry is rolled back.
func (fs *FS) Mknod(path string, mode uint32, dev uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	tokens, fname := query.Split(path)
	if fs.exists(fname) || tagdb.Reserved(fname) {
		return fmt.Errorf("cannot create %q: %w", fname, tagdb.ErrExist)
	}
	if strings.HasPrefix(fname, "-") {
		return fmt.Errorf("cannot create %q: name starts with the negation character: %w", fname, tagdb.ErrInvalid)
	}

	var e *tagdb.Entry
	if len(tokens) > 0 {
		n := fs.db.Cap()
		pos, neg := bitarr.New(n), bitarr.New(n)
		if err := query.Eval(fs.db, fs.dir, tokens, pos, neg); err != nil {
			return err
		}
		var err error
		e, err = fs.db.Insert(fname, tagdb.KindFile)
		if err != nil {
			return err
		}
		// A fresh entry's tags are exactly the query's positive mask.
		e.Tags().CopyFrom(n, pos)
	}

	if err := fs.dir.Mknod(fname, mode, dev); err != nil {
		if e != nil {
			fs.db.RemoveEntry(e)
		}
		return fmt.Errorf("cannot create %q: %w", fname, err)
	}
	return nil
}

// Mkdir creates a tag. The requested mode must agree with the backing
// directory's, since every tag directory presents those attributes.
func (fs *FS) Mkdir(path string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if mode&0o777 != fs.stat.Mode&0o777 {
		return fmt.Errorf("cannot create tag with mode %o: %w", mode&0o777, tagdb.ErrNotSupported)
	}

	tokens, fname := query.Split(path)
	if len(tokens) > 0 {
		n := fs.db.Cap()
		if err := query.Eval(fs.db, fs.dir, tokens, bitarr.New(n), bitarr.New(n)); err != nil {
			return err
		}
	}
	if fs.exists(fname) || tagdb.Reserved(fname) || query.SpecialDir(fname) {
		return fmt.Errorf("cannot create tag %q: %w", fname, tagdb.ErrExist)
	}
	if strings.HasPrefix(fname, "-") {
		return fmt.Errorf("cannot create tag %q: name starts with the negation character: %w", fname, tagdb.ErrInvalid)
	}
	if fs.cfg.BlockTrashCreation && strings.HasPrefix(fname, ".Trash") {
		return fmt.Errorf("cannot create trash tag %q: %w", fname, tagdb.ErrInvalid)
	}

	_, err := fs.db.Insert(fname, tagdb.KindTag)
	return err
}

// Unlink removes the entry for path and, for files, the backing file.
func (fs *FS) Unlink(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	kind, e, fname, err := query.Resolve(fs.db, fs.dir, path)
	if err != nil {
		return err
	}
	if e != nil {
		fs.db.RemoveEntry(e)
	}
	if kind == tagdb.KindFile {
		if err := fs.dir.Unlink(fname); err != nil {
			return fmt.Errorf("cannot unlink %q: %w", fname, err)
		}
	}
	return nil
}

// Rmdir removes a tag. The files carrying it keep their other tags.
func (fs *FS) Rmdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	kind, e, _, err := query.Resolve(fs.db, fs.dir, path)
	if err != nil {
		return err
	}
	if kind != tagdb.KindTag {
		return fmt.Errorf("cannot remove %q: %w", path, tagdb.ErrNotDir)
	}
	if e != nil {
		fs.db.RemoveEntry(e)
	}
	return nil
}

// Rename moves a file or tag to the name and tag set described by the
// target path. For files the target query rewrites the tag bits: with
// relative rename the positive tags are added and the negated ones
// removed (a bare target clears all tags); otherwise the tags are
// overwritten with the positive mask. A changed trailing name renames
// the backing file and re-keys the entry.
func (fs *FS) Rename(from, to string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	kind, e, ofname, err := query.Resolve(fs.db, fs.dir, from)
	if err != nil {
		return err
	}

	tokens, nfname := query.Split(to)
	if tagdb.Reserved(nfname) || query.SpecialDir(nfname) || strings.HasPrefix(nfname, "-") {
		return fmt.Errorf("cannot rename to %q: %w", nfname, tagdb.ErrInvalid)
	}
	n := fs.db.Cap()
	pos, neg := bitarr.New(n), bitarr.New(n)
	if err := query.Eval(fs.db, fs.dir, tokens, pos, neg); err != nil {
		return err
	}

	if kind == tagdb.KindFile {
		en := e
		if en == nil && pos.Any(n, true) {
			// A loose real file gains an entry once it is tagged.
			en, err = fs.db.Insert(nfname, tagdb.KindFile)
			if err != nil {
				return err
			}
		}
		if en != nil {
			switch {
			case !fs.cfg.RelativeRename:
				en.Tags().CopyFrom(n, pos)
			case !pos.Any(n, true) && !neg.Any(n, true):
				en.Tags().Fill(n, false)
			default:
				en.Tags().Merge(n, pos, neg)
			}
		}
	}

	if nfname != ofname {
		if e != nil && fs.db.Get(nfname) != nil {
			return fmt.Errorf("cannot rename %q to %q: %w", ofname, nfname, tagdb.ErrExist)
		}
		if kind == tagdb.KindFile {
			if err := fs.dir.Rename(ofname, nfname); err != nil {
				return fmt.Errorf("cannot rename %q to %q: %w", ofname, nfname, err)
			}
		}
		if e != nil {
			return fs.db.Rename(e, nfname)
		}
	}
	return nil
}

// Truncate changes the backing file's length.
func (fs *FS) Truncate(path string, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	kind, _, fname, err := query.Resolve(fs.db, fs.dir, path)
	if err != nil {
		return err
	}
	if kind != tagdb.KindFile {
		return fmt.Errorf("cannot truncate %q: %w", path, tagdb.ErrIsDir)
	}
	fd, err := fs.dir.OpenFile(fname, unix.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", fname, err)
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, size); err != nil {
		return fmt.Errorf("cannot truncate %q: %w", fname, err)
	}
	return nil
}

// Utimens updates a backing file's timestamps. Virtual tag directories
// have no timestamps of their own.
func (fs *FS) Utimens(path string, ts []unix.Timespec) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	kind, _, fname, err := query.Resolve(fs.db, fs.dir, path)
	if err != nil {
		return err
	}
	if kind != tagdb.KindFile {
		return fmt.Errorf("cannot set times on %q: %w", path, tagdb.ErrNotSupported)
	}
	if err := fs.dir.Utimens(fname, ts); err != nil {
		return fmt.Errorf("cannot set times on %q: %w", fname, err)
	}
	return nil
}

// resolveFile resolves path to a backing file name, with the caller
// holding either lock side.
func (fs *FS) resolveFile(path string) (string, error) {
	kind, _, fname, err := query.Resolve(fs.db, fs.dir, path)
	if err != nil {
		return "", err
	}
	if kind != tagdb.KindFile {
		return "", fmt.Errorf("%q: %w", path, tagdb.ErrIsDir)
	}
	return fname, nil
}

// Getxattr reads an extended attribute of the backing file.
func (fs *FS) Getxattr(path, attr string) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	fname, err := fs.resolveFile(path)
	if err != nil {
		return nil, err
	}
	return xattrGet(func(dst []byte) (int, error) {
		return fs.dir.Getxattr(fname, attr, dst)
	})
}

// Listxattr lists the backing file's extended attribute names. Tag
// directories have none.
func (fs *FS) Listxattr(path string) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	kind, _, fname, err := query.Resolve(fs.db, fs.dir, path)
	if err != nil {
		return nil, err
	}
	if kind != tagdb.KindFile {
		return nil, nil
	}
	return xattrGet(func(dst []byte) (int, error) {
		return fs.dir.Listxattr(fname, dst)
	})
}

// Setxattr sets an extended attribute on the backing file.
func (fs *FS) Setxattr(path, attr string, data []byte, flags int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fname, err := fs.resolveFile(path)
	if err != nil {
		return err
	}
	if err := fs.dir.Setxattr(fname, attr, data, flags); err != nil {
		return fmt.Errorf("cannot set xattr %q on %q: %w", attr, fname, err)
	}
	return nil
}

// Removexattr removes an extended attribute from the backing file.
func (fs *FS) Removexattr(path, attr string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fname, err := fs.resolveFile(path)
	if err != nil {
		return err
	}
	if err := fs.dir.Removexattr(fname, attr); err != nil {
		return fmt.Errorf("cannot remove xattr %q from %q: %w", attr, fname, err)
	}
	return nil
}

// xattrGet sizes and fetches a variable-length attribute value,
// retrying if it grows between the two calls.
func xattrGet(get func(dst []byte) (int, error)) ([]byte, error) {
	for {
		n, err := get(nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		buf := make([]byte, n)
		n, err = get(buf)
		if err == unix.ERANGE {
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
}

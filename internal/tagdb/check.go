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

package tagdb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"tagfs.dev/go/internal/realdir"
)

// Verdict is the outcome of an integrity check.
type Verdict int

const (
	// Clean means the database agrees with the backing directory.
	Clean Verdict = iota
	// Repaired means stale entries were removed; the caller should back
	// up the on-disk sidecar before overwriting it.
	Repaired
	// Fatal means the database or the backing directory is in a state
	// the mount cannot proceed from.
	Fatal
)

func (v Verdict) String() string {
	switch v {
	case Clean:
		return "clean"
	case Repaired:
		return "repaired"
	}
	return "fatal"
}

// Reserved reports whether name is reserved for the sidecar and its
// backups.
func Reserved(name string) bool {
	return strings.HasPrefix(name, SidecarName)
}

// Check validates the database against the backing directory.
//
// Entries with reserved or malformed names, tags shadowing a real file,
// and file entries backed by a directory are fatal. A file entry whose
// backing file is gone is removed and the check reports Repaired. The
// backing directory itself must not contain subdirectories, names
// starting with the negation character, or files shadowing a tag's
// dotted form.
func (db *DB) Check(dir *realdir.Dir) (Verdict, error) {
	var errs []error
	fatal := func(format string, args ...any) {
		err := fmt.Errorf(format, args...)
		db.log.Error("tag database invalid", "err", err)
		errs = append(errs, err)
	}

	verdict := Clean
	db.entries.foreach(func(e *Entry) bool {
		name := e.Name()
		switch {
		case name == "":
			fatal("empty entry name")
			return true
		case name[0] == NegChar:
			fatal("entry name %q may not start with %q", name, string(NegChar))
			return true
		case strings.Contains(name, "/"):
			fatal("entry name %q may not contain '/'", name)
			return true
		case Reserved(name):
			fatal("entry name %q is reserved for the tag database", name)
			return true
		case name[0] == '.' && db.entries.get(name[1:]) != nil:
			fatal("entry name %q shadows entry %q", name, name[1:])
			return true
		}

		st, serr := dir.StatName(name)
		exists := serr == nil

		if e.Kind() == KindFile {
			if !exists {
				db.log.Warn("removing entry for missing file", "file", name, "err", serr)
				db.RemoveEntry(e)
				if verdict == Clean {
					verdict = Repaired
				}
				return true
			}
			if st.Mode&unix.S_IFMT == unix.S_IFDIR {
				fatal("file entry %q is a directory", name)
			}
		} else if exists {
			fatal("tag %q conflicts with an existing file: %w", name, ErrConflict)
		}
		return true
	})

	names, err := dir.List()
	if err != nil {
		return Fatal, fmt.Errorf("cannot list backing directory: %w", err)
	}
	for _, name := range names {
		if Reserved(name) {
			continue
		}
		if name[0] == NegChar {
			fatal("real file %q starts with the negation character", name)
			continue
		}
		if name[0] == '.' {
			if t := db.entries.get(name[1:]); t != nil && t.Kind() == KindTag {
				fatal("real file %q shadows the dotted form of tag %q", name, name[1:])
				continue
			}
		}
		st, serr := dir.StatName(name)
		if serr == nil && st.Mode&unix.S_IFMT == unix.S_IFDIR {
			fatal("backing directory contains directory %q", name)
		}
	}

	if len(errs) > 0 {
		return Fatal, fmt.Errorf("%w: %w", ErrCorrupt, errors.Join(errs...))
	}
	return verdict, nil
}

// BackupSidecar copies the on-disk sidecar to a timestamped backup
// (".tagdb.YYYY-MM-DD", with an " (n)" suffix on collision) and returns
// the backup's name.
func BackupSidecar(dir *realdir.Dir, now time.Time) (string, error) {
	base := SidecarName + "." + now.Format("2006-01-02")
	name := base
	for n := 1; dir.Exists(name); n++ {
		name = fmt.Sprintf("%s (%d)", base, n)
	}

	srcFD, err := dir.OpenFile(SidecarName, unix.O_RDONLY, 0)
	if err != nil {
		return "", fmt.Errorf("cannot open sidecar for backup: %w", err)
	}
	src := os.NewFile(uintptr(srcFD), SidecarName)
	defer src.Close()

	dstFD, err := dir.OpenFile(name, unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL, 0664)
	if err != nil {
		return "", fmt.Errorf("cannot create backup %s: %w", name, err)
	}
	dst := os.NewFile(uintptr(dstFD), name)
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("cannot copy sidecar to %s: %w", name, err)
	}
	return name, nil
}

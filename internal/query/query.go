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

// Package query turns filesystem paths into tag queries and resolves
// their trailing component against the tag database.
//
// A path's non-trailing components form a conjunctive query: each token
// must name a tag, optionally negated with a leading '-' or presented
// in the dotted form a listing uses for tags absent from the query. The
// trailing component names a file or tag under disambiguation rules
// selected by a flag set.
package query

import (
	"fmt"
	"strings"

	"tagfs.dev/go/internal/bitarr"
	"tagfs.dev/go/internal/realdir"
	"tagfs.dev/go/internal/tagdb"
)

// Flags select which resolutions Lookup accepts.
type Flags uint8

const (
	// AcceptFile accepts file entries.
	AcceptFile Flags = 1 << iota
	// AcceptTag accepts tag entries.
	AcceptTag
	// Materialize checks for real files in the backing directory and
	// creates an entry for them. Only meaningful with AcceptFile.
	Materialize
	// CheckDot accepts tags through their dotted form. Only meaningful
	// with AcceptTag.
	CheckDot
	// NoCreate suppresses entry creation under Materialize: a real file
	// without an entry resolves to no entry and no error.
	NoCreate
	// CheckNeg accepts tags through their negated form. Only meaningful
	// with AcceptTag.
	CheckNeg

	// CheckAll looks for any kind of entry, checks dotted tags and
	// existing real files, without creating entries.
	CheckAll = AcceptFile | AcceptTag | Materialize | CheckDot | NoCreate
)

// SpecialDir reports whether name is one of the virtual directory
// names every directory contains.
func SpecialDir(name string) bool {
	return name == "" || name == "." || name == ".."
}

// Split breaks a slash-separated path into its query tokens and
// trailing filename.
func Split(path string) (query []string, fname string) {
	path = strings.TrimPrefix(path, "/")
	comps := strings.Split(path, "/")
	fname = comps[len(comps)-1]
	for _, c := range comps[:len(comps)-1] {
		if c != "" {
			query = append(query, c)
		}
	}
	return query, fname
}

// Lookup resolves a single name to a database entry under the given
// flags.
//
// An exact match is returned if its kind is accepted and fails
// otherwise; then the dotted and negated tag forms are tried; then,
// under Materialize, a real backing file is materialized as a fresh
// file entry. With NoCreate a real file without an entry yields
// (nil, nil). Reserved names never materialize.
func Lookup(db *tagdb.DB, dir *realdir.Dir, name string, flags Flags) (*tagdb.Entry, error) {
	if flags&(AcceptFile|AcceptTag) == 0 {
		return nil, fmt.Errorf("lookup of %q accepts no entry kind: %w", name, tagdb.ErrInvalid)
	}

	if e := db.Get(name); e != nil {
		if e.Kind() == tagdb.KindFile {
			if flags&AcceptFile != 0 {
				return e, nil
			}
			return nil, fmt.Errorf("%q: %w", name, tagdb.ErrNotDir)
		}
		if flags&AcceptTag != 0 {
			return e, nil
		}
		return nil, fmt.Errorf("%q: %w", name, tagdb.ErrIsDir)
	}

	if flags&(CheckDot|AcceptTag) == CheckDot|AcceptTag && strings.HasPrefix(name, ".") {
		if e := db.Get(name[1:]); e != nil && e.Kind() == tagdb.KindTag {
			return e, nil
		}
	} else if flags&(CheckNeg|AcceptTag) == CheckNeg|AcceptTag && strings.HasPrefix(name, "-") {
		if e := db.Get(name[1:]); e != nil && e.Kind() == tagdb.KindTag {
			return e, nil
		}
	}

	if flags&(Materialize|AcceptFile) == Materialize|AcceptFile &&
		!tagdb.Reserved(name) && !SpecialDir(name) && dir.Exists(name) {
		if flags&NoCreate != 0 {
			return nil, nil
		}
		return db.Insert(name, tagdb.KindFile)
	}

	return nil, fmt.Errorf("%q: %w", name, tagdb.ErrNotFound)
}

// Eval evaluates query tokens into the positive and negative masks,
// which must be zeroed and of the database's capacity. A token that
// does not name a tag fails the query; fixing a tag both positively and
// negatively makes the query unsatisfiable and fails with ErrNotFound.
func Eval(db *tagdb.DB, dir *realdir.Dir, tokens []string, pos, neg bitarr.Arr) error {
	for _, tok := range tokens {
		want := pos
		other := neg
		flags := AcceptTag | CheckDot
		if strings.HasPrefix(tok, "-") {
			tok = tok[1:]
			want, other = neg, pos
			flags = AcceptTag
		}
		e, err := Lookup(db, dir, tok, flags)
		if err != nil {
			return err
		}
		if other.Get(e.TagID()) {
			return fmt.Errorf("query fixes tag %q both ways: %w", tok, tagdb.ErrNotFound)
		}
		want.Set(e.TagID(), true)
	}
	return nil
}

// EvalPath splits path and evaluates its query part, returning freshly
// allocated masks (nil when the path has no query part) and the
// trailing filename.
func EvalPath(db *tagdb.DB, dir *realdir.Dir, path string) (pos, neg bitarr.Arr, fname string, err error) {
	tokens, fname := Split(path)
	if len(tokens) == 0 {
		return nil, nil, fname, nil
	}
	pos = bitarr.New(db.Cap())
	neg = bitarr.New(db.Cap())
	if err := Eval(db, dir, tokens, pos, neg); err != nil {
		return nil, nil, "", err
	}
	return pos, neg, fname, nil
}

// Resolve resolves a full path to the kind of entry it names.
//
// The query part is evaluated first; the trailing component is then
// looked up with every disambiguation enabled but without creating
// entries. File entries must match the query masks. The root and the
// special directory names resolve to a tag kind with no entry; a real
// file without an entry resolves to a file kind with no entry, provided
// the query has no positive constraint.
func Resolve(db *tagdb.DB, dir *realdir.Dir, path string) (tagdb.Kind, *tagdb.Entry, string, error) {
	pos, neg, fname, err := EvalPath(db, dir, path)
	if err != nil {
		return tagdb.KindNone, nil, "", err
	}

	if SpecialDir(fname) {
		return tagdb.KindTag, nil, fname, nil
	}
	if tagdb.Reserved(fname) {
		return tagdb.KindNone, nil, "", fmt.Errorf("%q: %w", fname, tagdb.ErrNotFound)
	}

	e, err := Lookup(db, dir, fname, CheckAll|CheckNeg)
	if err != nil {
		return tagdb.KindNone, nil, "", err
	}
	if e != nil {
		if e.Kind() == tagdb.KindFile && pos != nil && !e.Tags().Match(db.Cap(), pos, neg) {
			return tagdb.KindNone, nil, "", fmt.Errorf("%q does not match the query: %w", fname, tagdb.ErrNotFound)
		}
		return e.Kind(), e, fname, nil
	}

	// A real file without an entry carries no tags, so any positive
	// constraint excludes it.
	if pos != nil && pos.Any(db.Cap(), true) {
		return tagdb.KindNone, nil, "", fmt.Errorf("%q does not match the query: %w", fname, tagdb.ErrNotFound)
	}
	return tagdb.KindFile, nil, fname, nil
}

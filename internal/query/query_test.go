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

package query

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"

	"tagfs.dev/go/internal/realdir"
	"tagfs.dev/go/internal/tagdb"
)

func openTemp(t *testing.T) (*realdir.Dir, string) {
	t.Helper()
	path := t.TempDir()
	dir, err := realdir.Open(path)
	qt.Assert(t, qt.IsNil(err))
	t.Cleanup(func() { dir.Close() })
	return dir, path
}

// newDB builds a database with tags red, blue, live and file "a"
// carrying red and blue, backed by a real file.
func newDB(t *testing.T) (*tagdb.DB, *realdir.Dir) {
	t.Helper()
	dir, path := openTemp(t)
	qt.Assert(t, qt.IsNil(os.WriteFile(filepath.Join(path, "a"), nil, 0o644)))

	db := tagdb.New(nil)
	for _, name := range []string{"red", "blue", "live"} {
		_, err := db.Insert(name, tagdb.KindTag)
		qt.Assert(t, qt.IsNil(err))
	}
	a, err := db.Insert("a", tagdb.KindFile)
	qt.Assert(t, qt.IsNil(err))
	a.SetTag(db.Get("red").TagID(), true)
	a.SetTag(db.Get("blue").TagID(), true)
	return db, dir
}

func TestSplit(t *testing.T) {
	tests := []struct {
		path  string
		query []string
		fname string
	}{
		{"/", nil, ""},
		{"/a", nil, "a"},
		{"/red/a", []string{"red"}, "a"},
		{"/red/-live/a", []string{"red", "-live"}, "a"},
		{"red/a", []string{"red"}, "a"},
		{"/red/", []string{"red"}, ""},
	}
	for _, tc := range tests {
		query, fname := Split(tc.path)
		qt.Assert(t, qt.DeepEquals(query, tc.query), qt.Commentf("path %q", tc.path))
		qt.Assert(t, qt.Equals(fname, tc.fname), qt.Commentf("path %q", tc.path))
	}
}

func TestResolveRoot(t *testing.T) {
	db, dir := newDB(t)
	kind, e, fname, err := Resolve(db, dir, "/")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(kind, tagdb.KindTag))
	qt.Assert(t, qt.IsNil(e))
	qt.Assert(t, qt.Equals(fname, ""))
}

func TestResolveFileUnderQueryPermutations(t *testing.T) {
	db, dir := newDB(t)
	a := db.Get("a")
	for _, path := range []string{
		"/a",
		"/red/a",
		"/blue/a",
		"/red/blue/a",
		"/blue/red/a",
	} {
		kind, e, fname, err := Resolve(db, dir, path)
		qt.Assert(t, qt.IsNil(err), qt.Commentf("path %q", path))
		qt.Assert(t, qt.Equals(kind, tagdb.KindFile))
		qt.Assert(t, qt.Equals(e, a))
		qt.Assert(t, qt.Equals(fname, "a"))
	}
}

func TestResolveNegation(t *testing.T) {
	db, dir := newDB(t)

	// A tag the file does not carry excludes it positively...
	_, _, _, err := Resolve(db, dir, "/live/a")
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrNotFound))

	// ...and admits it negated.
	kind, e, _, err := Resolve(db, dir, "/-live/a")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(kind, tagdb.KindFile))
	qt.Assert(t, qt.Equals(e, db.Get("a")))

	// A carried tag negated excludes.
	_, _, _, err = Resolve(db, dir, "/-red/a")
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrNotFound))
}

func TestResolveUnsatisfiable(t *testing.T) {
	db, dir := newDB(t)
	_, _, _, err := Resolve(db, dir, "/red/-red/a")
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrNotFound))
	_, _, _, err = Resolve(db, dir, "/-red/red/anything")
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrNotFound))
}

func TestResolveUnknownTag(t *testing.T) {
	db, dir := newDB(t)
	_, _, _, err := Resolve(db, dir, "/nope/a")
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrNotFound))
}

func TestResolveDottedAndNegatedForms(t *testing.T) {
	db, dir := newDB(t)

	// Dotted tags resolve in queries and as the trailing component.
	kind, e, _, err := Resolve(db, dir, "/red/.blue/a")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(kind, tagdb.KindFile))
	qt.Assert(t, qt.Equals(e, db.Get("a")))

	kind, e, fname, err := Resolve(db, dir, "/red/.blue")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(kind, tagdb.KindTag))
	qt.Assert(t, qt.Equals(e, db.Get("blue")))
	qt.Assert(t, qt.Equals(fname, ".blue"))

	// The negated form resolves as a trailing component only.
	kind, e, _, err = Resolve(db, dir, "/-red")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(kind, tagdb.KindTag))
	qt.Assert(t, qt.Equals(e, db.Get("red")))

	// But not inside a query token: "-.blue" strips '-', and ".blue"
	// is not looked up dotted there.
	_, _, _, err = Resolve(db, dir, "/-.blue/a")
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrNotFound))
}

func TestResolveSidecarHidden(t *testing.T) {
	db, dir := newDB(t)
	_, _, _, err := Resolve(db, dir, "/.tagdb")
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrNotFound))
	_, _, _, err = Resolve(db, dir, "/.tagdb.2025-01-01")
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrNotFound))
}

func TestResolveRealFileWithoutEntry(t *testing.T) {
	dir, path := openTemp(t)
	qt.Assert(t, qt.IsNil(os.WriteFile(filepath.Join(path, "loose"), nil, 0o644)))
	db := tagdb.New(nil)
	_, err := db.Insert("red", tagdb.KindTag)
	qt.Assert(t, qt.IsNil(err))

	// Resolution must not create an entry.
	kind, e, fname, err := Resolve(db, dir, "/loose")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(kind, tagdb.KindFile))
	qt.Assert(t, qt.IsNil(e))
	qt.Assert(t, qt.Equals(fname, "loose"))
	qt.Assert(t, qt.IsNil(db.Get("loose")))

	// Any positive constraint excludes an untagged real file...
	_, _, _, err = Resolve(db, dir, "/red/loose")
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrNotFound))

	// ...but a purely negative query admits it.
	kind, _, _, err = Resolve(db, dir, "/-red/loose")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(kind, tagdb.KindFile))
}

func TestLookupKindFiltering(t *testing.T) {
	db, dir := newDB(t)

	_, err := Lookup(db, dir, "a", AcceptTag)
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrNotDir))

	_, err = Lookup(db, dir, "red", AcceptFile)
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrIsDir))

	_, err = Lookup(db, dir, "a", 0)
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrInvalid))
}

func TestLookupMaterialize(t *testing.T) {
	dir, path := openTemp(t)
	qt.Assert(t, qt.IsNil(os.WriteFile(filepath.Join(path, "loose"), nil, 0o644)))
	db := tagdb.New(nil)

	// NoCreate reports existence without creating.
	e, err := Lookup(db, dir, "loose", AcceptFile|Materialize|NoCreate)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(e))
	qt.Assert(t, qt.IsNil(db.Get("loose")))

	// Without NoCreate a fresh untagged entry appears.
	e, err = Lookup(db, dir, "loose", AcceptFile|Materialize)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNotNil(e))
	qt.Assert(t, qt.Equals(e.Kind(), tagdb.KindFile))
	qt.Assert(t, qt.Equals(e.Tags().Count(db.Cap(), true), 0))
	qt.Assert(t, qt.Equals(db.Get("loose"), e))
}

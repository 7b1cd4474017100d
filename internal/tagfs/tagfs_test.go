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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/go-quicktest/qt"
	"golang.org/x/sys/unix"

	"tagfs.dev/go/internal/tagconfig"
	"tagfs.dev/go/internal/tagdb"
)

func newFS(t *testing.T, cfg tagconfig.Flags) (*FS, string) {
	t.Helper()
	path := t.TempDir()
	fs, err := New(path, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	qt.Assert(t, qt.IsNil(err))
	t.Cleanup(func() { fs.Destroy() })
	return fs, path
}

func names(ents []Dirent) []string {
	var out []string
	for _, e := range ents {
		out = append(out, e.Name)
	}
	sort.Strings(out)
	return out
}

func dirMode(fs *FS) uint32 {
	return fs.DirStat().Mode & 0o777
}

// Create, tag, list.
func TestCreateTagList(t *testing.T) {
	fs, _ := newFS(t, tagconfig.Default())

	qt.Assert(t, qt.IsNil(fs.Mknod("/a", 0o644|unix.S_IFREG, 0)))
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	qt.Assert(t, qt.IsNil(fs.Rename("/a", "/red/a")))

	ents, err := fs.ReadDir("/red")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(names(ents), []string{"a"}))

	ents, err = fs.ReadDir("/")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(names(ents), []string{"-red", "a", "red"}))
}

// Negation hides.
func TestNegationHides(t *testing.T) {
	fs, _ := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(fs.Mknod("/a", 0o644|unix.S_IFREG, 0)))
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	qt.Assert(t, qt.IsNil(fs.Rename("/a", "/red/a")))

	ents, err := fs.ReadDir("/-red")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(ents, 0))
}

// Dotted tag in a mixed listing.
func TestDottedTagListing(t *testing.T) {
	fs, _ := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	qt.Assert(t, qt.IsNil(fs.Mkdir("/blue", dirMode(fs))))
	qt.Assert(t, qt.IsNil(fs.Mknod("/red/a", 0o644|unix.S_IFREG, 0)))
	qt.Assert(t, qt.IsNil(fs.Mknod("/blue/b", 0o644|unix.S_IFREG, 0)))

	ents, err := fs.ReadDir("/red")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(names(ents), []string{"-blue", ".blue", "a"}))

	// Without the switch the negated form disappears.
	cfg := tagconfig.Default()
	cfg.ListNegatedTags = false
	fs2, _ := newFS(t, cfg)
	qt.Assert(t, qt.IsNil(fs2.Mkdir("/red", dirMode(fs2))))
	qt.Assert(t, qt.IsNil(fs2.Mkdir("/blue", dirMode(fs2))))
	qt.Assert(t, qt.IsNil(fs2.Mknod("/red/a", 0o644|unix.S_IFREG, 0)))
	ents, err = fs2.ReadDir("/red")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(names(ents), []string{".blue", "a"}))
}

// Shadow rejection.
func TestMkdirShadowingRealFile(t *testing.T) {
	fs, path := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(os.WriteFile(filepath.Join(path, "foo"), nil, 0o644)))
	qt.Assert(t, qt.ErrorIs(fs.Mkdir("/foo", dirMode(fs)), tagdb.ErrExist))
}

// Repair on reopen.
func TestRepairOnOpen(t *testing.T) {
	path := t.TempDir()
	qt.Assert(t, qt.IsNil(os.WriteFile(filepath.Join(path, tagdb.SidecarName), []byte("red\na\n\n"), 0o644)))

	fs, err := New(path, tagconfig.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	qt.Assert(t, qt.IsNil(err))
	defer fs.Destroy()

	qt.Assert(t, qt.IsNil(fs.DB().Get("a")))
	backups, err := filepath.Glob(filepath.Join(path, tagdb.SidecarName+".*"))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(backups, 1))
}

func TestFatalOpen(t *testing.T) {
	path := t.TempDir()
	qt.Assert(t, qt.IsNil(os.WriteFile(filepath.Join(path, tagdb.SidecarName), []byte("red\n\n"), 0o644)))
	qt.Assert(t, qt.IsNil(os.WriteFile(filepath.Join(path, "red"), nil, 0o644)))

	_, err := New(path, tagconfig.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrCorrupt))
}

func TestGetAttr(t *testing.T) {
	fs, _ := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	qt.Assert(t, qt.IsNil(fs.Mknod("/red/a", 0o644|unix.S_IFREG, 0)))

	st, err := fs.GetAttr("/")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(st.Mode&unix.S_IFMT, uint32(unix.S_IFDIR)))

	st, err = fs.GetAttr("/red")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(st.Mode&unix.S_IFMT, uint32(unix.S_IFDIR)))

	st, err = fs.GetAttr("/red/a")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(st.Mode&unix.S_IFMT, uint32(unix.S_IFREG)))

	_, err = fs.GetAttr("/red/missing")
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrNotFound))
}

func TestMknodRejections(t *testing.T) {
	fs, _ := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(fs.Mknod("/a", 0o644|unix.S_IFREG, 0)))
	qt.Assert(t, qt.ErrorIs(fs.Mknod("/a", 0o644|unix.S_IFREG, 0), tagdb.ErrExist))
	qt.Assert(t, qt.ErrorIs(fs.Mknod("/-a", 0o644|unix.S_IFREG, 0), tagdb.ErrInvalid))
	qt.Assert(t, qt.ErrorIs(fs.Mknod("/.tagdb", 0o644|unix.S_IFREG, 0), tagdb.ErrExist))
}

func TestMkdirRejections(t *testing.T) {
	fs, _ := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.ErrorIs(fs.Mkdir("/red", dirMode(fs)^0o111), tagdb.ErrNotSupported))
	qt.Assert(t, qt.ErrorIs(fs.Mkdir("/-red", dirMode(fs)), tagdb.ErrInvalid))
	qt.Assert(t, qt.ErrorIs(fs.Mkdir("/.Trash-1000", dirMode(fs)), tagdb.ErrInvalid))
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	qt.Assert(t, qt.ErrorIs(fs.Mkdir("/red", dirMode(fs)), tagdb.ErrExist))
}

func TestMkdirTrashAllowedWhenConfigured(t *testing.T) {
	cfg := tagconfig.Default()
	cfg.BlockTrashCreation = false
	fs, _ := newFS(t, cfg)
	qt.Assert(t, qt.IsNil(fs.Mkdir("/.Trash-1000", dirMode(fs))))
}

func TestUnlink(t *testing.T) {
	fs, path := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	qt.Assert(t, qt.IsNil(fs.Mknod("/red/a", 0o644|unix.S_IFREG, 0)))

	qt.Assert(t, qt.IsNil(fs.Unlink("/red/a")))
	qt.Assert(t, qt.IsNil(fs.DB().Get("a")))
	_, err := os.Stat(filepath.Join(path, "a"))
	qt.Assert(t, qt.IsTrue(os.IsNotExist(err)))

	// A loose real file unlinks too.
	qt.Assert(t, qt.IsNil(os.WriteFile(filepath.Join(path, "loose"), nil, 0o644)))
	qt.Assert(t, qt.IsNil(fs.Unlink("/loose")))
	_, err = os.Stat(filepath.Join(path, "loose"))
	qt.Assert(t, qt.IsTrue(os.IsNotExist(err)))
}

func TestRmdir(t *testing.T) {
	fs, _ := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	qt.Assert(t, qt.IsNil(fs.Mknod("/red/a", 0o644|unix.S_IFREG, 0)))

	qt.Assert(t, qt.IsNil(fs.Rmdir("/red")))
	qt.Assert(t, qt.IsNil(fs.DB().Get("red")))
	// The file survives its tag.
	qt.Assert(t, qt.IsNotNil(fs.DB().Get("a")))

	qt.Assert(t, qt.ErrorIs(fs.Rmdir("/a"), tagdb.ErrNotDir))
}

func TestRenameRelative(t *testing.T) {
	fs, _ := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	qt.Assert(t, qt.IsNil(fs.Mkdir("/blue", dirMode(fs))))
	qt.Assert(t, qt.IsNil(fs.Mknod("/red/a", 0o644|unix.S_IFREG, 0)))

	// Union: moving into blue keeps red.
	qt.Assert(t, qt.IsNil(fs.Rename("/red/a", "/blue/a")))
	a := fs.DB().Get("a")
	qt.Assert(t, qt.IsTrue(a.HasTag(fs.DB().Get("red").TagID())))
	qt.Assert(t, qt.IsTrue(a.HasTag(fs.DB().Get("blue").TagID())))

	// Subtraction through a negated target component.
	qt.Assert(t, qt.IsNil(fs.Rename("/a", "/-red/a")))
	qt.Assert(t, qt.IsFalse(a.HasTag(fs.DB().Get("red").TagID())))
	qt.Assert(t, qt.IsTrue(a.HasTag(fs.DB().Get("blue").TagID())))

	// A bare target clears every tag.
	qt.Assert(t, qt.IsNil(fs.Rename("/blue/a", "/a")))
	qt.Assert(t, qt.Equals(a.Tags().Count(fs.DB().Cap(), true), 0))
}

func TestRenameOverwrite(t *testing.T) {
	cfg := tagconfig.Default()
	cfg.RelativeRename = false
	fs, _ := newFS(t, cfg)
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	qt.Assert(t, qt.IsNil(fs.Mkdir("/blue", dirMode(fs))))
	qt.Assert(t, qt.IsNil(fs.Mknod("/red/a", 0o644|unix.S_IFREG, 0)))

	// Overwrite: moving into blue drops red.
	qt.Assert(t, qt.IsNil(fs.Rename("/red/a", "/blue/a")))
	a := fs.DB().Get("a")
	qt.Assert(t, qt.IsFalse(a.HasTag(fs.DB().Get("red").TagID())))
	qt.Assert(t, qt.IsTrue(a.HasTag(fs.DB().Get("blue").TagID())))
}

func TestRenameChangesName(t *testing.T) {
	fs, _ := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	qt.Assert(t, qt.IsNil(fs.Mknod("/red/a", 0o644|unix.S_IFREG, 0)))

	qt.Assert(t, qt.IsNil(fs.Rename("/red/a", "/red/b")))
	qt.Assert(t, qt.IsNil(fs.DB().Get("a")))
	qt.Assert(t, qt.IsNotNil(fs.DB().Get("b")))
	qt.Assert(t, qt.IsTrue(fs.Dir().Exists("b")))
	qt.Assert(t, qt.IsFalse(fs.Dir().Exists("a")))

	// Renaming a tag renames the virtual directory only.
	qt.Assert(t, qt.IsNil(fs.Rename("/red", "/crimson")))
	qt.Assert(t, qt.IsNil(fs.DB().Get("red")))
	tag := fs.DB().Get("crimson")
	qt.Assert(t, qt.IsNotNil(tag))
	qt.Assert(t, qt.Equals(tag.Kind(), tagdb.KindTag))
	qt.Assert(t, qt.IsTrue(fs.DB().Get("b").HasTag(tag.TagID())))
}

func TestRenameLooseFileGainsEntry(t *testing.T) {
	fs, path := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	qt.Assert(t, qt.IsNil(os.WriteFile(filepath.Join(path, "loose"), nil, 0o644)))

	qt.Assert(t, qt.IsNil(fs.Rename("/loose", "/red/loose")))
	e := fs.DB().Get("loose")
	qt.Assert(t, qt.IsNotNil(e))
	qt.Assert(t, qt.IsTrue(e.HasTag(fs.DB().Get("red").TagID())))
}

func TestRenameInvalidTarget(t *testing.T) {
	fs, _ := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(fs.Mknod("/a", 0o644|unix.S_IFREG, 0)))
	qt.Assert(t, qt.ErrorIs(fs.Rename("/a", "/-a"), tagdb.ErrInvalid))
	qt.Assert(t, qt.ErrorIs(fs.Rename("/a", "/.tagdb"), tagdb.ErrInvalid))
}

func TestOpenReadWrite(t *testing.T) {
	fs, _ := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(fs.Mknod("/a", 0o644|unix.S_IFREG, 0)))

	h, err := fs.Open("/a", unix.O_RDWR)
	qt.Assert(t, qt.IsNil(err))
	n, err := fs.Write(h, []byte("hello"), 0)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(n, 5))

	buf := make([]byte, 16)
	n, err = fs.Read(h, buf, 1)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(string(buf[:n]), "ello"))

	qt.Assert(t, qt.IsNil(fs.Fsync(h)))
	qt.Assert(t, qt.IsNil(fs.Release(h)))

	// Opening a tag is a directory error.
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	_, err = fs.Open("/red", unix.O_RDONLY)
	qt.Assert(t, qt.ErrorIs(err, tagdb.ErrIsDir))
}

func TestTruncate(t *testing.T) {
	fs, path := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(os.WriteFile(filepath.Join(path, "a"), []byte("hello"), 0o644)))

	qt.Assert(t, qt.IsNil(fs.Truncate("/a", 2)))
	data, err := os.ReadFile(filepath.Join(path, "a"))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(string(data), "he"))

	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	qt.Assert(t, qt.ErrorIs(fs.Truncate("/red", 0), tagdb.ErrIsDir))
}

func TestUtimens(t *testing.T) {
	fs, path := newFS(t, tagconfig.Default())
	qt.Assert(t, qt.IsNil(os.WriteFile(filepath.Join(path, "a"), nil, 0o644)))
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))

	ts := []unix.Timespec{
		unix.NsecToTimespec(1e9),
		unix.NsecToTimespec(2e9),
	}
	qt.Assert(t, qt.IsNil(fs.Utimens("/a", ts)))
	st, err := fs.GetAttr("/a")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(st.Mtim.Sec, int64(2)))

	qt.Assert(t, qt.ErrorIs(fs.Utimens("/red", ts), tagdb.ErrNotSupported))
}

func TestSidecarPersistsAcrossMounts(t *testing.T) {
	path := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fs, err := New(path, tagconfig.Default(), logger)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(fs.Mkdir("/red", dirMode(fs))))
	qt.Assert(t, qt.IsNil(fs.Mknod("/red/a", 0o644|unix.S_IFREG, 0)))
	qt.Assert(t, qt.IsNil(fs.Destroy()))

	fs, err = New(path, tagconfig.Default(), logger)
	qt.Assert(t, qt.IsNil(err))
	defer fs.Destroy()
	a := fs.DB().Get("a")
	qt.Assert(t, qt.IsNotNil(a))
	tag := fs.DB().Get("red")
	qt.Assert(t, qt.IsNotNil(tag))
	qt.Assert(t, qt.IsTrue(a.HasTag(tag.TagID())))
}

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

// Package fusefs exposes the tag filesystem through the kernel fuse
// protocol. It is a translation layer only: nodes carry the virtual
// path and forward every callback to the operation layer.
package fusefs

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"golang.org/x/sys/unix"

	"tagfs.dev/go/internal/tagdb"
	"tagfs.dev/go/internal/tagfs"
)

// Mount serves the filesystem at mountpoint until it is unmounted,
// then flushes the tag database.
func Mount(t *tagfs.FS, mountpoint string, opts ...fuse.MountOption) error {
	opts = append([]fuse.MountOption{
		fuse.FSName("tagfs"),
		fuse.Subtype("tagfs"),
	}, opts...)
	c, err := fuse.Mount(mountpoint, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	err = fs.Serve(c, &FS{t: t})
	if derr := t.Destroy(); err == nil {
		err = derr
	}
	return err
}

// FS is the fuse server root.
type FS struct {
	t *tagfs.FS
}

var _ fs.FS = (*FS)(nil)

func (f *FS) Root() (fs.Node, error) {
	return &Dir{t: f.t, path: "/"}, nil
}

// errno translates the operation layer's error kinds at the protocol
// boundary; no error escapes a callback untranslated.
func errno(err error) error {
	if err == nil {
		return nil
	}
	var eno syscall.Errno
	if errors.As(err, &eno) {
		return fuse.Errno(eno)
	}
	switch {
	case errors.Is(err, tagdb.ErrNotFound):
		return fuse.Errno(syscall.ENOENT)
	case errors.Is(err, tagdb.ErrExist), errors.Is(err, tagdb.ErrConflict):
		return fuse.Errno(syscall.EEXIST)
	case errors.Is(err, tagdb.ErrIsDir):
		return fuse.Errno(syscall.EISDIR)
	case errors.Is(err, tagdb.ErrNotDir):
		return fuse.Errno(syscall.ENOTDIR)
	case errors.Is(err, tagdb.ErrInvalid):
		return fuse.Errno(syscall.EINVAL)
	case errors.Is(err, tagdb.ErrNotSupported):
		return fuse.Errno(syscall.ENOTSUP)
	}
	return fuse.Errno(syscall.EIO)
}

// fillAttr converts a stat into fuse attributes.
func fillAttr(st unix.Stat_t, a *fuse.Attr) {
	a.Size = uint64(st.Size)
	a.Blocks = uint64(st.Blocks)
	a.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	a.Mtime = time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	a.Ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	a.Nlink = uint32(st.Nlink)
	a.Uid = st.Uid
	a.Gid = st.Gid
	a.BlockSize = uint32(st.Blksize)
	a.Mode = os.FileMode(st.Mode & 0o777)
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		a.Mode |= os.ModeDir
	}
}

// join appends a name to a virtual directory path.
func join(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// Dir is a virtual tag directory, the root included.
type Dir struct {
	t    *tagfs.FS
	path string
}

var (
	_ fs.Node                = (*Dir)(nil)
	_ fs.NodeStringLookuper  = (*Dir)(nil)
	_ fs.HandleReadDirAller  = (*Dir)(nil)
	_ fs.NodeMkdirer         = (*Dir)(nil)
	_ fs.NodeMknoder         = (*Dir)(nil)
	_ fs.NodeCreater         = (*Dir)(nil)
	_ fs.NodeRemover         = (*Dir)(nil)
	_ fs.NodeRenamer         = (*Dir)(nil)
	_ fs.NodeFsyncer         = (*Dir)(nil)
)

func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	st, err := d.t.GetAttr(d.path)
	if err != nil {
		return errno(err)
	}
	fillAttr(st, a)
	return nil
}

func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	path := join(d.path, name)
	kind, err := d.t.Resolve(path)
	if err != nil {
		return nil, errno(err)
	}
	if kind == tagdb.KindTag {
		return &Dir{t: d.t, path: path}, nil
	}
	return &File{t: d.t, path: path}, nil
}

func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	ents, err := d.t.ReadDir(d.path)
	if err != nil {
		return nil, errno(err)
	}
	out := make([]fuse.Dirent, 0, len(ents))
	for _, e := range ents {
		typ := fuse.DT_File
		if e.Dir {
			typ = fuse.DT_Dir
		}
		out = append(out, fuse.Dirent{Name: e.Name, Type: typ})
	}
	return out, nil
}

func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	path := join(d.path, req.Name)
	if err := d.t.Mkdir(path, uint32(req.Mode.Perm())); err != nil {
		return nil, errno(err)
	}
	return &Dir{t: d.t, path: path}, nil
}

func (d *Dir) Mknod(ctx context.Context, req *fuse.MknodRequest) (fs.Node, error) {
	path := join(d.path, req.Name)
	mode := uint32(req.Mode.Perm()) | unix.S_IFREG
	if err := d.t.Mknod(path, mode, uint64(req.Rdev)); err != nil {
		return nil, errno(err)
	}
	return &File{t: d.t, path: path}, nil
}

func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	path := join(d.path, req.Name)
	mode := uint32(req.Mode.Perm()) | unix.S_IFREG
	if err := d.t.Mknod(path, mode, 0); err != nil {
		return nil, nil, errno(err)
	}
	h, err := d.t.Open(path, int(req.Flags)&^unix.O_CREAT)
	if err != nil {
		return nil, nil, errno(err)
	}
	file := &File{t: d.t, path: path}
	return file, &FileHandle{t: d.t, h: h}, nil
}

func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	path := join(d.path, req.Name)
	if req.Dir {
		return errno(d.t.Rmdir(path))
	}
	return errno(d.t.Unlink(path))
}

func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	nd, ok := newDir.(*Dir)
	if !ok {
		return fuse.Errno(syscall.ENOTDIR)
	}
	return errno(d.t.Rename(join(d.path, req.OldName), join(nd.path, req.NewName)))
}

// Fsync on a virtual directory persists the tag assignments early.
func (d *Dir) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	return errno(d.t.FlushSidecar())
}

// File is a tagged regular file.
type File struct {
	t    *tagfs.FS
	path string
}

var (
	_ fs.Node              = (*File)(nil)
	_ fs.NodeOpener        = (*File)(nil)
	_ fs.NodeSetattrer     = (*File)(nil)
	_ fs.NodeFsyncer       = (*File)(nil)
	_ fs.NodeGetxattrer    = (*File)(nil)
	_ fs.NodeListxattrer   = (*File)(nil)
	_ fs.NodeSetxattrer    = (*File)(nil)
	_ fs.NodeRemovexattrer = (*File)(nil)
)

func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	st, err := f.t.GetAttr(f.path)
	if err != nil {
		return errno(err)
	}
	fillAttr(st, a)
	return nil
}

func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	h, err := f.t.Open(f.path, int(req.Flags))
	if err != nil {
		return nil, errno(err)
	}
	return &FileHandle{t: f.t, h: h}, nil
}

func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		if err := f.t.Truncate(f.path, int64(req.Size)); err != nil {
			return errno(err)
		}
	}
	if req.Valid.Mtime() || req.Valid.Atime() {
		ts := []unix.Timespec{
			{Nsec: unix.UTIME_OMIT},
			{Nsec: unix.UTIME_OMIT},
		}
		if req.Valid.Atime() {
			ts[0] = unix.NsecToTimespec(req.Atime.UnixNano())
		}
		if req.Valid.Mtime() {
			ts[1] = unix.NsecToTimespec(req.Mtime.UnixNano())
		}
		if err := f.t.Utimens(f.path, ts); err != nil {
			return errno(err)
		}
	}
	st, err := f.t.GetAttr(f.path)
	if err != nil {
		return errno(err)
	}
	fillAttr(st, &resp.Attr)
	return nil
}

func (f *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	// Data is synced through the open handle; syncing by path means
	// the kernel flushed before telling us which handle.
	h, err := f.t.Open(f.path, unix.O_RDONLY)
	if err != nil {
		return errno(err)
	}
	defer f.t.Release(h)
	return errno(f.t.Fsync(h))
}

func (f *File) Getxattr(ctx context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	data, err := f.t.Getxattr(f.path, req.Name)
	if err != nil {
		return errno(err)
	}
	resp.Xattr = data
	return nil
}

func (f *File) Listxattr(ctx context.Context, req *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	data, err := f.t.Listxattr(f.path)
	if err != nil {
		return errno(err)
	}
	resp.Xattr = data
	return nil
}

func (f *File) Setxattr(ctx context.Context, req *fuse.SetxattrRequest) error {
	return errno(f.t.Setxattr(f.path, req.Name, req.Xattr, int(req.Flags)))
}

func (f *File) Removexattr(ctx context.Context, req *fuse.RemovexattrRequest) error {
	return errno(f.t.Removexattr(f.path, req.Name))
}

// FileHandle is one open of a file.
type FileHandle struct {
	t *tagfs.FS
	h *tagfs.Handle
}

var (
	_ fs.Handle         = (*FileHandle)(nil)
	_ fs.HandleReader   = (*FileHandle)(nil)
	_ fs.HandleWriter   = (*FileHandle)(nil)
	_ fs.HandleReleaser = (*FileHandle)(nil)
)

func (fh *FileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := fh.t.Read(fh.h, buf, req.Offset)
	if err != nil {
		return errno(err)
	}
	resp.Data = buf[:n]
	return nil
}

func (fh *FileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := fh.t.Write(fh.h, req.Data, req.Offset)
	if err != nil {
		return errno(err)
	}
	resp.Size = n
	return nil
}

func (fh *FileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return errno(fh.t.Release(fh.h))
}

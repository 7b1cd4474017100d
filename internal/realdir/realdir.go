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

// Package realdir wraps the backing directory behind a directory file
// descriptor. All operations are relative to that descriptor, so the
// mount keeps working if the directory is moved while mounted.
package realdir

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Dir is an open backing directory.
type Dir struct {
	fd   int
	path string
}

// Open opens the directory at path.
func Open(path string) (*Dir, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open backing directory %s: %w", path, err)
	}
	return &Dir{fd: fd, path: path}, nil
}

func (d *Dir) Close() error {
	return unix.Close(d.fd)
}

// Path returns the path the directory was opened with.
func (d *Dir) Path() string { return d.path }

// Stat stats the directory itself.
func (d *Dir) Stat() (unix.Stat_t, error) {
	var st unix.Stat_t
	err := unix.Fstat(d.fd, &st)
	return st, err
}

// StatName stats the named directory member without following symlinks.
func (d *Dir) StatName(name string) (unix.Stat_t, error) {
	var st unix.Stat_t
	err := unix.Fstatat(d.fd, name, &st, unix.AT_SYMLINK_NOFOLLOW)
	return st, err
}

// Exists reports whether the named member exists.
func (d *Dir) Exists(name string) bool {
	return unix.Faccessat(d.fd, name, unix.F_OK, unix.AT_SYMLINK_NOFOLLOW) == nil
}

// List returns the names in the directory, excluding "." and "..".
// Each call reads a fresh snapshot of the directory.
func (d *Dir) List() ([]string, error) {
	fd, err := unix.Openat(d.fd, ".", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), d.path)
	defer f.Close()
	return f.Readdirnames(-1)
}

// OpenFile opens the named member with the given open(2) flags.
func (d *Dir) OpenFile(name string, flags int, mode uint32) (int, error) {
	return unix.Openat(d.fd, name, flags, mode)
}

// OpenSidecar opens (creating if needed) the named sidecar file for
// reading and writing.
func (d *Dir) OpenSidecar(name string) (*os.File, error) {
	fd, err := unix.Openat(d.fd, name, unix.O_RDWR|unix.O_CREAT, 0664)
	if err != nil {
		return nil, fmt.Errorf("cannot open sidecar %s: %w", name, err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

func (d *Dir) Mknod(name string, mode uint32, dev uint64) error {
	return unix.Mknodat(d.fd, name, mode, int(dev))
}

func (d *Dir) Rename(oldName, newName string) error {
	return unix.Renameat(d.fd, oldName, d.fd, newName)
}

func (d *Dir) Unlink(name string) error {
	return unix.Unlinkat(d.fd, name, 0)
}

func (d *Dir) Utimens(name string, ts []unix.Timespec) error {
	return unix.UtimesNanoAt(d.fd, name, ts, unix.AT_SYMLINK_NOFOLLOW)
}

// procPath names a directory member through /proc so that the xattr
// calls, which have no *at variants, stay dirfd-relative.
func (d *Dir) procPath(name string) string {
	return fmt.Sprintf("/proc/self/fd/%d/%s", d.fd, name)
}

func (d *Dir) Getxattr(name, attr string, dst []byte) (int, error) {
	return unix.Lgetxattr(d.procPath(name), attr, dst)
}

func (d *Dir) Setxattr(name, attr string, data []byte, flags int) error {
	return unix.Lsetxattr(d.procPath(name), attr, data, flags)
}

func (d *Dir) Listxattr(name string, dst []byte) (int, error) {
	return unix.Llistxattr(d.procPath(name), dst)
}

func (d *Dir) Removexattr(name, attr string) error {
	return unix.Lremovexattr(d.procPath(name), attr)
}

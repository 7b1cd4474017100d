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

	"golang.org/x/sys/unix"

	"tagfs.dev/go/internal/tagdb"
)

// Handle is an open backing file. It is created by Open and dies with
// Release; Read, Write, TruncateHandle and Fsync require it open.
type Handle struct {
	fd int
}

// Open resolves path to a file and opens the backing file with the
// given open(2) flags.
func (fs *FS) Open(path string, flags int) (*Handle, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	fname, err := fs.resolveFile(path)
	if err != nil {
		return nil, err
	}
	fd, err := fs.dir.OpenFile(fname, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", fname, err)
	}
	return &Handle{fd: fd}, nil
}

// Read reads from the handle at the given offset.
func (fs *FS) Read(h *Handle, p []byte, off int64) (int, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if h == nil {
		return 0, tagdb.ErrInvalid
	}
	return unix.Pread(h.fd, p, off)
}

// Write writes to the handle at the given offset.
func (fs *FS) Write(h *Handle, p []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if h == nil {
		return 0, tagdb.ErrInvalid
	}
	return unix.Pwrite(h.fd, p, off)
}

// TruncateHandle changes the open file's length.
func (fs *FS) TruncateHandle(h *Handle, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if h == nil {
		return tagdb.ErrInvalid
	}
	return unix.Ftruncate(h.fd, size)
}

// Fsync flushes the open file's data to disk. Syncing a virtual tag
// directory goes through FlushSidecar instead.
func (fs *FS) Fsync(h *Handle) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if h == nil {
		return tagdb.ErrInvalid
	}
	return unix.Fsync(h.fd)
}

// Release closes the handle.
func (fs *FS) Release(h *Handle) error {
	if h == nil {
		return tagdb.ErrInvalid
	}
	return unix.Close(h.fd)
}

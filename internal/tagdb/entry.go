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

import "tagfs.dev/go/internal/bitarr"

// Kind discriminates the two entry variants.
type Kind uint8

const (
	// KindNone marks an entry that has been reserved in the map but not
	// finalized yet. It never appears in a valid database.
	KindNone Kind = iota
	KindTag
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindTag:
		return "tag"
	case KindFile:
		return "file"
	}
	return "empty"
}

// Entry is a named member of the database: either a tag, which owns a
// dense tag ID, or a file, which owns a bit vector of the tags it
// carries. Only the variant selected by Kind is meaningful.
type Entry struct {
	name     string
	kind     Kind
	tagID    int        // kind == KindTag
	fileTags bitarr.Arr // kind == KindFile, length >= the database capacity
}

// Name returns the entry's key in the database.
func (e *Entry) Name() string { return e.name }

func (e *Entry) Kind() Kind { return e.kind }

// TagID returns the tag's ID. Valid only for KindTag entries.
func (e *Entry) TagID() int { return e.tagID }

// Tags returns the file's tag bit vector. Valid only for KindFile
// entries. The vector is owned by the entry; it is re-allocated on
// capacity growth, so callers must not retain it across inserts.
func (e *Entry) Tags() bitarr.Arr { return e.fileTags }

// HasTag reports whether the file entry carries the tag with the given ID.
func (e *Entry) HasTag(id int) bool { return e.fileTags.Get(id) }

// SetTag marks or unmarks the file entry with the tag with the given ID.
func (e *Entry) SetTag(id int, v bool) { e.fileTags.Set(id, v) }

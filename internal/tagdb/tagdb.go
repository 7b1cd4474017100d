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

// Package tagdb implements the persistent tag database: a bidirectional
// map between file names, tag names and a dense bit matrix of file-by-tag
// membership, serialized as a text sidecar in the backing directory.
package tagdb

import (
	"fmt"
	"io"
	"log/slog"

	"tagfs.dev/go/internal/bitarr"
)

// SidecarName is the database file's name inside the backing directory.
// Backups use it as a prefix, so every name starting with it is reserved.
const SidecarName = ".tagdb"

// NegChar prefixes a tag name to negate it in a query. No entry name
// may start with it.
const NegChar byte = '-'

// initialCap is the tag-ID capacity of a fresh database.
const initialCap = 16

// DB holds the entries, the set of live tag IDs and the current
// capacity. Capacity never shrinks; it doubles when the ID space is
// exhausted. The DB itself is not safe for concurrent use; the mount
// context serializes access.
type DB struct {
	entries entryMap
	tagIDs  bitarr.Arr
	tagCap  int
	log     *slog.Logger
}

// New returns an empty database. Parse and repair diagnostics are
// reported through logger.
func New(logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DB{
		entries: newEntryMap(),
		tagIDs:  bitarr.New(initialCap),
		tagCap:  initialCap,
		log:     logger,
	}
}

// Cap returns the current tag-ID capacity. Every file entry's bit
// vector holds at least this many bits.
func (db *DB) Cap() int { return db.tagCap }

// Len returns the number of entries.
func (db *DB) Len() int { return db.entries.len() }

// Get returns the entry with the given name, or nil.
func (db *DB) Get(name string) *Entry {
	return db.entries.get(name)
}

// Insert returns the entry with the given name, creating a finalized
// entry of kind k if none exists. An existing entry is returned as is,
// even if its kind differs from k; callers must re-check.
func (db *DB) Insert(name string, k Kind) (*Entry, error) {
	e, _, err := db.TryInsert(name, k)
	return e, err
}

// TryInsert inserts an entry of kind k under name. It reports whether
// the entry was inserted; if the name was taken the existing entry is
// returned unchanged.
func (db *DB) TryInsert(name string, k Kind) (*Entry, bool, error) {
	e, inserted := db.entries.insertIfAbsent(name)
	if !inserted {
		return e, false, nil
	}
	if err := db.finalize(e, k); err != nil {
		db.entries.removeEntry(e)
		return nil, false, err
	}
	return e, true, nil
}

// finalize turns a reserved entry into a real one: files get a zeroed
// tag vector, tags get the lowest free ID, growing the capacity if the
// ID space is full.
func (db *DB) finalize(e *Entry, k Kind) error {
	switch k {
	case KindFile:
		e.fileTags = bitarr.New(db.tagCap)
	case KindTag:
		id, ok := db.tagIDs.Next(0, db.tagCap, false)
		if !ok {
			id = db.tagCap
			db.grow()
		}
		db.tagIDs.Set(id, true)
		e.tagID = id
	default:
		return fmt.Errorf("cannot finalize entry %q with kind %v: %w", e.name, k, ErrInvalid)
	}
	e.kind = k
	return nil
}

// grow doubles the tag-ID capacity. Every file entry's vector is
// resized first, then the ID set; the new bits are zero, so a partially
// grown state is benign as long as all reads bound themselves by Cap.
func (db *DB) grow() {
	newCap := db.tagCap * 2
	db.entries.foreach(func(e *Entry) bool {
		if e.kind == KindFile {
			e.fileTags = e.fileTags.Resize(db.tagCap, newCap)
		}
		return true
	})
	db.tagIDs = db.tagIDs.Resize(db.tagCap, newCap)
	db.tagCap = newCap
}

// Remove deletes the entry with the given name. It reports whether the
// entry existed.
func (db *DB) Remove(name string) bool {
	e := db.entries.get(name)
	if e == nil {
		return false
	}
	db.RemoveEntry(e)
	return true
}

// RemoveEntry deletes the entry. Removing a tag frees its ID but does
// not clear the corresponding bit from file entries; those stale bits
// are dropped by the next serialization cycle or by Compact.
func (db *DB) RemoveEntry(e *Entry) {
	if e.kind == KindTag {
		db.tagIDs.Set(e.tagID, false)
	}
	db.entries.removeEntry(e)
}

// Rename re-keys the entry to newName, preserving its kind and payload.
// If newName is already taken the database is unchanged and the call
// fails with ErrExist.
func (db *DB) Rename(e *Entry, newName string) error {
	if db.entries.get(newName) != nil {
		return fmt.Errorf("cannot rename %q to %q: %w", e.name, newName, ErrExist)
	}
	db.entries.removeEntry(e)
	db.entries.put(newName, e)
	return nil
}

// ForEach visits every entry in unspecified order until f returns
// false. Removing the visited entry inside f is allowed.
func (db *DB) ForEach(f func(*Entry) bool) {
	db.entries.foreach(f)
}

// ForFileTags visits every tag carried by the given file entry.
func (db *DB) ForFileTags(file *Entry, f func(tag *Entry) bool) {
	db.entries.foreach(func(e *Entry) bool {
		if e.kind == KindTag && file.fileTags.Get(e.tagID) {
			return f(e)
		}
		return true
	})
}

// ForTagFiles visits every file entry carrying the given tag.
func (db *DB) ForTagFiles(tag *Entry, f func(file *Entry) bool) {
	db.entries.foreach(func(e *Entry) bool {
		if e.kind == KindFile && e.fileTags.Get(tag.tagID) {
			return f(e)
		}
		return true
	})
}

// Compact clears every freed tag-ID bit from all file entries,
// restoring the no-dangling-reference invariant eagerly instead of at
// the next reload.
func (db *DB) Compact() {
	none := bitarr.New(db.tagCap)
	dead := bitarr.New(db.tagCap)
	dead.Fill(db.tagCap, true)
	dead.Merge(db.tagCap, none, db.tagIDs)
	db.entries.foreach(func(e *Entry) bool {
		if e.kind == KindFile {
			e.fileTags.Merge(db.tagCap, none, dead)
		}
		return true
	})
}

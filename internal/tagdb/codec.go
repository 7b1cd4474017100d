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

// The sidecar is UTF-8 text: a concatenation of tag blocks, each a tag
// name line followed by one file name per line and a terminating blank
// line. Newlines and backslashes inside a field are escaped with a
// backslash. Parsing is tolerant: repeated tag blocks merge, repeated
// file assignments within a block are dropped, both with a warning.
// Writing is canonical.

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// readField reads one escaped field up to an unescaped newline. A NUL
// byte or the end of the stream also terminates the field; a lone
// trailing backslash is preserved literally. The done result is true
// once no further fields follow.
func readField(br *bufio.Reader) (field string, done bool, err error) {
	var sb strings.Builder
	esc := false
	for {
		c, err := br.ReadByte()
		if err != nil || c == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				return "", true, fmt.Errorf("cannot read field: %w", err)
			}
			if esc {
				sb.WriteByte('\\')
			}
			return sb.String(), true, nil
		}
		if esc {
			if c != '\\' && c != '\n' {
				sb.WriteByte('\\')
			}
			sb.WriteByte(c)
			esc = false
			continue
		}
		switch c {
		case '\\':
			esc = true
		case '\n':
			return sb.String(), false, nil
		default:
			sb.WriteByte(c)
		}
	}
}

// writeField writes one field with newlines and backslashes escaped,
// followed by the field terminator.
func writeField(bw *bufio.Writer, s string) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || c == '\n' {
			if err := bw.WriteByte('\\'); err != nil {
				return err
			}
		}
		if err := bw.WriteByte(c); err != nil {
			return err
		}
	}
	return bw.WriteByte('\n')
}

// Open parses a sidecar stream into a fresh database. Diagnostics for
// tolerated irregularities are reported through logger.
func Open(r io.Reader, logger *slog.Logger) (*DB, error) {
	db := New(logger)
	br := bufio.NewReader(r)
	for {
		tagName, done, err := readField(br)
		if err != nil {
			return nil, err
		}
		if tagName == "" {
			if done {
				return db, nil
			}
			// Stray blank line between blocks.
			continue
		}

		tag, inserted, err := db.TryInsert(tagName, KindTag)
		if err != nil {
			return nil, err
		}
		if tag.Kind() != KindTag {
			return nil, fmt.Errorf("name %q is used as both tag and file: %w", tagName, ErrCorrupt)
		}
		if !inserted {
			db.log.Warn("tag present twice - merging definitions", "tag", tagName)
		}
		tagID := tag.TagID()
		if done {
			return db, nil
		}

		for {
			fileName, fdone, err := readField(br)
			if err != nil {
				return nil, err
			}
			if fileName == "" {
				done = fdone
				break
			}
			file, err := db.Insert(fileName, KindFile)
			if err != nil {
				return nil, err
			}
			if file.Kind() != KindFile {
				return nil, fmt.Errorf("name %q is used as both tag and file: %w", fileName, ErrCorrupt)
			}
			if file.HasTag(tagID) {
				db.log.Warn("relationship present twice - ignoring duplicate definition",
					"tag", tagName, "file", fileName)
			} else {
				file.SetTag(tagID, true)
			}
			if fdone {
				done = true
				break
			}
		}
		if done {
			return db, nil
		}
	}
}

// WriteTo serializes the database in canonical form: one block per tag,
// files within it in map order, every field escaped, a blank line after
// each block.
func (db *DB) WriteTo(w io.Writer) error {
	bw := bufio.NewWriter(w)
	var werr error
	db.entries.foreach(func(tag *Entry) bool {
		if tag.kind != KindTag {
			return true
		}
		if werr = writeField(bw, tag.name); werr != nil {
			return false
		}
		db.ForTagFiles(tag, func(file *Entry) bool {
			werr = writeField(bw, file.name)
			return werr == nil
		})
		if werr != nil {
			return false
		}
		werr = bw.WriteByte('\n')
		return werr == nil
	})
	if werr != nil {
		return fmt.Errorf("cannot write sidecar: %w", werr)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("cannot write sidecar: %w", err)
	}
	return nil
}

// Flush truncates f, rewrites the whole sidecar in canonical form and
// syncs it to disk.
func (db *DB) Flush(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("cannot truncate sidecar: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot rewind sidecar: %w", err)
	}
	if err := db.WriteTo(f); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("cannot sync sidecar: %w", err)
	}
	return nil
}

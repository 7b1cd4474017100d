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

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"tagfs.dev/go/internal/bitarr"
	"tagfs.dev/go/internal/realdir"
	"tagfs.dev/go/internal/tagdb"
)

// newShellCmd returns the debug shell: it opens a directory's sidecar
// without mounting and edits the tag database interactively.
func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell <dir>",
		Short: "edit a directory's tag database without mounting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := realdir.Open(args[0])
			if err != nil {
				return failf(cmd, "%v", err)
			}
			defer dir.Close()
			side, err := dir.OpenSidecar(tagdb.SidecarName)
			if err != nil {
				return failf(cmd, "%v", err)
			}
			defer side.Close()
			db, err := tagdb.Open(side, slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)))
			if err != nil {
				return failf(cmd, "%v", err)
			}

			sh := &shell{db: db, out: cmd.OutOrStdout()}
			fmt.Fprintln(sh.out, "tagdb loaded.")
			sh.run(cmd.InOrStdin())

			fmt.Fprintln(sh.out, "Saving tagdb")
			if err := db.Flush(side); err != nil {
				return failf(cmd, "%v", err)
			}
			return nil
		},
	}
}

type shell struct {
	db  *tagdb.DB
	out io.Writer
}

type shellCommand struct {
	name, help string
	run        func(*shell, []string)
}

var shellCommands []shellCommand

// Populated here instead of in the declaration: the help command walks
// the table it is part of.
func init() {
	shellCommands = []shellCommand{
		{"help", "prints this", (*shell).help},
		{"get", "looks up the given name(s)", (*shell).get},
		{"tag", "creates new tag(s)", (*shell).mkTags},
		{"file", "creates new file entry/entries", (*shell).mkFiles},
		{"del", "deletes the given entries", (*shell).del},
		{"add", "marks all the given files with all the given tags", (*shell).add},
		{"sub", "removes all the given tags from all the given files", (*shell).sub},
		{"list", "lists all entries, or just 'tags' or 'files'", (*shell).list},
		{"compact", "clears freed tag bits from all files", (*shell).compact},
	}
}

func (sh *shell) run(in io.Reader) {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(sh.out, "> ")
		if !sc.Scan() {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			return
		}
		cmd := fields[0]
		found := false
		for _, c := range shellCommands {
			if c.name == cmd {
				c.run(sh, fields[1:])
				found = true
				break
			}
		}
		if !found {
			fmt.Fprintf(sh.out, "Unknown operation '%s'\n", cmd)
		}
	}
}

func (sh *shell) help([]string) {
	fmt.Fprintln(sh.out, "Help:")
	for _, c := range shellCommands {
		fmt.Fprintf(sh.out, "\t%s\t%s\n", c.name, c.help)
	}
	fmt.Fprintln(sh.out, "empty lines exit.")
}

func (sh *shell) get(names []string) {
	for _, name := range names {
		e := sh.db.Get(name)
		if e == nil {
			fmt.Fprintf(sh.out, "%s: doesn't exist\n", name)
			continue
		}
		switch e.Kind() {
		case tagdb.KindFile:
			var tags []string
			sh.db.ForFileTags(e, func(tag *tagdb.Entry) bool {
				tags = append(tags, fmt.Sprintf("\t%s (%d)", tag.Name(), tag.TagID()))
				return true
			})
			if len(tags) == 0 {
				fmt.Fprintf(sh.out, "%s: file without any tags\n", name)
				continue
			}
			sort.Strings(tags)
			fmt.Fprintf(sh.out, "%s: file marked with:\n%s\n", name, strings.Join(tags, "\n"))
		case tagdb.KindTag:
			var files []string
			sh.db.ForTagFiles(e, func(file *tagdb.Entry) bool {
				files = append(files, "\t"+file.Name())
				return true
			})
			if len(files) == 0 {
				fmt.Fprintf(sh.out, "%s: tag without any files\n", name)
				continue
			}
			sort.Strings(files)
			fmt.Fprintf(sh.out, "%s: tag marking file(s):\n%s\n", name, strings.Join(files, "\n"))
		}
	}
}

func (sh *shell) insert(names []string, kind tagdb.Kind) {
	for _, name := range names {
		_, inserted, err := sh.db.TryInsert(name, kind)
		switch {
		case err != nil:
			fmt.Fprintf(sh.out, "%s: %v\n", name, err)
		case !inserted:
			fmt.Fprintf(sh.out, "%s: already exists\n", name)
		}
	}
}

func (sh *shell) mkTags(names []string)  { sh.insert(names, tagdb.KindTag) }
func (sh *shell) mkFiles(names []string) { sh.insert(names, tagdb.KindFile) }

func (sh *shell) del(names []string) {
	for _, name := range names {
		if !sh.db.Remove(name) {
			fmt.Fprintf(sh.out, "%s: doesn't exist\n", name)
		}
	}
}

// mask collects the tag IDs named in args.
func (sh *shell) mask(names []string) bitarr.Arr {
	bits := bitarr.New(sh.db.Cap())
	for _, name := range names {
		if e := sh.db.Get(name); e != nil && e.Kind() == tagdb.KindTag {
			bits.Set(e.TagID(), true)
		}
	}
	return bits
}

func (sh *shell) add(names []string) {
	bits := sh.mask(names)
	none := bitarr.New(sh.db.Cap())
	for _, name := range names {
		e := sh.db.Get(name)
		if e == nil {
			fmt.Fprintf(sh.out, "%s: doesn't exist\n", name)
		} else if e.Kind() == tagdb.KindFile {
			e.Tags().Merge(sh.db.Cap(), bits, none)
		}
	}
}

func (sh *shell) sub(names []string) {
	bits := sh.mask(names)
	none := bitarr.New(sh.db.Cap())
	for _, name := range names {
		e := sh.db.Get(name)
		if e == nil {
			fmt.Fprintf(sh.out, "%s: doesn't exist\n", name)
		} else if e.Kind() == tagdb.KindFile {
			e.Tags().Merge(sh.db.Cap(), none, bits)
		}
	}
}

func (sh *shell) list(args []string) {
	kind := tagdb.KindNone
	if len(args) > 0 {
		switch args[0] {
		case "tags":
			kind = tagdb.KindTag
		case "files":
			kind = tagdb.KindFile
		}
	}
	var lines []string
	sh.db.ForEach(func(e *tagdb.Entry) bool {
		if kind == tagdb.KindNone || e.Kind() == kind {
			lines = append(lines, fmt.Sprintf("'%s': %s", e.Name(), e.Kind()))
		}
		return true
	})
	sort.Strings(lines)
	for _, ln := range lines {
		fmt.Fprintln(sh.out, ln)
	}
}

func (sh *shell) compact([]string) {
	sh.db.Compact()
}

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

// Package cmd implements the tagfs command line.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"bazil.org/fuse"
	"github.com/spf13/cobra"

	"tagfs.dev/go/internal/fusefs"
	"tagfs.dev/go/internal/tagconfig"
	"tagfs.dev/go/internal/tagdb"
	"tagfs.dev/go/internal/tagfs"
)

// New returns the root command. Running it without a subcommand mounts
// the filesystem over the given directory.
func New() *cobra.Command {
	var (
		logPath string
		quiet   bool
	)
	root := &cobra.Command{
		Use:   "tagfs [-l <logfile> | -q] <mount-point> [-o option,...]",
		Short: "mount a tag-query filesystem over a directory",
		Long: `tagfs mounts a filesystem that replaces directories with tag queries
over an existing directory. The files inside that directory become
tagged objects; the tag assignments live in a ` + tagdb.SidecarName + ` sidecar file
next to them. Listing /music/jazz/-live shows every file tagged music
and jazz but not live.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closeLog, err := openLog(logPath, quiet)
			if err != nil {
				return failf(cmd, "%v", err)
			}
			defer closeLog()

			opts, err := mountOptions(args[1:])
			if err != nil {
				return failf(cmd, "%v", err)
			}
			cfg, err := tagconfig.Init()
			if err != nil {
				return failf(cmd, "%v", err)
			}

			t, err := tagfs.New(args[0], cfg, logger)
			if err != nil {
				return failf(cmd, "%v", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Mounting at '%s'\n", args[0])
			logger.Info("tagfs started", "at", time.Now().Format(time.RFC1123), "mountpoint", args[0])

			if err := fusefs.Mount(t, args[0], opts...); err != nil {
				return failf(cmd, "%v", err)
			}
			logger.Info("tagfs exiting")
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&logPath, "log", "l", "", "append log output to this file; '-' means stderr")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "discard log output")
	root.MarkFlagsMutuallyExclusive("log", "quiet")

	root.AddCommand(newShellCmd())
	return root
}

// failf prints the error and reports failure without cobra re-printing
// the usage text for runtime (as opposed to usage) errors.
func failf(cmd *cobra.Command, format string, args ...any) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "tagfs: "+format+"\n", args...)
	cmd.SilenceUsage = true
	return fmt.Errorf(format, args...)
}

// openLog builds the logger selected by the flags: a file to append to,
// "-" for stderr, or nothing. A non-empty logfile gets a separator line
// for easier browsing.
func openLog(logPath string, quiet bool) (*slog.Logger, func(), error) {
	noop := func() {}
	if quiet || logPath == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), noop, nil
	}
	if logPath == "-" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil)), noop, nil
	}
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open log file: %w", err)
	}
	if pos, err := f.Seek(0, io.SeekEnd); err == nil && pos > 0 {
		fmt.Fprintln(f, strings.Repeat("=", 80))
	}
	return slog.New(slog.NewTextHandler(f, nil)), func() { f.Close() }, nil
}

// mountOptions parses trailing mount arguments of the usual
// "-o option[,option]" form.
func mountOptions(args []string) ([]fuse.MountOption, error) {
	var opts []fuse.MountOption
	for i := 0; i < len(args); i++ {
		if args[i] != "-o" {
			return nil, fmt.Errorf("unknown mount argument %q", args[i])
		}
		i++
		if i == len(args) {
			return nil, fmt.Errorf("missing value after -o")
		}
		for _, opt := range strings.Split(args[i], ",") {
			switch opt {
			case "allow_other":
				opts = append(opts, fuse.AllowOther())
			case "ro":
				opts = append(opts, fuse.ReadOnly())
			case "default_permissions":
				opts = append(opts, fuse.DefaultPermissions())
			default:
				return nil, fmt.Errorf("unknown mount option %q", opt)
			}
		}
	}
	return opts, nil
}

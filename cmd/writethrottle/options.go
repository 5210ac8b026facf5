// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/writethrottle"
	"github.com/spf13/cobra"
)

var optionsCmd = &cobra.Command{
	Use:   "options [file]",
	Short: "parse, default, validate and print controller options",
	Long: `
Reads controller options in INI form from the given file (or prints the
defaults when no file is given), fills in defaults, validates them and prints
the result.
`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOptions,
}

func runOptions(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) > 0 {
		path = args[0]
	}
	opts, err := loadOptions(path)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), opts.String())
	return nil
}

// loadOptions returns DefaultOptions overridden by the options file at path,
// if any, and validates the result.
func loadOptions(path string) (writethrottle.Options, error) {
	opts := writethrottle.DefaultOptions()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return opts, err
		}
		if err := opts.Parse(string(data)); err != nil {
			return opts, errors.Wrapf(err, "parsing %s", path)
		}
		opts.EnsureDefaults()
	}
	if err := opts.Validate(); err != nil {
		return opts, errors.Wrapf(err, "invalid options")
	}
	return opts, nil
}

// Copyright 2025 Supabase, Inc.
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

package command

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/multigres/multisplit/go/bridge"
	"github.com/multigres/multisplit/go/bridge/splits"
	"github.com/multigres/multisplit/go/common/sqltypes"
)

type readCmd struct {
	sc     *SplitCtl
	header bool
}

// AddReadCommand adds the read subcommand to root.
func AddReadCommand(root *cobra.Command, sc *SplitCtl) {
	rc := &readCmd{sc: sc}
	cmd := &cobra.Command{
		Use:   "read FILE...",
		Short: "Read split files and print their rows",
		Long: `read decodes each split file written by "splitctl plan", streams
the split from its executor and prints one tab-separated line per row.
Splits are read --parallelism at a time; rows of different splits
interleave.`,
		Args: cobra.MinimumNArgs(1),
		RunE: rc.run,
	}
	cmd.Flags().BoolVar(&rc.header, "header", true, "Print the column names first")
	root.AddCommand(cmd)
}

func (rc *readCmd) run(cmd *cobra.Command, args []string) error {
	ss := make([]*splits.Split, 0, len(args))
	for _, path := range args {
		split, err := readSplitFile(rc.sc.fs, path)
		if err != nil {
			return err
		}
		ss = append(ss, split)
	}
	ctx, cancel := rc.sc.context(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	if rc.header {
		printHeader(out, ss[0].Schema)
	}
	return bridge.ReadAll(ctx, ss, rc.sc.parallelism.Get(), func(_ *splits.Split, row *sqltypes.RowBuffer) error {
		printRow(out, row)
		return nil
	}, rc.sc.readerOptions()...)
}

func readSplitFile(fs afero.Fs, path string) (*splits.Split, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	split, err := splits.DecodeSplit(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return split, nil
}

func printHeader(w io.Writer, schema sqltypes.Schema) {
	fmt.Fprintln(w, strings.Join(schema.Names(), "\t"))
}

func printRow(w io.Writer, row *sqltypes.RowBuffer) {
	fmt.Fprintln(w, strings.Join(row.Strings(), "\t"))
}

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
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/multigres/multisplit/go/bridge/splits"
	"github.com/multigres/multisplit/go/bridge/submitter"
)

// SplitFileExt is the extension of the files plan writes.
const SplitFileExt = ".split"

type planCmd struct {
	sc     *SplitCtl
	outDir string
}

// AddPlanCommand adds the plan subcommand to root.
func AddPlanCommand(root *cobra.Command, sc *SplitCtl) {
	pc := &planCmd{sc: sc}
	cmd := &cobra.Command{
		Use:   "plan SQL",
		Short: "Plan a query and write one file per split",
		Long: `plan submits SQL, waits for planning and writes each split to
<out-dir>/<query id>-<fragment>.split. The query stays open on the
coordinator until it is cancelled or expires, so the files can be read
later, from any host, with "splitctl read".`,
		Args: cobra.ExactArgs(1),
		RunE: pc.run,
	}
	cmd.Flags().StringVarP(&pc.outDir, "out-dir", "o", ".", "Directory to write split files to")
	root.AddCommand(cmd)
}

func (pc *planCmd) run(cmd *cobra.Command, args []string) error {
	creds, err := pc.sc.credentials()
	if err != nil {
		return err
	}
	ctx, cancel := pc.sc.context(cmd)
	defer cancel()

	opts := append(pc.sc.submitterOptions(), submitter.WithParallelismHint(pc.sc.parallelism.Get()))
	s, err := submitter.New(pc.sc.target.Get(), opts...)
	if err != nil {
		return err
	}
	// Closing the connection leaves the query and its session in place.
	defer func() { _ = s.Close() }()

	handle, frags, err := s.Submit(ctx, creds, args[0])
	if err != nil {
		return err
	}
	ss := splits.Plan(handle, frags)

	if err := pc.sc.fs.MkdirAll(pc.outDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", pc.outDir, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "query %s: %d splits, schema %s\n", handle.QueryID(), len(ss), handle.Schema())
	for _, split := range ss {
		path, err := writeSplit(pc.sc.fs, pc.outDir, split)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, path)
	}
	return nil
}

func writeSplit(fs afero.Fs, dir string, split *splits.Split) (string, error) {
	token, err := splits.Encode(split)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", split.Name(), err)
	}
	path := filepath.Join(dir, split.Name()+SplitFileExt)
	if err := afero.WriteFile(fs, path, []byte(token+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

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
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/multigres/multisplit/go/bridge"
	"github.com/multigres/multisplit/go/bridge/splits"
	"github.com/multigres/multisplit/go/common/sqltypes"
)

type queryCmd struct {
	sc      *SplitCtl
	summary bool
}

// AddQueryCommand adds the query subcommand to root.
func AddQueryCommand(root *cobra.Command, sc *SplitCtl) {
	qc := &queryCmd{sc: sc}
	cmd := &cobra.Command{
		Use:   "query SQL",
		Short: "Plan a query, read every split and print the rows",
		Args:  cobra.ExactArgs(1),
		RunE:  qc.run,
	}
	cmd.Flags().BoolVar(&qc.summary, "summary", false, "Print only the per-split row counts")
	root.AddCommand(cmd)
}

func (qc *queryCmd) run(cmd *cobra.Command, args []string) error {
	creds, err := qc.sc.credentials()
	if err != nil {
		return err
	}
	ctx, cancel := qc.sc.context(cmd)
	defer cancel()

	handle, ss, err := bridge.GetSplits(ctx, args[0], qc.sc.target.Get(), creds, qc.sc.parallelism.Get(), qc.sc.submitterOptions()...)
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Close(context.WithoutCancel(ctx)); err != nil {
			qc.sc.Logger().Warn("failed to close query", "query_id", handle.QueryID(), "error", err)
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "query %s: %d splits\n", handle.QueryID(), len(ss))
	printHeader(out, handle.Schema())

	counts := make(map[int]int, len(ss))
	err = bridge.ReadAll(ctx, ss, qc.sc.parallelism.Get(), func(split *splits.Split, row *sqltypes.RowBuffer) error {
		counts[split.FragmentIndex]++
		if !qc.summary {
			printRow(out, row)
		}
		return nil
	}, qc.sc.readerOptions()...)
	if err != nil {
		if ctx.Err() != nil {
			// Stop the fragments still running for nobody.
			_ = handle.Cancel(context.WithoutCancel(ctx))
		}
		return err
	}

	total := 0
	for _, split := range ss {
		n := counts[split.FragmentIndex]
		total += n
		if qc.summary {
			fmt.Fprintf(out, "%s\t%d\n", split.Name(), n)
		}
	}
	fmt.Fprintf(out, "(%d rows)\n", total)
	return nil
}

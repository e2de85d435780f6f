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

	"github.com/spf13/cobra"

	"github.com/multigres/multisplit/go/bridge/submitter"
)

type cancelCmd struct {
	sc     *SplitCtl
	reason string
}

// AddCancelCommand adds the cancel subcommand to root.
func AddCancelCommand(root *cobra.Command, sc *SplitCtl) {
	cc := &cancelCmd{sc: sc}
	cmd := &cobra.Command{
		Use:   "cancel QUERY_ID",
		Short: "Cancel a planned query",
		Long: `cancel stops every fragment of the query. Readers still streaming
it fail with a cancelled error and later opens are refused.`,
		Args: cobra.ExactArgs(1),
		RunE: cc.run,
	}
	cmd.Flags().StringVar(&cc.reason, "reason", "cancelled by splitctl", "Reason recorded with the cancellation")
	root.AddCommand(cmd)
}

func (cc *cancelCmd) run(cmd *cobra.Command, args []string) error {
	creds, err := cc.sc.credentials()
	if err != nil {
		return err
	}
	ctx, cancel := cc.sc.context(cmd)
	defer cancel()

	s, err := submitter.New(cc.sc.target.Get(), cc.sc.submitterOptions()...)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if err := s.CancelQuery(ctx, creds, args[0], cc.reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "query %s cancelled\n", args[0])
	return nil
}

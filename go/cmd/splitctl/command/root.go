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

// Package command implements the splitctl subcommands.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/multigres/multisplit/go/bridge/reader"
	"github.com/multigres/multisplit/go/bridge/submitter"
	"github.com/multigres/multisplit/go/servenv"
	"github.com/multigres/multisplit/go/tools/grpccommon"
	"github.com/multigres/multisplit/go/viperutil"
)

// SplitCtl holds the configuration shared by the splitctl commands.
type SplitCtl struct {
	reg         *viperutil.Registry
	target      viperutil.Value[string]
	principal   viperutil.Value[string]
	password    viperutil.Value[string]
	timeout     viperutil.Value[time.Duration]
	parallelism viperutil.Value[int]
	vc          *viperutil.ViperConfig
	lg          *servenv.Logger

	// fs holds split files. Tests swap in a MemMapFs.
	fs afero.Fs
	// dialOptions are added to every connection, for tests.
	dialOptions []grpc.DialOption
}

// GetRootCommand creates the splitctl root command with all subcommands.
func GetRootCommand() (*cobra.Command, *SplitCtl) {
	reg := viperutil.NewRegistry()
	sc := &SplitCtl{
		reg: reg,
		target: viperutil.Configure(reg, "coordinator", viperutil.Options[string]{
			Default:  "localhost:15100",
			FlagName: "coordinator",
			EnvVars:  []string{"MULTISPLIT_COORDINATOR"},
		}),
		principal: viperutil.Configure(reg, "user", viperutil.Options[string]{
			FlagName: "user",
			EnvVars:  []string{"MULTISPLIT_USER"},
		}),
		password: viperutil.Configure(reg, "password", viperutil.Options[string]{
			FlagName: "password",
			EnvVars:  []string{"MULTISPLIT_PASSWORD"},
		}),
		timeout: viperutil.Configure(reg, "timeout", viperutil.Options[time.Duration]{
			Default:  time.Minute,
			FlagName: "timeout",
		}),
		parallelism: viperutil.Configure(reg, "parallelism", viperutil.Options[int]{
			Default:  4,
			FlagName: "parallelism",
		}),
		vc: viperutil.NewViperConfig(reg),
		lg: servenv.NewLogger(reg),
		fs: afero.NewOsFs(),
	}

	root := &cobra.Command{
		Use:   "splitctl",
		Short: "Plan SQL queries into splits and read them",
		Long: `splitctl submits read-only queries to a coordinator, stores the
resulting splits as files, and reads splits from their executors.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := sc.vc.LoadConfig(sc.reg); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sc.lg.SetupLogging()
			return nil
		},
	}

	fs := root.PersistentFlags()
	fs.String("coordinator", sc.target.Default(), "Coordinator gRPC address")
	fs.StringP("user", "u", sc.principal.Default(), "Principal to authenticate as")
	fs.String("password", sc.password.Default(), "Secret of the principal (prefer MULTISPLIT_PASSWORD)")
	fs.Duration("timeout", sc.timeout.Default(), "Deadline for the whole command")
	fs.IntP("parallelism", "j", sc.parallelism.Default(), "Splits to request and to read at once")
	sc.vc.RegisterFlags(fs)
	sc.lg.RegisterFlags(fs)
	grpccommon.RegisterFlags(fs)
	viperutil.BindFlags(fs, sc.target, sc.principal, sc.password, sc.timeout, sc.parallelism)

	AddPlanCommand(root, sc)
	AddReadCommand(root, sc)
	AddQueryCommand(root, sc)
	AddCancelCommand(root, sc)

	return root, sc
}

// Logger returns the configured logger.
func (sc *SplitCtl) Logger() *slog.Logger {
	return sc.lg.GetLogger()
}

// credentials returns the configured principal and secret. Neither is
// defaulted.
func (sc *SplitCtl) credentials() (submitter.Credentials, error) {
	creds := submitter.Credentials{
		Principal: sc.principal.Get(),
		Secret:    sc.password.Get(),
	}
	if creds.Principal == "" {
		return creds, errors.New("--user is required")
	}
	return creds, nil
}

// context bounds a command by --timeout.
func (sc *SplitCtl) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if d := sc.timeout.Get(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (sc *SplitCtl) submitterOptions() []submitter.Option {
	return []submitter.Option{
		submitter.WithDialOptions(sc.dialOptions...),
		submitter.WithLogger(sc.Logger()),
	}
}

func (sc *SplitCtl) readerOptions() []reader.Option {
	return []reader.Option{
		reader.WithDialOptions(sc.dialOptions...),
		reader.WithLogger(sc.Logger()),
	}
}

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

// fragmentd runs a reference coordinator and its executors in one process,
// with the users, partitions and tables described by a YAML cluster file.
package main

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/multigres/multisplit/go/common/plantoken"
	"github.com/multigres/multisplit/go/servenv"
	"github.com/multigres/multisplit/go/services/coordinator"
	"github.com/multigres/multisplit/go/services/executor"
	"github.com/multigres/multisplit/go/viperutil"
)

// Fragmentd holds the daemon's configuration.
type Fragmentd struct {
	reg *viperutil.Registry
	sv  *servenv.ServEnv

	clusterFile        viperutil.Value[string]
	coordinatorListen  viperutil.Value[string]
	planKey            viperutil.Value[string]
	planningDelay      viperutil.Value[time.Duration]
	queryTTL           viperutil.Value[time.Duration]
	sessionIdleTimeout viperutil.Value[time.Duration]
	batchRows          viperutil.Value[int]

	fs afero.Fs
}

// GetRootCommand creates the fragmentd command.
func GetRootCommand() (*cobra.Command, *Fragmentd) {
	reg := viperutil.NewRegistry()
	fd := &Fragmentd{
		reg: reg,
		sv:  servenv.NewServEnv(reg),
		clusterFile: viperutil.Configure(reg, "cluster-file", viperutil.Options[string]{
			FlagName: "cluster-file",
			EnvVars:  []string{"MULTISPLIT_CLUSTER_FILE"},
		}),
		coordinatorListen: viperutil.Configure(reg, "coordinator-listen", viperutil.Options[string]{
			Default:  ":15100",
			FlagName: "coordinator-listen",
		}),
		planKey: viperutil.Configure(reg, "plan-key", viperutil.Options[string]{
			FlagName: "plan-key",
			EnvVars:  []string{"MULTISPLIT_PLAN_KEY"},
		}),
		planningDelay: viperutil.Configure(reg, "planning-delay", viperutil.Options[time.Duration]{
			FlagName: "planning-delay",
		}),
		queryTTL: viperutil.Configure(reg, "query-ttl", viperutil.Options[time.Duration]{
			Default:  coordinator.DefaultQueryTTL,
			FlagName: "query-ttl",
		}),
		sessionIdleTimeout: viperutil.Configure(reg, "session-idle-timeout", viperutil.Options[time.Duration]{
			Default:  coordinator.DefaultSessionIdleTimeout,
			FlagName: "session-idle-timeout",
		}),
		batchRows: viperutil.Configure(reg, "batch-rows", viperutil.Options[int]{
			Default:  executor.DefaultBatchRows,
			FlagName: "batch-rows",
		}),
		fs: afero.NewOsFs(),
	}

	cmd := &cobra.Command{
		Use:   "fragmentd",
		Short: "Serve a reference coordinator and executors",
		Long: `fragmentd serves the query service and one fragment service per
executor listed in the cluster file. Tables in the file are created in the
planning catalog and their rows spread round-robin across the executors'
partitions.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         fd.run,
	}
	fs := cmd.Flags()
	fs.String("cluster-file", fd.clusterFile.Default(), "YAML file with users, executors and tables")
	fs.String("coordinator-listen", fd.coordinatorListen.Default(), "Listen address of the query service")
	fs.String("plan-key", fd.planKey.Default(), "Key signing fragment plans, at least 16 bytes. A random key is used when empty.")
	fs.Duration("planning-delay", fd.planningDelay.Default(), "Artificial delay added to every planning")
	fs.Duration("query-ttl", fd.queryTTL.Default(), "How long planned queries and their fragments stay valid")
	fs.Duration("session-idle-timeout", fd.sessionIdleTimeout.Default(), "Idle time after which sessions are dropped")
	fs.Int("batch-rows", fd.batchRows.Default(), "Rows per stream message")
	fd.sv.RegisterFlags(fs)
	viperutil.BindFlags(fs,
		fd.clusterFile,
		fd.coordinatorListen,
		fd.planKey,
		fd.planningDelay,
		fd.queryTTL,
		fd.sessionIdleTimeout,
		fd.batchRows,
	)
	return cmd, fd
}

func (fd *Fragmentd) run(cmd *cobra.Command, args []string) error {
	logger, err := fd.sv.Init()
	if err != nil {
		return err
	}
	path := fd.clusterFile.Get()
	if path == "" {
		return errors.New("--cluster-file is required")
	}
	cf, err := LoadClusterFile(fd.fs, path)
	if err != nil {
		return err
	}
	key, err := fd.signingKey(logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := newCluster(ctx, cf, clusterConfig{
		coordinatorListen:  fd.coordinatorListen.Get(),
		planKey:            key,
		planningDelay:      fd.planningDelay.Get(),
		queryTTL:           fd.queryTTL.Get(),
		sessionIdleTimeout: fd.sessionIdleTimeout.Get(),
		batchRows:          fd.batchRows.Get(),
	}, logger)
	if err != nil {
		return err
	}
	fd.sv.OnClose(c.close)
	return fd.sv.Run(ctx, c.listeners...)
}

// signingKey returns the configured plan key, or a random one. Coordinator
// and executors share the process, so a random key only means plans do not
// survive a restart.
func (fd *Fragmentd) signingKey(logger *slog.Logger) ([]byte, error) {
	if k := fd.planKey.Get(); k != "" {
		if len(k) < plantoken.MinKeyLen {
			return nil, errors.New("--plan-key is too short")
		}
		return []byte(k), nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	logger.Info("using a random plan key")
	return key, nil
}

func main() {
	cmd, _ := GetRootCommand()
	if err := cmd.Execute(); err != nil {
		slog.Error("fragmentd failed", "error", err)
		os.Exit(1)
	}
}

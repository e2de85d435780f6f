// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package servenv holds the process scaffolding shared by the binaries:
// configuration loading, logging, and serving gRPC until a signal arrives.
package servenv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/multigres/multisplit/go/tools/grpccommon"
	"github.com/multigres/multisplit/go/viperutil"
)

// ServEnv is the environment of one binary.
type ServEnv struct {
	reg *viperutil.Registry
	vc  *viperutil.ViperConfig
	lg  *Logger

	lameduckPeriod viperutil.Value[time.Duration]

	mu           sync.Mutex
	onCloseHooks []func()
}

// NewServEnv declares the common values on reg.
func NewServEnv(reg *viperutil.Registry) *ServEnv {
	return &ServEnv{
		reg: reg,
		vc:  viperutil.NewViperConfig(reg),
		lg:  NewLogger(reg),
		lameduckPeriod: viperutil.Configure(reg, "lameduck-period", viperutil.Options[time.Duration]{
			Default:  50 * time.Millisecond,
			FlagName: "lameduck-period",
		}),
	}
}

// RegisterFlags installs the common flags on fs: config file, logging,
// lameduck period and gRPC options.
func (sv *ServEnv) RegisterFlags(fs *pflag.FlagSet) {
	sv.vc.RegisterFlags(fs)
	sv.lg.RegisterFlags(fs)
	fs.Duration("lameduck-period", sv.lameduckPeriod.Default(), "How long to keep serving in-flight streams after a termination signal before stopping hard.")
	viperutil.BindFlags(fs, sv.lameduckPeriod)
	grpccommon.RegisterFlags(fs)
}

// Init loads the config file and sets up logging. Call it after flags are
// parsed.
func (sv *ServEnv) Init() (*slog.Logger, error) {
	if err := sv.vc.LoadConfig(sv.reg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return sv.lg.SetupLogging(), nil
}

// Logger returns the binary's logger.
func (sv *ServEnv) Logger() *slog.Logger {
	return sv.lg.GetLogger()
}

// OnClose registers f to run after the servers stopped, just before Run
// returns. Hooks run in registration order.
func (sv *ServEnv) OnClose(f func()) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.onCloseHooks = append(sv.onCloseHooks, f)
}

// Listener pairs a gRPC server with the listener it serves on.
type Listener struct {
	Name     string
	Server   *grpc.Server
	Listener net.Listener
}

// Run serves every listener until ctx is done, SIGTERM or SIGINT arrives,
// or a server fails. On the way out it stops gracefully, forcing the stop
// after the lameduck period, then fires the OnClose hooks.
func (sv *ServEnv) Run(ctx context.Context, listeners ...Listener) error {
	logger := sv.Logger()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		logger.InfoContext(ctx, "serving gRPC", "service", l.Name, "addr", l.Listener.Addr().String())
		go func() {
			if err := l.Server.Serve(l.Listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("%s: %w", l.Name, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("entering lameduck mode", "period", sv.lameduckPeriod.Get())
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr)
	}

	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gracefulStop(l.Server, sv.lameduckPeriod.Get())
		}()
	}
	wg.Wait()

	sv.fireOnClose()
	_ = sv.lg.Close()
	logger.Info("shut down gracefully")
	return runErr
}

// gracefulStop stops s gracefully, falling back to Stop after timeout.
func gracefulStop(s *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.Stop()
		<-done
	}
}

func (sv *ServEnv) fireOnClose() {
	sv.mu.Lock()
	hooks := append([]func(){}, sv.onCloseHooks...)
	sv.mu.Unlock()
	for _, f := range hooks {
		f()
	}
}

// ListenTCP listens on addr, exiting the process with a logged error when
// the address is unavailable.
func ListenTCP(logger *slog.Logger, addr string) net.Listener {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}
	return lis
}

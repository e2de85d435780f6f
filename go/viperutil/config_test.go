// Copyright 2023 The Vitess Authors.
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
//
// Modifications Copyright 2025 Supabase, Inc.

package viperutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConfigHandlingValue(t *testing.T) {
	v := viper.New()
	v.SetDefault("default", ErrorOnConfigFileNotFound)
	v.SetConfigType("yaml")

	cfg := `
foo: 2
bar: "2" # not valid, defaults to "ignore" (0)
baz: error
duration: 10h
`
	err := v.ReadConfig(strings.NewReader(cfg))
	require.NoError(t, err)

	get := getHandlingValue(v)
	assert.Equal(t, ErrorOnConfigFileNotFound, get("foo"), "failed to get int value")
	assert.Equal(t, IgnoreConfigFileNotFound, get("bar"), "failed to get int-like string value")
	assert.Equal(t, ErrorOnConfigFileNotFound, get("baz"), "failed to get string value")
	assert.Equal(t, IgnoreConfigFileNotFound, get("notset"), "failed to get value on unset key")
	assert.Equal(t, IgnoreConfigFileNotFound, get("duration"), "failed to get value on duration key")
	assert.Equal(t, ErrorOnConfigFileNotFound, get("default"), "failed to get value on default key")
}

func TestLoadConfigNotFound(t *testing.T) {
	tests := []struct {
		name     string
		handling ConfigFileNotFoundHandling
		wantErr  bool
	}{
		{"ignore", IgnoreConfigFileNotFound, false},
		{"warn", WarnOnConfigFileNotFound, false},
		{"error", ErrorOnConfigFileNotFound, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			vc := NewViperConfig(reg)
			vc.configFile.Set(filepath.Join(t.TempDir(), "notfound.yaml"))
			vc.configFileNotFoundHandling.Set(tt.handling)
			err := vc.LoadConfig(reg)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoadConfigNoFile(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, NewViperConfig(reg).LoadConfig(reg))
}

func TestValuePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "splitctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coordinator:\n  addr: from-file:1\nplanning-timeout: 3s\n"), 0o644))

	reg := NewRegistry()
	addr := Configure(reg, "coordinator.addr", Options[string]{
		Default:  "localhost:15900",
		FlagName: "coordinator-addr",
	})
	user := Configure(reg, "user", Options[string]{
		Default:  "anonymous",
		FlagName: "user",
		EnvVars:  []string{"MULTISPLIT_TEST_USER"},
	})
	timeout := Configure(reg, "planning-timeout", Options[time.Duration]{
		Default:  time.Minute,
		FlagName: "planning-timeout",
	})
	parallel := Configure(reg, "parallelism", Options[int]{Default: 4})

	vc := NewViperConfig(reg)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	vc.RegisterFlags(fs)
	fs.String("coordinator-addr", addr.Default(), "")
	fs.String("user", user.Default(), "")
	fs.Duration("planning-timeout", timeout.Default(), "")
	BindFlags(fs, addr, user, timeout, parallel)

	t.Setenv("MULTISPLIT_TEST_USER", "from-env")
	require.NoError(t, fs.Parse([]string{"--config-file", path, "--coordinator-addr", "from-flag:2"}))
	require.NoError(t, vc.LoadConfig(reg))

	assert.Equal(t, "from-flag:2", addr.Get())
	assert.Equal(t, "from-env", user.Get())
	assert.Equal(t, 3*time.Second, timeout.Get())
	assert.Equal(t, 4, parallel.Get())

	parallel.Set(8)
	assert.Equal(t, 8, parallel.Get())
	assert.Contains(t, reg.AllSettings(), "parallelism")
}

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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ViperConfig holds the values that control config file loading.
type ViperConfig struct {
	configFile                 Value[string]
	configFileNotFoundHandling Value[ConfigFileNotFoundHandling]
}

// NewViperConfig declares the config loading values on reg.
func NewViperConfig(reg *Registry) *ViperConfig {
	return &ViperConfig{
		configFile: Configure(reg, "config.file", Options[string]{
			EnvVars:  []string{"MULTISPLIT_CONFIG_FILE"},
			FlagName: "config-file",
		}),
		configFileNotFoundHandling: Configure(reg, "config.notfound.handling", Options[ConfigFileNotFoundHandling]{
			Default:  WarnOnConfigFileNotFound,
			GetFunc:  getHandlingValue,
			FlagName: "config-file-not-found-handling",
		}),
	}
}

// RegisterFlags installs the flags that control config loading.
func (vc *ViperConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config-file", vc.configFile.Default(), "Full path of a config file (yaml, json or toml) to read values from. Flags and environment variables take precedence.")

	h := vc.configFileNotFoundHandling.Default()
	fs.Var(&h, "config-file-not-found-handling", fmt.Sprintf("Behavior when the config file is not found. (Options: %s)", strings.Join(handlingNames, ", ")))

	BindFlags(fs, vc.configFile, vc.configFileNotFoundHandling)
}

// LoadConfig reads the config file named by --config-file, if any, into reg.
// A missing file is handled per --config-file-not-found-handling.
func (vc *ViperConfig) LoadConfig(reg *Registry) error {
	file := vc.configFile.Get()
	if file == "" {
		return nil
	}
	reg.v.SetConfigFile(file)
	err := reg.v.ReadInConfig()
	if err == nil || !isConfigFileNotFoundError(err) {
		return err
	}

	switch vc.configFileNotFoundHandling.Get() {
	case IgnoreConfigFileNotFound:
		return nil
	case WarnOnConfigFileNotFound:
		slog.Warn("config file not found, using flags, environment and defaults", "config_file", file)
		return nil
	default:
		slog.Error("failed to read config file", "config_file", file, "error", err)
		return err
	}
}

func isConfigFileNotFoundError(err error) bool {
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

// ConfigFileNotFoundHandling controls how LoadConfig treats a missing file.
type ConfigFileNotFoundHandling int

const (
	// IgnoreConfigFileNotFound silently continues without a config file.
	IgnoreConfigFileNotFound ConfigFileNotFoundHandling = iota
	// WarnOnConfigFileNotFound logs a warning and continues.
	WarnOnConfigFileNotFound
	// ErrorOnConfigFileNotFound makes LoadConfig return the error.
	ErrorOnConfigFileNotFound
)

// handlingNames is indexed by ConfigFileNotFoundHandling.
var handlingNames = []string{"ignore", "warn", "error"}

func getHandlingValue(v *viper.Viper) func(key string) ConfigFileNotFoundHandling {
	return func(key string) (h ConfigFileNotFoundHandling) {
		hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(decodeHandlingValue))
		if err := v.UnmarshalKey(key, &h, hook); err != nil {
			slog.Warn("invalid config file handling, ignoring missing config files", "key", key, "error", err)
			return IgnoreConfigFileNotFound
		}
		return h
	}
}

// decodeHandlingValue lets config files and env vars name the handling.
func decodeHandlingValue(from, to reflect.Type, data any) (any, error) {
	var h ConfigFileNotFoundHandling
	if to != reflect.TypeOf(h) {
		return data, nil
	}
	switch v := data.(type) {
	case ConfigFileNotFoundHandling:
		return v, nil
	case int:
		return ConfigFileNotFoundHandling(v), nil
	case string:
		err := h.Set(v)
		return h, err
	}
	return data, fmt.Errorf("invalid value for ConfigFileNotFoundHandling: %v", data)
}

func (h *ConfigFileNotFoundHandling) Set(arg string) error {
	i := slices.Index(handlingNames, strings.ToLower(arg))
	if i < 0 {
		return fmt.Errorf("unknown handling name %s", arg)
	}
	*h = ConfigFileNotFoundHandling(i)
	return nil
}

func (h *ConfigFileNotFoundHandling) String() string {
	if int(*h) >= 0 && int(*h) < len(handlingNames) {
		return handlingNames[*h]
	}
	return "<UNKNOWN>"
}

func (h *ConfigFileNotFoundHandling) Type() string { return "ConfigFileNotFoundHandling" }

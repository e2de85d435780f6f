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

// Package viperutil wraps viper with typed, per-binary configuration values.
//
// Each binary builds its own Registry, declares values with Configure, and
// binds them to its flags with BindFlags. A value then resolves, in order of
// precedence, from an explicit Set, a flag, an environment variable, the
// config file, and finally its default.
package viperutil

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Registry holds the viper instance backing a set of values.
// Registries are isolated from one another so tests and multiple commands
// in one process do not share state.
type Registry struct {
	v *viper.Viper
}

// NewRegistry creates a new isolated configuration registry.
//
//	reg := viperutil.NewRegistry()
//	addr := viperutil.Configure(reg, "coordinator.addr", viperutil.Options[string]{
//	    Default:  "localhost:15900",
//	    FlagName: "coordinator-addr",
//	})
func NewRegistry() *Registry {
	return &Registry{v: viper.New()}
}

// Viper returns the underlying viper instance.
func (reg *Registry) Viper() *viper.Viper {
	return reg.v
}

// AllSettings returns every resolved key, for debugging.
func (reg *Registry) AllSettings() map[string]any {
	return reg.v.AllSettings()
}

// Bindable is implemented by every Value so BindFlags can take values of
// different types.
type Bindable interface {
	Key() string
	FlagName() string
	registry() *Registry
}

// BindFlags binds each value to the flag of the same FlagName on fs.
// Values without a FlagName, or whose flag is not defined on fs, are skipped.
func BindFlags(fs *pflag.FlagSet, values ...Bindable) {
	for _, val := range values {
		name := val.FlagName()
		if name == "" {
			continue
		}
		if f := fs.Lookup(name); f != nil {
			_ = val.registry().v.BindPFlag(val.Key(), f)
		}
	}
}

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

package viperutil

import (
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

// Value is a typed handle on one configuration key.
type Value[T any] interface {
	Bindable
	Default() T
	Get() T
	Set(v T)
}

// Options configures a Value.
type Options[T any] struct {
	Default T
	// FlagName is the flag BindFlags binds this value to.
	FlagName string
	// EnvVars are checked in order when neither Set nor a flag provided a value.
	EnvVars []string
	// GetFunc overrides how the value is read from viper. It is needed for
	// types viper has no getter for.
	GetFunc func(v *viper.Viper) func(key string) T
}

type static[T any] struct {
	reg  *Registry
	key  string
	opts Options[T]
	get  func(key string) T
}

// Configure declares key on reg and returns its handle.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	reg.v.SetDefault(key, opts.Default)
	if len(opts.EnvVars) > 0 {
		_ = reg.v.BindEnv(append([]string{key}, opts.EnvVars...)...)
	}
	getFunc := opts.GetFunc
	if getFunc == nil {
		getFunc = getFuncFor[T]
	}
	return &static[T]{
		reg:  reg,
		key:  key,
		opts: opts,
		get:  getFunc(reg.v),
	}
}

func (s *static[T]) Key() string         { return s.key }
func (s *static[T]) FlagName() string    { return s.opts.FlagName }
func (s *static[T]) Default() T          { return s.opts.Default }
func (s *static[T]) Get() T              { return s.get(s.key) }
func (s *static[T]) Set(v T)             { s.reg.v.Set(s.key, v) }
func (s *static[T]) registry() *Registry { return s.reg }

// getFuncFor picks the viper getter matching T. Other types go through
// UnmarshalKey.
func getFuncFor[T any](v *viper.Viper) func(key string) T {
	var zero T
	switch any(zero).(type) {
	case string:
		return func(key string) T { return any(v.GetString(key)).(T) }
	case bool:
		return func(key string) T { return any(v.GetBool(key)).(T) }
	case int:
		return func(key string) T { return any(v.GetInt(key)).(T) }
	case int32:
		return func(key string) T { return any(v.GetInt32(key)).(T) }
	case int64:
		return func(key string) T { return any(v.GetInt64(key)).(T) }
	case float64:
		return func(key string) T { return any(v.GetFloat64(key)).(T) }
	case time.Duration:
		return func(key string) T { return any(v.GetDuration(key)).(T) }
	case []string:
		return func(key string) T { return any(v.GetStringSlice(key)).(T) }
	}
	return func(key string) T {
		var out T
		if err := v.UnmarshalKey(key, &out); err != nil {
			slog.Warn("failed to read config value, using zero value", "key", key, "error", err)
			return zero
		}
		return out
	}
}

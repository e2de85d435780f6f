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

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/services/storage"
)

// ClusterFile describes what fragmentd serves.
//
//	users:
//	  - principal: analyst
//	    bcrypt_hash: $2a$10$...
//	executors:
//	  - name: exec-0
//	    listen: ":15300"
//	  - name: exec-1
//	    listen: ":15301"
//	    driver: postgres
//	    dsn: postgres://localhost/part1?sslmode=disable
//	tables:
//	  - name: events
//	    columns:
//	      - {name: id, type: INT64}
//	      - {name: kind, type: STRING}
//	    rows:
//	      - [1, click]
//	      - [2, view]
type ClusterFile struct {
	Users     []UserSpec     `yaml:"users"`
	Executors []ExecutorSpec `yaml:"executors"`
	Tables    []TableSpec    `yaml:"tables"`
}

// UserSpec is a principal allowed to open sessions. Exactly one of Secret
// and BcryptHash is set.
type UserSpec struct {
	Principal  string `yaml:"principal"`
	Secret     string `yaml:"secret"`
	BcryptHash string `yaml:"bcrypt_hash"`
}

// ExecutorSpec is one executor and its partition.
type ExecutorSpec struct {
	Name string `yaml:"name"`
	// Listen is the gRPC listen address.
	Listen string `yaml:"listen"`
	// Advertise is the address put in fragment locations. It defaults to
	// Listen, with localhost for an empty host.
	Advertise string `yaml:"advertise"`
	// Driver and DSN select the partition database. The default is a
	// private in-memory sqlite database.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// TableSpec is a table created in the catalog and in every partition.
// Rows are spread round-robin across the partitions.
type TableSpec struct {
	Name    string       `yaml:"name"`
	Columns []ColumnSpec `yaml:"columns"`
	Rows    [][]any      `yaml:"rows"`
}

// ColumnSpec is one column of a TableSpec.
type ColumnSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// LoadClusterFile reads and validates a cluster file.
func LoadClusterFile(fs afero.Fs, path string) (*ClusterFile, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read cluster file: %w", err)
	}
	var cf ClusterFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse cluster file %s: %w", path, err)
	}
	if err := cf.Validate(); err != nil {
		return nil, fmt.Errorf("cluster file %s: %w", path, err)
	}
	return &cf, nil
}

// Validate checks the cluster file for mistakes that would only show up
// once the services run.
func (cf *ClusterFile) Validate() error {
	var errs []error
	if len(cf.Users) == 0 {
		errs = append(errs, errors.New("no users"))
	}
	for i, u := range cf.Users {
		switch {
		case u.Principal == "":
			errs = append(errs, fmt.Errorf("user %d: principal is required", i))
		case (u.Secret == "") == (u.BcryptHash == ""):
			errs = append(errs, fmt.Errorf("user %s: set exactly one of secret and bcrypt_hash", u.Principal))
		}
	}

	if len(cf.Executors) == 0 {
		errs = append(errs, errors.New("no executors"))
	}
	names := make(map[string]bool)
	for i, e := range cf.Executors {
		switch {
		case e.Name == "":
			errs = append(errs, fmt.Errorf("executor %d: name is required", i))
		case names[e.Name]:
			errs = append(errs, fmt.Errorf("executor %s: duplicate name", e.Name))
		case e.Listen == "":
			errs = append(errs, fmt.Errorf("executor %s: listen is required", e.Name))
		}
		names[e.Name] = true
		switch e.Driver {
		case "", storage.DriverSQLite:
		case storage.DriverPostgres:
			if e.DSN == "" {
				errs = append(errs, fmt.Errorf("executor %s: postgres needs a dsn", e.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("executor %s: unsupported driver %q", e.Name, e.Driver))
		}
	}

	for _, t := range cf.Tables {
		if _, err := t.Schema(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := t.Values(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Schema returns the table's columns.
func (t TableSpec) Schema() (sqltypes.Schema, error) {
	if t.Name == "" {
		return nil, errors.New("table name is required")
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("table %s: no columns", t.Name)
	}
	schema := make(sqltypes.Schema, 0, len(t.Columns))
	for _, c := range t.Columns {
		typ, err := sqltypes.ParseType(strings.ToUpper(c.Type))
		if err != nil {
			return nil, fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
		}
		schema = append(schema, sqltypes.Field{Name: c.Name, Type: typ})
	}
	return schema, nil
}

// Values converts the YAML rows to values storage.Store.Insert accepts.
func (t TableSpec) Values() ([][]any, error) {
	schema, err := t.Schema()
	if err != nil {
		return nil, err
	}
	out := make([][]any, 0, len(t.Rows))
	for i, row := range t.Rows {
		if len(row) != len(schema) {
			return nil, fmt.Errorf("table %s row %d: %d values for %d columns", t.Name, i, len(row), len(schema))
		}
		vals := make([]any, len(row))
		for j, v := range row {
			vals[j], err = convertValue(schema[j].Type, v)
			if err != nil {
				return nil, fmt.Errorf("table %s row %d column %s: %w", t.Name, i, schema[j].Name, err)
			}
		}
		out = append(out, vals)
	}
	return out, nil
}

func convertValue(typ sqltypes.Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case sqltypes.Int32, sqltypes.Int64:
		if n, ok := v.(int); ok {
			return int64(n), nil
		}
	case sqltypes.Float64:
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case float64:
			return n, nil
		}
	case sqltypes.Boolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case sqltypes.String:
		switch s := v.(type) {
		case string:
			return s, nil
		case int, float64, bool:
			return fmt.Sprint(s), nil
		}
	case sqltypes.Binary:
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
	case sqltypes.Date:
		switch d := v.(type) {
		case time.Time:
			return d.Format(sqltypes.DateLayout), nil
		case string:
			if _, err := time.Parse(sqltypes.DateLayout, d); err != nil {
				return nil, err
			}
			return d, nil
		}
	case sqltypes.Timestamp:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC(), nil
		case string:
			return time.Parse(time.RFC3339Nano, ts)
		}
	}
	return nil, fmt.Errorf("cannot use %v (%T) as %s", v, v, typ)
}

// advertised returns the address fragments of e point at.
func (e ExecutorSpec) advertised() string {
	if e.Advertise != "" {
		return e.Advertise
	}
	if strings.HasPrefix(e.Listen, ":") {
		return "localhost" + e.Listen
	}
	return e.Listen
}

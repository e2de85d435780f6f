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
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/test/minicluster"
)

var sampleSchema = sqltypes.Schema{
	{Name: "id", Type: sqltypes.Int64},
	{Name: "label", Type: sqltypes.String},
}

func startCluster(t *testing.T, rows int) *minicluster.Cluster {
	t.Helper()
	c := minicluster.Start(t, minicluster.WithExecutors(2))
	data := make([][]any, 0, rows)
	for i := range rows {
		data = append(data, []any{int64(i), fmt.Sprintf("row-%d", i)})
	}
	c.LoadTable(t, "sample", sampleSchema, data)
	return c
}

// run executes splitctl against c with a fresh root command over fs.
func run(t *testing.T, c *minicluster.Cluster, fs afero.Fs, args ...string) (string, error) {
	t.Helper()
	root, sc := GetRootCommand()
	sc.fs = fs
	sc.dialOptions = c.DialOptions()

	creds := c.Credentials()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{
		"--coordinator", c.Target(),
		"--user", creds.Principal,
		"--password", creds.Secret,
		"--log-level", "error",
	}, args...))
	err := root.Execute()
	return out.String(), err
}

func splitFiles(t *testing.T, fs afero.Fs, dir string) []string {
	t.Helper()
	files, err := afero.Glob(fs, filepath.Join(dir, "*"+SplitFileExt))
	require.NoError(t, err)
	sort.Strings(files)
	return files
}

func queryIDFrom(t *testing.T, planOutput string) string {
	t.Helper()
	first, _, _ := strings.Cut(planOutput, "\n")
	fields := strings.Fields(first)
	require.GreaterOrEqual(t, len(fields), 2, "plan output: %q", planOutput)
	return strings.TrimSuffix(fields[1], ":")
}

func TestPlanThenRead(t *testing.T) {
	c := startCluster(t, 10)
	fs := afero.NewMemMapFs()

	out, err := run(t, c, fs, "plan", "--out-dir", "/splits", "SELECT id, label FROM sample")
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 splits")

	files := splitFiles(t, fs, "/splits")
	require.Len(t, files, 2)
	for _, f := range files {
		assert.Contains(t, out, f)
	}

	out, err = run(t, c, fs, append([]string{"read"}, files...)...)
	require.NoError(t, err, out)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 11)
	assert.Equal(t, "id\tlabel", lines[0])
	rows := lines[1:]
	sort.Strings(rows)
	assert.Contains(t, rows, "0\trow-0")
	assert.Contains(t, rows, "9\trow-9")
}

func TestReadRejectsBadFiles(t *testing.T) {
	c := startCluster(t, 1)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bad.split", []byte("not a split"), 0o644))

	_, err := run(t, c, fs, "read", "/bad.split")
	assert.ErrorIs(t, err, mterrors.ErrDecode)

	_, err = run(t, c, fs, "read", "/missing.split")
	assert.Error(t, err)
}

func TestQuery(t *testing.T) {
	c := startCluster(t, 6)

	out, err := run(t, c, afero.NewMemMapFs(), "query", "SELECT id, label FROM sample WHERE id < 4")
	require.NoError(t, err, out)
	assert.Contains(t, out, "id\tlabel")
	assert.Contains(t, out, "2\trow-2")
	assert.NotContains(t, out, "row-5")
	assert.Contains(t, out, "(4 rows)")

	out, err = run(t, c, afero.NewMemMapFs(), "query", "--summary", "SELECT id FROM sample")
	require.NoError(t, err, out)
	assert.NotContains(t, out, "row-")
	assert.Contains(t, out, "(6 rows)")
}

func TestCancelRefusesLaterReads(t *testing.T) {
	c := startCluster(t, 4)
	fs := afero.NewMemMapFs()

	out, err := run(t, c, fs, "plan", "-o", "/q", "SELECT * FROM sample")
	require.NoError(t, err, out)
	id := queryIDFrom(t, out)

	out, err = run(t, c, fs, "cancel", "--reason", "test", id)
	require.NoError(t, err, out)
	assert.Contains(t, out, id+" cancelled")

	_, err = run(t, c, fs, append([]string{"read"}, splitFiles(t, fs, "/q")...)...)
	assert.ErrorIs(t, err, mterrors.ErrCancelled)
}

func TestCredentialsAreRequired(t *testing.T) {
	root, _ := GetRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--log-level", "error", "query", "SELECT 1"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--user")
}

func TestWrongPasswordIsAuthenticationError(t *testing.T) {
	c := startCluster(t, 1)
	_, err := run(t, c, afero.NewMemMapFs(), "--password", "wrong", "query", "SELECT id FROM sample")
	assert.ErrorIs(t, err, mterrors.ErrAuthentication)
}

package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, queries map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	qdir := filepath.Join(dir, "queries")
	require.NoError(t, os.MkdirAll(qdir, 0o755))
	for name, body := range queries {
		require.NoError(t, os.WriteFile(filepath.Join(qdir, name), []byte(body), 0o600))
	}

	at := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)
	docs := fmt.Sprintf(`[
  {"_id": "d1", "@timestamp": %q, "message": "TimeoutError: timed out", "build_uuid": "u1", "build_name": "gate-tempest", "filename": "console.html", "build_status": "FAILURE"},
  {"_id": "d2", "@timestamp": %q, "message": "TimeoutError: timed out", "build_uuid": "u2", "build_name": "gate-tempest", "filename": "console.html", "build_status": "FAILURE"}
]`, at, at)
	docsPath := filepath.Join(dir, "docs.json")
	require.NoError(t, os.WriteFile(docsPath, []byte(docs), 0o600))

	cfgPath := filepath.Join(dir, "recheck.yaml")
	cfg := fmt.Sprintf("search:\n  documentsFile: %s\ncatalog:\n  dir: %s\n", docsPath, qdir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		queryVerbose = false
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateListsCatalog(t *testing.T) {
	cfg := writeFixture(t, map[string]string{
		"1253896.yaml": "query: >\n  message:\"TimeoutError\"\n",
		"1280464.yaml": "query: >\n  message:\"No valid host\"\nsuppress-notification: true\n",
	})

	out, err := execute(t, "validate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "2 fingerprints loaded")
	assert.Contains(t, out, "1280464 [suppress-notification]")
}

func TestValidateReportsEveryError(t *testing.T) {
	cfg := writeFixture(t, map[string]string{
		"1.yaml": "query: >\n  message:(\n",
		"2.yaml": "query: \"\"\n",
	})

	out, err := execute(t, "validate", "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, out, "ERROR")
	assert.Contains(t, out, "1.yaml")
	assert.Contains(t, out, "2.yaml")
}

func TestQuerySummarisesAttributes(t *testing.T) {
	cfg := writeFixture(t, map[string]string{
		"1253896.yaml": "query: >\n  message:\"TimeoutError\"\n",
	})

	out, err := execute(t, "query", "1253896", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "1253896: 2 hits")
	assert.Contains(t, out, "logstash: ")
	assert.Contains(t, out, "100.0% gate-tempest")
	assert.NotContains(t, out, "build_uuid")

	out, err = execute(t, "query", "1253896", "--verbose", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "build_uuid")
}

func TestQueryUnknownBug(t *testing.T) {
	cfg := writeFixture(t, map[string]string{
		"1253896.yaml": "query: >\n  message:\"TimeoutError\"\n",
	})

	_, err := execute(t, "query", "999", "--config", cfg)
	assert.ErrorContains(t, err, "not in catalog")
}

func TestStatsPrintsTable(t *testing.T) {
	cfg := writeFixture(t, map[string]string{
		"1253896.yaml": "query: >\n  message:\"TimeoutError\"\n",
	})

	out, err := execute(t, "stats", "--hours", "96", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "BUG")
	assert.Contains(t, out, "1253896")
}

func TestCleanupRemovesClosedBugsWithoutHits(t *testing.T) {
	cfg := writeFixture(t, map[string]string{
		"1253896.yaml": "query: >\n  message:\"TimeoutError\"\n",
		"1111.yaml":    "query: >\n  message:\"never seen\"\n",
		"2222.yaml":    "query: >\n  message:\"fixed long ago\"\nclosed-on: 2020-01-01\n",
	})
	t.Cleanup(func() { cleanupRemove = false })

	out, err := execute(t, "cleanup", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "1111")
	assert.Contains(t, out, "stale")
	assert.Contains(t, out, "closed")
	assert.NotContains(t, out, "removed")

	out, err = execute(t, "cleanup", "--remove", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "removed")
	_, statErr := os.Stat(filepath.Join(filepath.Dir(cfg), "queries", "2222.yaml"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(filepath.Dir(cfg), "queries", "1111.yaml"))
	assert.NoError(t, statErr)
}

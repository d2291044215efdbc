package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"migrate"},
		{"enqueue"},
		{"run"},
		{"dedup", "events"},
		{"dedup", "venues"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestPositionalArgs(t *testing.T) {
	assert.Error(t, enqueueCmd.Args(enqueueCmd, nil))
	assert.NoError(t, enqueueCmd.Args(enqueueCmd, []string{"snap-1"}))
	assert.Error(t, runCmd.Args(runCmd, []string{"a", "b"}))
	assert.Error(t, migrateCmd.Args(migrateCmd, []string{"extra"}))
}

func TestPrintJSONIndents(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"removed": 2}))
	assert.Equal(t, "{\n  \"removed\": 2\n}\n", buf.String())
}

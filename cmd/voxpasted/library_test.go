package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPatterns(t *testing.T) {
	assert.Equal(t, []string{"Slack", "Mail"}, splitPatterns(" Slack, ,Mail "))
	assert.Nil(t, splitPatterns(""))
}

func TestReadTemplate(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.txt")
	require.NoError(t, os.WriteFile(good, []byte("Fix this:\n{{text}}\n\n"), 0o600))
	content, err := readTemplate(good)
	require.NoError(t, err)
	assert.Equal(t, "Fix this:\n{{text}}", content)

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("no placeholder"), 0o600))
	_, err = readTemplate(bad)
	assert.ErrorContains(t, err, "{{text}}")

	_, err = readTemplate("")
	assert.Error(t, err)

	_, err = readTemplate(filepath.Join(dir, "missing.txt"))
	assert.ErrorContains(t, err, "read template")
}

package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFileWhenDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "kd.log")
	logger, err := New(true, path)
	require.NoError(t, err)
	logger.Info("hello", "k", "v")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestTokenPrefix(t *testing.T) {
	assert.Equal(t, "***", TokenPrefix("abc"))
	assert.Equal(t, "abcdefgh...", TokenPrefix("abcdefghijkl"))
}
